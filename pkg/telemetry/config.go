package telemetry

import (
	"fmt"
	"time"
)

// Config selects which instruments the agent runs and where their output
// goes. pkg/config derives it from the agent configuration file.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// DeviceID tags every exported span with the device it came from.
	DeviceID string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are extra span resource attributes.
	ResourceAttributes map[string]string
}

// LoggingConfig controls the zerolog output.
type LoggingConfig struct {
	Level  string // trace, debug, info, warn, error or fatal
	Format string // console or json
	Output string // stdout, stderr or a file path opened for append

	EnableCaller bool

	// Sampling bounds log volume when a flapping call log or remote floods
	// the same message: SamplingInitial lines per second, then one in
	// SamplingThereafter.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	TimeFormat string // rfc3339, unix or unixms
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled  bool
	Exporter string // otlp, stdout or none
	Endpoint string // OTLP collector host:port
	Insecure bool
	Headers  map[string]string

	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress starts a dedicated listener. Left empty, the registry
	// is reachable only through the local control API.
	ListenAddress string
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are latency buckets in seconds for poll and
	// delivery durations.
	DefaultHistogramBuckets []float64
}

// EventsConfig controls the in-process event stream.
type EventsConfig struct {
	Enabled bool

	// BufferSize bounds queued events in async mode; Publish drops and
	// reports an error beyond it.
	BufferSize   int
	MaxBatchSize int
	EnableAsync  bool
}

// DefaultConfig logs to stderr at info, keeps metrics and events on and
// leaves tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "callsync",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			Insecure:           true,
			Headers:            map[string]string{},
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "callsync",
			DefaultHistogramBuckets: []float64{
				0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
			},
		},
		Events: EventsConfig{
			Enabled:      true,
			BufferSize:   256,
			MaxBatchSize: 32,
			EnableAsync:  true,
		},
		ResourceAttributes: map[string]string{},
	}
}

var (
	logLevels     = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	logFormats    = map[string]bool{"console": true, "json": true}
	spanExporters = map[string]bool{"otlp": true, "stdout": true, "none": true}
)

// Validate reports the first setting that would make NewTelemetry fail or
// silently misbehave.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case c.ServiceVersion == "":
		return fmt.Errorf("service version is required")
	case !logLevels[c.Logging.Level]:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	case !logFormats[c.Logging.Format]:
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	case c.Metrics.Enabled && c.Metrics.Path == "":
		return fmt.Errorf("metrics path is required when metrics are enabled")
	case c.Events.Enabled && c.Events.BufferSize <= 0:
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	if c.Tracing.Enabled {
		if !spanExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp exporter requires an endpoint")
		}
	}
	return nil
}
