package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete agent configuration as read from a .yaml or .cue file.
type Config struct {
	// Device identifies this device to the remote.
	Device DeviceConfig `json:"device" yaml:"device"`

	// Remote configures the HTTP command source and reporter.
	Remote RemoteConfig `json:"remote" yaml:"remote"`

	// Store configures the durable call store and delivery queue.
	Store StoreConfig `json:"store" yaml:"store"`

	// Phone configures number normalization.
	Phone PhoneConfig `json:"phone" yaml:"phone"`

	// Resolver bounds call-log resolution.
	Resolver ResolverConfig `json:"resolver" yaml:"resolver"`

	// Scheduler tunes the polling cadence.
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`

	// Delivery tunes outbound report delivery.
	Delivery DeliveryConfig `json:"delivery" yaml:"delivery"`

	// Outcome configures the optional scripted outcome classifier.
	Outcome OutcomeConfig `json:"outcome" yaml:"outcome"`

	// Dialer configures how calls are placed.
	Dialer DialerConfig `json:"dialer" yaml:"dialer"`

	// Evidence selects the call-log source.
	Evidence EvidenceConfig `json:"evidence" yaml:"evidence"`

	// Wake configures the push wake spool.
	Wake WakeConfig `json:"wake" yaml:"wake"`

	// Connectivity configures the remote reachability monitor.
	Connectivity ConnectivityConfig `json:"connectivity" yaml:"connectivity"`

	// Listen configures the local control API.
	Listen ListenConfig `json:"listen" yaml:"listen"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// DeviceConfig identifies the device.
type DeviceConfig struct {
	ID string `json:"id" yaml:"id" validate:"required"`
}

// RemoteConfig configures the remote workflow system.
type RemoteConfig struct {
	// BaseURL is the root of the remote API, e.g. "https://flows.example.com/api".
	BaseURL string `json:"base_url" yaml:"base_url" validate:"required,url"`

	// Token is sent as a bearer token when set.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`

	PollPath   string `json:"poll_path" yaml:"poll_path" validate:"required,startswith=/"`
	ReportPath string `json:"report_path" yaml:"report_path" validate:"required,startswith=/"`
	HealthPath string `json:"health_path" yaml:"health_path" validate:"required,startswith=/"`

	// PollTimeout bounds each long-poll request. The server is asked to hold
	// the request for a few seconds less, so an idle poll returns empty.
	PollTimeout Duration `json:"poll_timeout" yaml:"poll_timeout" validate:"gt=0"`

	// ReportTimeout bounds each report request.
	ReportTimeout Duration `json:"report_timeout" yaml:"report_timeout" validate:"gt=0"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// DSN selects the backend: a file path or sqlite:// URL, postgres://, or memory://.
	DSN string `json:"dsn" yaml:"dsn" validate:"required"`

	// RetentionGrace is how long delivered calls are kept.
	RetentionGrace Duration `json:"retention_grace" yaml:"retention_grace" validate:"gte=0"`

	// JanitorInterval is how often delivered calls are purged.
	JanitorInterval Duration `json:"janitor_interval" yaml:"janitor_interval" validate:"gt=0"`
}

// PhoneConfig configures number normalization.
type PhoneConfig struct {
	CountryCode    string `json:"country_code" yaml:"country_code" validate:"omitempty,numeric"`
	TrunkPrefix    string `json:"trunk_prefix" yaml:"trunk_prefix" validate:"omitempty,numeric"`
	NationalLength int    `json:"national_length" yaml:"national_length" validate:"gte=0"`
}

// ResolverConfig bounds call-log resolution.
type ResolverConfig struct {
	// Offsets are the check times after call creation.
	Offsets []Duration `json:"offsets" yaml:"offsets" validate:"required,min=1,dive,gte=0"`

	SmallBefore    Duration `json:"small_before" yaml:"small_before" validate:"gte=0"`
	ToleranceAfter Duration `json:"tolerance_after" yaml:"tolerance_after" validate:"gte=0"`

	// Window is the total resolution budget.
	Window Duration `json:"window" yaml:"window" validate:"gt=0"`
}

// SchedulerConfig tunes the polling cadence.
type SchedulerConfig struct {
	BaseInterval   Duration `json:"base_interval" yaml:"base_interval" validate:"gt=0"`
	MaxInterval    Duration `json:"max_interval" yaml:"max_interval" validate:"gtefield=BaseInterval"`
	Jitter         float64  `json:"jitter" yaml:"jitter" validate:"gte=0,lt=1"`
	BurstDuration  Duration `json:"burst_duration" yaml:"burst_duration" validate:"gte=0"`
	BurstInterval  Duration `json:"burst_interval" yaml:"burst_interval" validate:"gt=0"`
	BackgroundBase Duration `json:"background_base" yaml:"background_base" validate:"gt=0"`
	BackgroundMax  Duration `json:"background_max" yaml:"background_max" validate:"gtefield=BackgroundBase"`
}

// DeliveryConfig tunes outbound delivery.
type DeliveryConfig struct {
	Workers      int      `json:"workers" yaml:"workers" validate:"gte=1,lte=32"`
	MaxAttempts  int      `json:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
	BaseDelay    Duration `json:"base_delay" yaml:"base_delay" validate:"gt=0"`
	MaxDelay     Duration `json:"max_delay" yaml:"max_delay" validate:"gtefield=BaseDelay"`
	IdleInterval Duration `json:"idle_interval" yaml:"idle_interval" validate:"gt=0"`
}

// OutcomeConfig configures the scripted outcome classifier.
type OutcomeConfig struct {
	// Script is a path to a Starlark file defining classify(entry). Empty
	// selects the built-in direction rules.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// Watch reloads the script when it changes on disk.
	Watch bool `json:"watch" yaml:"watch"`

	// Timeout bounds a single classify call.
	Timeout Duration `json:"timeout" yaml:"timeout" validate:"gt=0"`
}

// DialerConfig configures call placement.
type DialerConfig struct {
	// Command is an argv template; "{number}" is replaced by the number.
	// Empty selects the log-only dialer.
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	// Timeout bounds the dial command.
	Timeout Duration `json:"timeout" yaml:"timeout" validate:"gt=0"`
}

// EvidenceConfig selects the call-log source.
type EvidenceConfig struct {
	// Kind is "jsonl" for an exported call log or "android_db" for a calllog.db snapshot.
	Kind string `json:"kind" yaml:"kind" validate:"required,oneof=jsonl android_db"`

	// Path is the file to read.
	Path string `json:"path" yaml:"path" validate:"required"`
}

// WakeConfig configures the push wake spool.
type WakeConfig struct {
	// SpoolDir is watched for dropped wake files. Empty disables the watcher.
	SpoolDir string `json:"spool_dir,omitempty" yaml:"spool_dir,omitempty"`
}

// ConnectivityConfig configures the reachability monitor.
type ConnectivityConfig struct {
	// CheckInterval is how often the remote health endpoint is checked.
	CheckInterval Duration `json:"check_interval" yaml:"check_interval" validate:"gt=0"`

	// CheckTimeout bounds each check.
	CheckTimeout Duration `json:"check_timeout" yaml:"check_timeout" validate:"gt=0"`
}

// ListenConfig configures the local control API.
type ListenConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:8787". Empty disables the API.
	Addr string `json:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
}

// TelemetryConfig configures observability.
type TelemetryConfig struct {
	Environment string `json:"environment" yaml:"environment"`

	Logging struct {
		Level  string `json:"level" yaml:"level" validate:"oneof=trace debug info warn error fatal"`
		Format string `json:"format" yaml:"format" validate:"oneof=console json"`
		Output string `json:"output" yaml:"output"`
	} `json:"logging" yaml:"logging"`

	Tracing struct {
		Enabled      bool    `json:"enabled" yaml:"enabled"`
		Exporter     string  `json:"exporter" yaml:"exporter" validate:"oneof=otlp stdout none"`
		Endpoint     string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
		Insecure     bool    `json:"insecure" yaml:"insecure"`
		SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`
	} `json:"tracing" yaml:"tracing"`

	Metrics struct {
		Enabled bool `json:"enabled" yaml:"enabled"`

		// ListenAddress serves /metrics on a dedicated port. Empty serves
		// metrics only through the local control API.
		ListenAddress string `json:"listen_address,omitempty" yaml:"listen_address,omitempty"`
	} `json:"metrics" yaml:"metrics"`
}

// Duration is a time.Duration that reads and writes as a Go duration
// string ("30s", "5m") in YAML, JSON, and CUE.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the duration in Go syntax.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := parseDuration(v)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	parsed, err := parseDuration(v)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = parsed
	return nil
}

func parseDuration(v interface{}) (Duration, error) {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", val, err)
		}
		return Duration(parsed), nil
	case int:
		return Duration(time.Duration(val) * time.Second), nil
	case float64:
		return Duration(val * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("invalid duration %v: expected a string like \"30s\"", v)
	}
}

// ValidationError describes one configuration problem.
type ValidationError struct {
	// File is the source file, if known.
	File string `json:"file,omitempty"`

	// Line and Column locate the problem in File.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Path is the dotted field path.
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.Path
	if e.File != "" {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
		if e.Path != "" {
			loc += " " + e.Path
		}
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// ValidationErrors is a list of configuration problems.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	default:
		return fmt.Sprintf("%s (and %d more)", e[0].Error(), len(e)-1)
	}
}
