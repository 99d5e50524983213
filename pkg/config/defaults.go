package config

import (
	"time"

	"github.com/callsync/callsync/pkg/engine"
	"github.com/callsync/callsync/pkg/telemetry"
)

// Default returns a configuration with every tunable set. Only device.id
// and remote.base_url have no usable default.
func Default() *Config {
	resolver := engine.DefaultResolverConfig()
	scheduler := engine.DefaultSchedulerConfig()
	delivery := engine.DefaultDeliveryConfig()

	cfg := &Config{
		Remote: RemoteConfig{
			PollPath:      "/devices/{device}/commands",
			ReportPath:    "/calls/results",
			HealthPath:    "/healthz",
			PollTimeout:   Duration(scheduler.PollTimeout),
			ReportTimeout: Duration(delivery.AttemptTimeout),
		},
		Store: StoreConfig{
			DSN:             "callsync.db",
			RetentionGrace:  Duration(24 * time.Hour),
			JanitorInterval: Duration(time.Hour),
		},
		Resolver: ResolverConfig{
			SmallBefore:    Duration(resolver.SmallBefore),
			ToleranceAfter: Duration(resolver.ToleranceAfter),
			Window:         Duration(resolver.Window),
		},
		Scheduler: SchedulerConfig{
			BaseInterval:   Duration(scheduler.BaseInterval),
			MaxInterval:    Duration(scheduler.MaxInterval),
			Jitter:         scheduler.Jitter,
			BurstDuration:  Duration(scheduler.BurstDuration),
			BurstInterval:  Duration(scheduler.BurstInterval),
			BackgroundBase: Duration(scheduler.BackgroundBase),
			BackgroundMax:  Duration(scheduler.BackgroundMax),
		},
		Delivery: DeliveryConfig{
			Workers:      delivery.Workers,
			MaxAttempts:  delivery.MaxAttempts,
			BaseDelay:    Duration(delivery.BaseDelay),
			MaxDelay:     Duration(delivery.MaxDelay),
			IdleInterval: Duration(delivery.IdleInterval),
		},
		Outcome: OutcomeConfig{
			Timeout: Duration(time.Second),
		},
		Dialer: DialerConfig{
			Timeout: Duration(10 * time.Second),
		},
		Evidence: EvidenceConfig{
			Kind: "jsonl",
			Path: "calllog.jsonl",
		},
		Connectivity: ConnectivityConfig{
			CheckInterval: Duration(15 * time.Second),
			CheckTimeout:  Duration(5 * time.Second),
		},
		Listen: ListenConfig{
			Addr: "127.0.0.1:8787",
		},
	}
	for _, o := range resolver.Offsets {
		cfg.Resolver.Offsets = append(cfg.Resolver.Offsets, Duration(o))
	}

	cfg.Telemetry.Environment = "development"
	cfg.Telemetry.Logging.Level = "info"
	cfg.Telemetry.Logging.Format = "console"
	cfg.Telemetry.Logging.Output = "stderr"
	cfg.Telemetry.Tracing.Exporter = "none"
	cfg.Telemetry.Tracing.Insecure = true
	cfg.Telemetry.Tracing.SamplingRate = 1.0
	cfg.Telemetry.Metrics.Enabled = true

	return cfg
}

// EngineConfig converts the configuration into engine tunables.
func (c *Config) EngineConfig() engine.Config {
	ec := engine.DefaultConfig()

	ec.Resolver.Offsets = make([]time.Duration, 0, len(c.Resolver.Offsets))
	for _, o := range c.Resolver.Offsets {
		ec.Resolver.Offsets = append(ec.Resolver.Offsets, o.Std())
	}
	ec.Resolver.SmallBefore = c.Resolver.SmallBefore.Std()
	ec.Resolver.ToleranceAfter = c.Resolver.ToleranceAfter.Std()
	ec.Resolver.Window = c.Resolver.Window.Std()

	ec.Scheduler.DeviceID = c.Device.ID
	ec.Scheduler.BaseInterval = c.Scheduler.BaseInterval.Std()
	ec.Scheduler.MaxInterval = c.Scheduler.MaxInterval.Std()
	ec.Scheduler.Jitter = c.Scheduler.Jitter
	ec.Scheduler.BurstDuration = c.Scheduler.BurstDuration.Std()
	ec.Scheduler.BurstInterval = c.Scheduler.BurstInterval.Std()
	ec.Scheduler.BackgroundBase = c.Scheduler.BackgroundBase.Std()
	ec.Scheduler.BackgroundMax = c.Scheduler.BackgroundMax.Std()
	ec.Scheduler.PollTimeout = c.Remote.PollTimeout.Std()

	ec.Delivery.Workers = c.Delivery.Workers
	ec.Delivery.MaxAttempts = c.Delivery.MaxAttempts
	ec.Delivery.BaseDelay = c.Delivery.BaseDelay.Std()
	ec.Delivery.MaxDelay = c.Delivery.MaxDelay.Std()
	ec.Delivery.IdleInterval = c.Delivery.IdleInterval.Std()
	ec.Delivery.AttemptTimeout = c.Remote.ReportTimeout.Std()

	ec.RetentionGrace = c.Store.RetentionGrace.Std()
	ec.JanitorInterval = c.Store.JanitorInterval.Std()
	return ec
}

// Normalizer returns the phone normalizer for the configured numbering plan.
func (c *Config) Normalizer() *engine.PhoneNormalizer {
	return &engine.PhoneNormalizer{
		CountryCode:    c.Phone.CountryCode,
		TrunkPrefix:    c.Phone.TrunkPrefix,
		NationalLength: c.Phone.NationalLength,
	}
}

// TelemetryConfig converts the configuration into telemetry settings.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	tc.Environment = c.Telemetry.Environment
	tc.DeviceID = c.Device.ID

	tc.Logging.Level = c.Telemetry.Logging.Level
	tc.Logging.Format = c.Telemetry.Logging.Format
	tc.Logging.Output = c.Telemetry.Logging.Output

	tc.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	tc.Tracing.Insecure = c.Telemetry.Tracing.Insecure
	tc.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate

	tc.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Telemetry.Metrics.ListenAddress
	return tc
}
