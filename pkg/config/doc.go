// Package config loads the callsync agent configuration.
//
// # Overview
//
// Configuration is read from a YAML (.yaml, .yml) or CUE (.cue) file,
// layered over built-in defaults, overridden by CALLSYNC_* environment
// variables, and validated with go-playground/validator struct tags.
//
// CUE files are unified with an embedded, closed schema (schema/config.cue)
// before decoding, so misspelled keys and out-of-range values are reported
// with file positions. YAML files are decoded with known-field checking.
//
// # Usage Example
//
//	cfg, err := config.Load("/etc/callsync/agent.cue")
//	if err != nil {
//	    return err
//	}
//
//	coordinator, err := engine.NewCoordinator(engine.Options{
//	    Config:     cfg.EngineConfig(),
//	    Normalizer: cfg.Normalizer(),
//	    ...
//	})
//
// # Example File
//
//	device: id: "pixel-7-ward-3"
//
//	remote: {
//	    base_url: "https://flows.example.com/api"
//	    token:    "..."
//	}
//
//	phone: {
//	    country_code:    "7"
//	    trunk_prefix:    "8"
//	    national_length: 10
//	}
//
//	scheduler: {
//	    base_interval: "5s"
//	    max_interval:  "5m"
//	}
//
//	evidence: {
//	    kind: "android_db"
//	    path: "/data/data/com.android.providers.contacts/databases/calllog.db"
//	}
//
// Durations are Go duration strings ("500ms", "30s", "5m"). In YAML a bare
// number is read as seconds.
//
// # Environment Overrides
//
//	CALLSYNC_DEVICE_ID        device.id
//	CALLSYNC_REMOTE_BASE_URL  remote.base_url
//	CALLSYNC_REMOTE_TOKEN     remote.token
//	CALLSYNC_STORE_DSN        store.dsn
//	CALLSYNC_EVIDENCE_KIND    evidence.kind
//	CALLSYNC_EVIDENCE_PATH    evidence.path
//	CALLSYNC_OUTCOME_SCRIPT   outcome.script
//	CALLSYNC_WAKE_SPOOL_DIR   wake.spool_dir
//	CALLSYNC_LISTEN_ADDR      listen.addr
//	CALLSYNC_LOG_LEVEL        telemetry.logging.level
//	CALLSYNC_LOG_FORMAT       telemetry.logging.format
//	CALLSYNC_OTLP_ENDPOINT    enables OTLP tracing to the endpoint
//	CALLSYNC_POLL_BASE_INTERVAL  scheduler.base_interval
package config
