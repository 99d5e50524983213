// Package telemetry provides observability instrumentation for the callsync agent.
//
// A single Telemetry value, built once at startup, carries zerolog
// logging, the OpenTelemetry span pipeline, Prometheus metrics and an
// in-process event stream.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// The engine reports back through hooks:
//
//	engine.Options{
//	    Readiness:    tel.Readiness,
//	    Metrics:      tel.Metrics,
//	    OnDeadLetter: tel.DeadLetterHook(),
//	    OnResolved:   tel.ResolvedHook(),
//	}
//
// # Structured Logging
//
// Component loggers carry a "component" field and can be enriched per call:
//
//	logger := tel.Logger.NewComponentLogger("delivery")
//	logger.WithRequestID(call.RequestID).Info("Report delivered")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// NewTracer installs its provider globally, so engine components that call
// otel.Tracer pick it up without importing this package. When tracing is
// disabled the provider never samples.
//
// Supported exporters: otlp (gRPC), stdout, none
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder. The registry is exposed through
// Handler for the local control API, or through a dedicated listener when
// MetricsConfig.ListenAddress is set:
//
//	go tel.Metrics.Serve(ctx)
//
// # Events
//
// EventPublisher fans notable transitions (call resolved, report parked,
// call log lost or restored, connectivity changes) out to subscribers:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    ...
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// Readiness adapts the logger and the publisher to engine.ReadinessReporter.
package telemetry
