package telemetry

import (
	"context"
	"errors"

	"github.com/callsync/callsync/pkg/engine"
)

// Telemetry bundles the agent's logger, tracer provider, metrics and event
// stream. The agent builds one at startup and wires its hooks into the
// engine.
type Telemetry struct {
	Logger    *Logger
	Tracer    *Tracer
	Metrics   *Metrics
	Events    *EventPublisher
	Readiness *Readiness
	Config    *Config
}

// NewTelemetry validates cfg and builds every instrument it enables.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.resource())
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:    logger,
		Tracer:    tracer,
		Metrics:   metrics,
		Events:    events,
		Readiness: NewReadiness(logger.NewComponentLogger("resolver"), events),
		Config:    cfg,
	}, nil
}

// DeadLetterHook returns the callback the delivery queue runs when it
// parks a report. It counts the cause by class and publishes delivery.dead.
func (t *Telemetry) DeadLetterHook() func(*engine.SyncTask, error) {
	logger := t.Logger.NewComponentLogger("delivery")
	return func(task *engine.SyncTask, cause error) {
		t.Metrics.RecordError(cause)
		if err := t.Events.PublishDeliveryDead(task, cause); err != nil {
			logger.WithRequestID(task.RequestID).WithError(err).Debug("Dropped delivery.dead event")
		}
	}
}

// ResolvedHook returns the callback the resolver runs after a call leaves
// the pending state.
func (t *Telemetry) ResolvedHook() func(*engine.PendingCall) {
	logger := t.Logger.NewComponentLogger("resolver")
	return func(call *engine.PendingCall) {
		if err := t.Events.PublishCallResolved(call); err != nil {
			logger.WithRequestID(call.RequestID).WithError(err).Debug("Dropped call.resolved event")
		}
	}
}

// ConnectivityHook returns the callback the connectivity monitor runs on
// every online/offline transition.
func (t *Telemetry) ConnectivityHook() func(bool) {
	logger := t.Logger.NewComponentLogger("connectivity")
	return func(online bool) {
		if err := t.Events.PublishConnectivityChanged(online); err != nil {
			logger.WithError(err).Debug("Dropped connectivity.changed event")
		}
	}
}

// Shutdown drains the event stream, then flushes and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}
