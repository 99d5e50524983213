package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callsync/callsync/pkg/engine"
)

// Event is one notable transition in the agent's life: a call resolved, a
// report parked, the call log lost or regained, a policy reload.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Source    string    `json:"source"` // emitting component
	RequestID string    `json:"request_id,omitempty"`
	Message   string    `json:"message"`
	Level     string    `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

const (
	EventTypeCallResolved         = "call.resolved"
	EventTypeDeliveryDead         = "delivery.dead"
	EventTypeEvidenceUnavailable  = "evidence.unavailable"
	EventTypeEvidenceAvailable    = "evidence.available"
	EventTypeConnectivityChanged  = "connectivity.changed"
	EventTypePolicyReloaded       = "policy.reloaded"
	EventTypePolicyReloadRejected = "policy.reload_rejected"
)

// Event levels, in increasing severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var levelRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

// EventSubscriber receives events in publish order. It runs on the
// publisher's goroutine and must not block.
type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants event.
type EventFilter func(event Event) bool

var errPublisherStopped = errors.New("event publisher stopped")

// EventPublisher fans events out to in-process subscribers, either inline
// or through a bounded buffer drained by one goroutine.
type EventPublisher struct {
	config EventsConfig
	buffer chan Event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu          sync.RWMutex
	subscribers []subscription
}

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// NewEventPublisher starts the drain goroutine when cfg.EnableAsync is set.
// A disabled publisher accepts and discards everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep, nil
	}
	if ep.config.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 1
	}
	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.stop = make(chan struct{})
		ep.done = make(chan struct{})
		go ep.drain()
	}
	return ep, nil
}

func (ep *EventPublisher) active() bool {
	return ep != nil && ep.config.Enabled
}

// Publish stamps event with an ID and time when they are missing. In async
// mode it never blocks: a full buffer drops the event and returns an error.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.active() {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.buffer == nil {
		ep.dispatch([]Event{event})
		return nil
	}
	select {
	case <-ep.stop:
		return errPublisherStopped
	default:
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full (%d), %s dropped", cap(ep.buffer), event.Type)
	}
}

// Subscribe adds fn; a nil filter receives every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.subscribers = append(ep.subscribers, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// drain hands buffered events to subscribers, up to MaxBatchSize at a time,
// and empties the buffer once stop closes.
func (ep *EventPublisher) drain() {
	defer close(ep.done)

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch[:0], event)
			for len(batch) < ep.config.MaxBatchSize && len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			ep.dispatch(batch)
		case <-ep.stop:
			batch = batch[:0]
			for len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			ep.dispatch(batch)
			return
		}
	}
}

func (ep *EventPublisher) dispatch(events []Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, event := range events {
		for _, s := range ep.subscribers {
			if s.filter == nil || s.filter(event) {
				s.fn(event)
			}
		}
	}
}

// Shutdown stops accepting events and waits, bounded by ctx, for the
// buffer to drain.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.active() || ep.buffer == nil {
		return nil
	}
	ep.once.Do(func() { close(ep.stop) })
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// PublishCallResolved announces that call left the pending state.
func (ep *EventPublisher) PublishCallResolved(call *engine.PendingCall) error {
	data := map[string]interface{}{
		"state":    string(call.State),
		"attempts": call.Attempts,
	}
	outcome := string(engine.OutcomeUnknown)
	if call.Outcome != nil {
		outcome = string(call.Outcome.Kind)
		data["duration_seconds"] = call.Outcome.DurationSeconds
	}
	data["outcome"] = outcome
	return ep.Publish(Event{
		Type:      EventTypeCallResolved,
		Source:    "resolver",
		RequestID: call.RequestID,
		Message:   fmt.Sprintf("call %s resolved as %s", call.RequestID, outcome),
		Level:     EventLevelInfo,
		Data:      data,
	})
}

// PublishDeliveryDead announces a report parked for operator attention.
func (ep *EventPublisher) PublishDeliveryDead(task *engine.SyncTask, cause error) error {
	data := map[string]interface{}{"retry_count": task.RetryCount}
	if cause != nil {
		data["error"] = cause.Error()
	}
	return ep.Publish(Event{
		Type:      EventTypeDeliveryDead,
		Source:    "delivery",
		RequestID: task.RequestID,
		Message:   "report parked after delivery failure",
		Level:     EventLevelError,
		Data:      data,
	})
}

// PublishConnectivityChanged announces a network transition. Going offline
// is a warning.
func (ep *EventPublisher) PublishConnectivityChanged(online bool) error {
	level, msg := EventLevelInfo, "network restored"
	if !online {
		level, msg = EventLevelWarning, "network lost"
	}
	return ep.Publish(Event{
		Type:    EventTypeConnectivityChanged,
		Source:  "connectivity",
		Message: msg,
		Level:   level,
		Data:    map[string]interface{}{"online": online},
	})
}

// PublishPolicyReloaded reports a classifier script reload. A non-nil cause
// means the new script was rejected and the previous program kept.
func (ep *EventPublisher) PublishPolicyReloaded(script, digest string, cause error) error {
	event := Event{
		Type:    EventTypePolicyReloaded,
		Source:  "policy",
		Message: "classifier script reloaded",
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"script": script, "digest": digest},
	}
	if cause != nil {
		event.Type = EventTypePolicyReloadRejected
		event.Message = "classifier script rejected; previous program kept"
		event.Level = EventLevelError
		event.Data = map[string]interface{}{"script": script, "error": cause.Error()}
	}
	return ep.Publish(event)
}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(event Event) bool { return levelRank[event.Level] >= floor }
}

// FilterByType passes only the listed event types.
func FilterByType(types ...string) EventFilter {
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := want[event.Type]
		return ok
	}
}

// FilterByRequestID passes events about one call.
func FilterByRequestID(requestID string) EventFilter {
	return func(event Event) bool { return event.RequestID == requestID }
}

// Readiness reports call-log availability through the logger and the
// event stream. It implements engine.ReadinessReporter.
type Readiness struct {
	logger *Logger
	events *EventPublisher
}

var _ engine.ReadinessReporter = (*Readiness)(nil)

func NewReadiness(logger *Logger, events *EventPublisher) *Readiness {
	return &Readiness{logger: logger, events: events}
}

// EvidenceUnavailable runs once per outage, when the call log becomes
// unreadable.
func (r *Readiness) EvidenceUnavailable(err error) {
	r.logger.WithError(err).Error("Call log is unreadable; outcomes will time out until access is restored")
	_ = r.events.Publish(Event{
		Type:    EventTypeEvidenceUnavailable,
		Source:  "resolver",
		Message: "call log access lost",
		Level:   EventLevelError,
		Data:    map[string]interface{}{"error": err.Error()},
	})
}

// EvidenceAvailable runs once when call-log access returns.
func (r *Readiness) EvidenceAvailable() {
	r.logger.Info("Call log access restored")
	_ = r.events.Publish(Event{
		Type:    EventTypeEvidenceAvailable,
		Source:  "resolver",
		Message: "call log access restored",
		Level:   EventLevelInfo,
	})
}
