package stores

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/callsync/callsync/pkg/engine"
)

// MemoryStore implements Store in process memory. It is used for tests and
// for running without persistence; nothing survives a restart.
//
// Calls are locked per entry so unrelated calls never contend. Evidence
// bindings are claimed with LoadOrStore. Tasks share one mutex; lock order
// is entry first, then the task mutex.
type MemoryStore struct {
	calls    sync.Map // request ID -> *callEntry
	evidence sync.Map // evidence ID -> request ID

	mu    sync.RWMutex
	tasks map[string]*engine.SyncTask
	seq   int64
}

type callEntry struct {
	mu      sync.Mutex
	call    *engine.PendingCall
	removed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*engine.SyncTask)}
}

func (m *MemoryStore) Init(context.Context) error        { return nil }
func (m *MemoryStore) Close() error                      { return nil }
func (m *MemoryStore) Migrate(context.Context) error     { return nil }
func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

// Add inserts a new pending call.
func (m *MemoryStore) Add(_ context.Context, call *engine.PendingCall) error {
	if call == nil || call.RequestID == "" {
		return fmt.Errorf("call with request id is required")
	}
	if err := call.State.Validate(); err != nil {
		return err
	}

	if id := call.MatchedEvidenceID; id != "" {
		if owner, loaded := m.evidence.LoadOrStore(id, call.RequestID); loaded && owner != call.RequestID {
			return fmt.Errorf("evidence %s: %w", id, engine.ErrEvidenceBound)
		}
	}
	if _, loaded := m.calls.LoadOrStore(call.RequestID, &callEntry{call: call.Clone()}); loaded {
		if id := call.MatchedEvidenceID; id != "" {
			m.evidence.CompareAndDelete(id, call.RequestID)
		}
		return fmt.Errorf("pending call %s: %w", call.RequestID, engine.ErrAlreadyExists)
	}
	return nil
}

// Get retrieves a call by request ID.
func (m *MemoryStore) Get(_ context.Context, requestID string) (*engine.PendingCall, error) {
	var out *engine.PendingCall
	err := m.withEntry(requestID, func(e *callEntry) error {
		out = e.call.Clone()
		return nil
	})
	return out, err
}

// CompareAndTransition moves a call out of the expected state atomically.
func (m *MemoryStore) CompareAndTransition(_ context.Context, requestID string, expected engine.CallState, t engine.Transition) (*engine.PendingCall, error) {
	if err := t.Validate(expected); err != nil {
		return nil, err
	}

	var out *engine.PendingCall
	err := m.withEntry(requestID, func(e *callEntry) error {
		call := e.call
		if call.State != expected {
			return fmt.Errorf("pending call %s is %s, expected %s: %w",
				requestID, call.State, expected, engine.ErrStateMismatch)
		}
		if id := t.MatchedEvidenceID; id != "" {
			if owner, loaded := m.evidence.LoadOrStore(id, requestID); loaded && owner != requestID {
				return fmt.Errorf("evidence %s: %w", id, engine.ErrEvidenceBound)
			}
		}

		at := t.At.UTC()
		outcome := *t.Outcome
		call.State = t.To
		call.Outcome = &outcome
		call.MatchedEvidenceID = t.MatchedEvidenceID
		call.ResolvedAt = &at
		call.UpdatedAt = at
		out = call.Clone()
		return nil
	})
	return out, err
}

// RecordAttempt increments the attempt counter of a pending call.
func (m *MemoryStore) RecordAttempt(_ context.Context, requestID string) (int, error) {
	var n int
	err := m.withEntry(requestID, func(e *callEntry) error {
		if e.call.State != engine.CallStatePending {
			return fmt.Errorf("pending call %s is %s: %w", requestID, e.call.State, engine.ErrStateMismatch)
		}
		e.call.Attempts++
		n = e.call.Attempts
		return nil
	})
	return n, err
}

// ListActive returns all pending calls ordered by creation time.
func (m *MemoryStore) ListActive(_ context.Context) ([]*engine.PendingCall, error) {
	calls := m.collect(func(c *engine.PendingCall) bool {
		return c.State == engine.CallStatePending
	})
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].CreatedAt.Equal(calls[j].CreatedAt) {
			return calls[i].RequestID < calls[j].RequestID
		}
		return calls[i].CreatedAt.Before(calls[j].CreatedAt)
	})
	return calls, nil
}

// CountActive returns the number of pending calls.
func (m *MemoryStore) CountActive(_ context.Context) (int, error) {
	calls := m.collect(func(c *engine.PendingCall) bool {
		return c.State == engine.CallStatePending
	})
	return len(calls), nil
}

// ListUndelivered returns terminal calls that were never acknowledged and
// have no task in the queue.
func (m *MemoryStore) ListUndelivered(_ context.Context) ([]*engine.PendingCall, error) {
	calls := m.collect(func(c *engine.PendingCall) bool {
		if !c.State.IsTerminal() || c.DeliveredAt != nil {
			return false
		}
		m.mu.RLock()
		_, queued := m.tasks[c.RequestID]
		m.mu.RUnlock()
		return !queued
	})
	sort.Slice(calls, func(i, j int) bool {
		return calls[i].RequestID < calls[j].RequestID
	})
	return calls, nil
}

// MarkDelivered records acknowledgement of the call's report.
func (m *MemoryStore) MarkDelivered(_ context.Context, requestID string, at time.Time) error {
	return m.withEntry(requestID, func(e *callEntry) error {
		at = at.UTC()
		e.call.DeliveredAt = &at
		e.call.UpdatedAt = at
		return nil
	})
}

// PurgeDelivered removes calls acknowledged before the cutoff together
// with their sent tasks.
func (m *MemoryStore) PurgeDelivered(_ context.Context, before time.Time) (int64, error) {
	var purged int64
	m.calls.Range(func(key, value any) bool {
		id := key.(string)
		e := value.(*callEntry)

		e.mu.Lock()
		defer e.mu.Unlock()
		call := e.call
		if e.removed || call.DeliveredAt == nil || !call.DeliveredAt.Before(before) {
			return true
		}

		m.mu.Lock()
		if task, ok := m.tasks[id]; ok {
			if task.DeliveryState != engine.DeliverySent {
				m.mu.Unlock()
				return true
			}
			delete(m.tasks, id)
		}
		m.mu.Unlock()

		if call.MatchedEvidenceID != "" {
			m.evidence.CompareAndDelete(call.MatchedEvidenceID, id)
		}
		e.removed = true
		m.calls.Delete(id)
		purged++
		return true
	})
	return purged, nil
}

// withEntry runs fn with the call's entry locked.
func (m *MemoryStore) withEntry(requestID string, fn func(e *callEntry) error) error {
	value, ok := m.calls.Load(requestID)
	if !ok {
		return fmt.Errorf("pending call %s: %w", requestID, engine.ErrNotFound)
	}
	e := value.(*callEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fmt.Errorf("pending call %s: %w", requestID, engine.ErrNotFound)
	}
	return fn(e)
}

// collect returns copies of the calls matching keep. Each entry is locked
// only while it is inspected.
func (m *MemoryStore) collect(keep func(c *engine.PendingCall) bool) []*engine.PendingCall {
	calls := []*engine.PendingCall{}
	m.calls.Range(func(_, value any) bool {
		e := value.(*callEntry)
		e.mu.Lock()
		if !e.removed && keep(e.call) {
			calls = append(calls, e.call.Clone())
		}
		e.mu.Unlock()
		return true
	})
	return calls
}

// Enqueue adds a task unless one already exists for its request ID.
func (m *MemoryStore) Enqueue(_ context.Context, task *engine.SyncTask) (bool, error) {
	if task == nil || task.RequestID == "" {
		return false, fmt.Errorf("task with request id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.RequestID]; ok {
		return false, nil
	}
	if task.DeliveryState == "" {
		task.DeliveryState = engine.DeliveryPending
	}
	m.seq++
	task.Seq = m.seq
	m.tasks[task.RequestID] = cloneTask(task)
	return true, nil
}

// GetTask retrieves the task for a request ID.
func (m *MemoryStore) GetTask(_ context.Context, requestID string) (*engine.SyncTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[requestID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", requestID, engine.ErrNotFound)
	}
	return cloneTask(task), nil
}

// Due returns pending tasks whose next attempt is at or before now, in enqueue order.
func (m *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]*engine.SyncTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	due := m.filterTasks(func(t *engine.SyncTask) bool {
		return t.DeliveryState == engine.DeliveryPending && !t.NextAttemptAt.After(now)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// NextAttemptAt returns the earliest next attempt time among pending tasks.
func (m *MemoryStore) NextAttemptAt(_ context.Context) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		next  time.Time
		found bool
	)
	for _, task := range m.tasks {
		if task.DeliveryState != engine.DeliveryPending {
			continue
		}
		if !found || task.NextAttemptAt.Before(next) {
			next = task.NextAttemptAt
			found = true
		}
	}
	return next, found, nil
}

// Reschedule records a failed attempt and sets the next attempt time.
func (m *MemoryStore) Reschedule(_ context.Context, requestID string, retryCount int, next time.Time, lastErr string) error {
	return m.updateTask(requestID, engine.DeliveryPending, func(t *engine.SyncTask) {
		t.RetryCount = retryCount
		t.NextAttemptAt = next
		t.LastError = lastErr
		t.UpdatedAt = time.Now()
	})
}

// MarkSent records a successful delivery.
func (m *MemoryStore) MarkSent(_ context.Context, requestID string, at time.Time) error {
	return m.updateTask(requestID, engine.DeliveryPending, func(t *engine.SyncTask) {
		t.DeliveryState = engine.DeliverySent
		t.LastError = ""
		t.UpdatedAt = at
	})
}

// MarkDead parks a task for operator action.
func (m *MemoryStore) MarkDead(_ context.Context, requestID string, lastErr string, at time.Time) error {
	return m.updateTask(requestID, engine.DeliveryPending, func(t *engine.SyncTask) {
		t.DeliveryState = engine.DeliveryDead
		t.LastError = lastErr
		t.UpdatedAt = at
	})
}

// ListDead returns parked tasks in enqueue order.
func (m *MemoryStore) ListDead(_ context.Context) ([]*engine.SyncTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.filterTasks(func(t *engine.SyncTask) bool {
		return t.DeliveryState == engine.DeliveryDead
	}), nil
}

// Requeue moves a dead task back to pending with a fresh retry budget.
func (m *MemoryStore) Requeue(_ context.Context, requestID string, at time.Time) error {
	return m.updateTask(requestID, engine.DeliveryDead, func(t *engine.SyncTask) {
		t.DeliveryState = engine.DeliveryPending
		t.RetryCount = 0
		t.NextAttemptAt = at
		t.UpdatedAt = at
	})
}

// Purge deletes a dead task and marks its call delivered so recovery
// never re-enqueues it.
func (m *MemoryStore) Purge(_ context.Context, requestID string, at time.Time) error {
	m.mu.Lock()
	task, ok := m.tasks[requestID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s: %w", requestID, engine.ErrNotFound)
	}
	if task.DeliveryState != engine.DeliveryDead {
		m.mu.Unlock()
		return fmt.Errorf("task %s is %s, expected %s: %w",
			requestID, task.DeliveryState, engine.DeliveryDead, engine.ErrStateMismatch)
	}
	delete(m.tasks, requestID)
	m.mu.Unlock()

	// Retire the call so recovery never resubmits it.
	err := m.withEntry(requestID, func(e *callEntry) error {
		if e.call.DeliveredAt == nil {
			at = at.UTC()
			e.call.DeliveredAt = &at
			e.call.UpdatedAt = at
		}
		return nil
	})
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		return err
	}
	return nil
}

// Expedite makes every pending task due at the given time.
func (m *MemoryStore) Expedite(_ context.Context, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, task := range m.tasks {
		if task.DeliveryState == engine.DeliveryPending && task.NextAttemptAt.After(at) {
			task.NextAttemptAt = at
			n++
		}
	}
	return n, nil
}

// Depth returns the number of pending and dead tasks.
func (m *MemoryStore) Depth(_ context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending, dead int
	for _, task := range m.tasks {
		switch task.DeliveryState {
		case engine.DeliveryPending:
			pending++
		case engine.DeliveryDead:
			dead++
		}
	}
	return pending, dead, nil
}

func (m *MemoryStore) updateTask(requestID string, expected engine.DeliveryState, fn func(*engine.SyncTask)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[requestID]
	if !ok {
		return fmt.Errorf("task %s: %w", requestID, engine.ErrNotFound)
	}
	if task.DeliveryState != expected {
		return fmt.Errorf("task %s is %s, expected %s: %w",
			requestID, task.DeliveryState, expected, engine.ErrStateMismatch)
	}
	fn(task)
	return nil
}

// filterTasks returns copies of matching tasks in enqueue order. Callers hold mu.
func (m *MemoryStore) filterTasks(match func(*engine.SyncTask) bool) []*engine.SyncTask {
	tasks := []*engine.SyncTask{}
	for _, task := range m.tasks {
		if match(task) {
			tasks = append(tasks, cloneTask(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	return tasks
}

func cloneTask(t *engine.SyncTask) *engine.SyncTask {
	out := *t
	out.Payload = append([]byte(nil), t.Payload...)
	return &out
}
