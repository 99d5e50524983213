package engine

import (
	"context"
	"time"
)

// PendingCallStore is the durable source of truth for in-flight calls.
// CompareAndTransition is the only operation that mutates State, Outcome,
// or MatchedEvidenceID, and it is atomic per request ID.
type PendingCallStore interface {
	// Add inserts a new pending call. Returns ErrAlreadyExists if the request ID is taken.
	Add(ctx context.Context, call *PendingCall) error

	// Get returns the call with the given request ID or ErrNotFound.
	Get(ctx context.Context, requestID string) (*PendingCall, error)

	// CompareAndTransition applies t only if the call is currently in the
	// expected state. Returns ErrStateMismatch if another writer won the race,
	// and ErrEvidenceBound if t.MatchedEvidenceID is bound to a different call.
	CompareAndTransition(ctx context.Context, requestID string, expected CallState, t Transition) (*PendingCall, error)

	// RecordAttempt increments the attempt counter of a pending call and
	// returns the new value. Returns ErrStateMismatch if the call is terminal.
	RecordAttempt(ctx context.Context, requestID string) (int, error)

	// ListActive returns all pending calls ordered by creation time.
	ListActive(ctx context.Context) ([]*PendingCall, error)

	// CountActive returns the number of pending calls.
	CountActive(ctx context.Context) (int, error)

	// ListUndelivered returns terminal calls whose report was never acknowledged.
	ListUndelivered(ctx context.Context) ([]*PendingCall, error)

	// MarkDelivered records acknowledgement of the call's report.
	MarkDelivered(ctx context.Context, requestID string, at time.Time) error

	// PurgeDelivered removes delivered calls, and their sent tasks, acknowledged before the cutoff.
	PurgeDelivered(ctx context.Context, before time.Time) (int64, error)
}

// TaskQueue is the durable outbound delivery queue.
type TaskQueue interface {
	// Enqueue adds a task unless one already exists for its request ID.
	// Returns true if the task was created.
	Enqueue(ctx context.Context, task *SyncTask) (bool, error)

	// GetTask returns the task for the request ID or ErrNotFound.
	GetTask(ctx context.Context, requestID string) (*SyncTask, error)

	// Due returns up to limit pending tasks whose next attempt is at or before now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*SyncTask, error)

	// NextAttemptAt returns the earliest next attempt time among pending tasks.
	NextAttemptAt(ctx context.Context) (time.Time, bool, error)

	// Reschedule records a failed attempt and sets the next attempt time.
	Reschedule(ctx context.Context, requestID string, retryCount int, next time.Time, lastErr string) error

	// MarkSent records a successful delivery.
	MarkSent(ctx context.Context, requestID string, at time.Time) error

	// MarkDead parks a task for operator action.
	MarkDead(ctx context.Context, requestID string, lastErr string, at time.Time) error

	// ListDead returns parked tasks, oldest first.
	ListDead(ctx context.Context) ([]*SyncTask, error)

	// Requeue moves a dead task back to pending with a fresh retry budget.
	Requeue(ctx context.Context, requestID string, at time.Time) error

	// Purge deletes a dead task and retires its call so it is never reported.
	Purge(ctx context.Context, requestID string, at time.Time) error

	// Expedite makes every pending task due at the given time.
	Expedite(ctx context.Context, at time.Time) (int64, error)

	// Depth returns the number of pending and dead tasks.
	Depth(ctx context.Context) (pending int, dead int, err error)
}

// Store combines the call store and the delivery queue in one backend.
type Store interface {
	PendingCallStore
	TaskQueue
}

// CommandSource pulls call commands from the remote workflow engine.
type CommandSource interface {
	// Poll long-polls for commands addressed to the device. An empty result is not an error.
	Poll(ctx context.Context, deviceID string) ([]Command, error)
}

// CallLog reads call-log evidence.
type CallLog interface {
	// Query returns entries whose timestamp falls within [from, to].
	// Returns an EVIDENCE_UNAVAILABLE error when the log cannot be read.
	Query(ctx context.Context, from, to time.Time) ([]CallLogEntry, error)
}

// Reporter delivers outcome reports to the remote system. Implementations
// must send Report.RequestID as the idempotency key.
type Reporter interface {
	Report(ctx context.Context, report *Report) error
}

// Dialer asks the platform to place a call. It does not wait for the call to end.
type Dialer interface {
	Dial(ctx context.Context, phoneNumber string) error
}

// ReadinessReporter is notified when call-log access is lost or regained.
type ReadinessReporter interface {
	EvidenceUnavailable(err error)
	EvidenceAvailable()
}

// OutcomeClassifier decides the outcome of a matched zero-duration entry.
type OutcomeClassifier interface {
	Classify(ctx context.Context, entry CallLogEntry) (OutcomeKind, error)
}

// CallTracker takes ownership of resolving a newly created pending call.
type CallTracker interface {
	Track(call *PendingCall)
}

// TerminalSink receives calls that reached a terminal state.
type TerminalSink interface {
	Submit(ctx context.Context, call *PendingCall) error
}

// CommandHandler accepts normalized commands.
type CommandHandler interface {
	Accept(ctx context.Context, cmd Command) (*AcceptResult, error)
}

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	RecordPoll(result string, duration time.Duration)
	RecordWake(reason string)
	RecordCommand(source string, result string)
	RecordResolution(outcome string)
	RecordResolutionCheck(result string)
	RecordDelivery(result string, duration time.Duration)
	SetBackoffInterval(d time.Duration)
	SetPendingCalls(n int)
	SetQueueDepth(pending, dead int)
}

// Clock abstracts time so the scheduler, resolver, and queue can be driven deterministically.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a stoppable one-shot timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}
