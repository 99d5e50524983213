package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Command is a request to place a call, normalized from any intake source.
type Command struct {
	// PhoneNumber is the number to dial as received from the source.
	PhoneNumber string `json:"phoneNumber"`

	// RequestID is the remote request identifier. It may be empty only for
	// commands from local history, which are dialed but never tracked.
	RequestID string `json:"requestId,omitempty"`

	// Source identifies which intake path produced the command.
	Source Source `json:"source,omitempty"`
}

// AcceptResult describes what intake did with a command.
type AcceptResult struct {
	// RequestID is the identifier the call is tracked under, if any.
	RequestID string `json:"request_id,omitempty"`

	// PhoneNumber is the normalized number that was dialed.
	PhoneNumber string `json:"phone_number"`

	// Tracked is true when a pending call entry was created.
	Tracked bool `json:"tracked"`

	// Duplicate is true when the request ID was already known and nothing was done.
	Duplicate bool `json:"duplicate"`
}

// Outcome is the terminal result of a call.
type Outcome struct {
	// Kind is the outcome classification.
	Kind OutcomeKind `json:"kind"`

	// DurationSeconds is the connected duration, set only for completed calls.
	DurationSeconds int `json:"duration_seconds,omitempty"`
}

// Completed returns a completed outcome with the given duration.
func Completed(durationSeconds int) *Outcome {
	return &Outcome{Kind: OutcomeCompleted, DurationSeconds: durationSeconds}
}

// PendingCall tracks the resolution lifecycle of one commanded call.
type PendingCall struct {
	// RequestID is the unique identifier of the originating command.
	RequestID string `json:"request_id"`

	// PhoneNumber is the normalized number that was dialed.
	PhoneNumber string `json:"phone_number"`

	// Source is the intake path the command arrived on.
	Source Source `json:"source"`

	// State is the resolution state.
	State CallState `json:"state"`

	// Attempts counts resolution checks performed so far.
	Attempts int `json:"attempts"`

	// Outcome is set once the call reaches a terminal state.
	Outcome *Outcome `json:"outcome,omitempty"`

	// MatchedEvidenceID identifies the call-log entry bound to this call.
	MatchedEvidenceID string `json:"matched_evidence_id,omitempty"`

	// CreatedAt is when the command was accepted.
	CreatedAt time.Time `json:"created_at"`

	// ResolvedAt is when the call reached a terminal state.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	// DeliveredAt is when the outcome report was acknowledged by the remote.
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	// UpdatedAt is when the entry was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the call.
func (c *PendingCall) Clone() *PendingCall {
	if c == nil {
		return nil
	}
	out := *c
	if c.Outcome != nil {
		o := *c.Outcome
		out.Outcome = &o
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	if c.DeliveredAt != nil {
		t := *c.DeliveredAt
		out.DeliveredAt = &t
	}
	return &out
}

// Transition describes a state change applied through CompareAndTransition.
type Transition struct {
	// To is the target state. It must be terminal.
	To CallState

	// Outcome is the terminal outcome.
	Outcome *Outcome

	// MatchedEvidenceID binds a call-log entry to the call. Empty for timeouts.
	MatchedEvidenceID string

	// At is the time of the transition.
	At time.Time
}

// Validate checks that the transition may be applied from the expected state.
func (t Transition) Validate(expected CallState) error {
	if !expected.CanTransitionTo(t.To) {
		return NewPermanentError(
			fmt.Sprintf("invalid transition %s -> %s", expected, t.To), nil).
			WithCode(ErrCodeValidation)
	}
	if t.Outcome == nil {
		return NewPermanentError("terminal transition requires an outcome", nil).
			WithCode(ErrCodeValidation)
	}
	return t.Outcome.Kind.Validate()
}

// CallLogEntry is a single record read from the device call log.
type CallLogEntry struct {
	// ID is the source-assigned identifier, if the source has one.
	ID string `json:"id,omitempty"`

	// Number is the remote party's number as recorded.
	Number string `json:"number"`

	// Timestamp is when the call started.
	Timestamp time.Time `json:"timestamp"`

	// DurationSeconds is the connected duration. Zero means not connected.
	DurationSeconds int `json:"duration"`

	// Direction is the call type.
	Direction Direction `json:"direction"`
}

// EvidenceID returns a stable identifier for the entry. Entries without a
// source ID are identified by a digest of their content, with the number
// in n's canonical form so reformatted exports of one record agree. A nil
// n still drops formatting characters.
func (e CallLogEntry) EvidenceID(n *PhoneNormalizer) string {
	if e.ID != "" {
		return e.ID
	}
	h := sha256.New()
	h.Write([]byte(n.Normalize(e.Number)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(e.Timestamp.UnixMilli(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(e.DurationSeconds)))
	h.Write([]byte{0})
	h.Write([]byte(e.Direction))
	return "sha256:" + hex.EncodeToString(h.Sum(nil)[:16])
}

// SyncTask is an outbound delivery unit derived from a terminal call.
type SyncTask struct {
	// Seq orders tasks first-in first-out.
	Seq int64 `json:"seq"`

	// RequestID is the idempotency key and identifies the originating call.
	RequestID string `json:"request_id"`

	// Payload is the JSON-encoded Report.
	Payload json.RawMessage `json:"payload"`

	// DeliveryState is the delivery lifecycle state.
	DeliveryState DeliveryState `json:"delivery_state"`

	// RetryCount is the number of failed attempts so far.
	RetryCount int `json:"retry_count"`

	// NextAttemptAt is the earliest time the task may be attempted.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// LastError is the message of the most recent failure.
	LastError string `json:"last_error,omitempty"`

	// CreatedAt is when the task was enqueued.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the task was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Report is the outcome payload delivered to the remote system.
type Report struct {
	RequestID       string      `json:"requestId"`
	PhoneNumber     string      `json:"phoneNumber"`
	Outcome         OutcomeKind `json:"outcome"`
	DurationSeconds *int        `json:"durationSeconds,omitempty"`
	ResolvedAt      time.Time   `json:"resolvedAt"`
	Source          Source      `json:"source"`
	Attempts        int         `json:"attempts"`
}

// NewReport builds the outbound report for a terminal call.
func NewReport(call *PendingCall) (*Report, error) {
	if call == nil {
		return nil, NewPermanentError("call is nil", nil).WithCode(ErrCodeValidation)
	}
	if !call.State.IsTerminal() || call.Outcome == nil {
		return nil, NewPermanentError("call is not terminal", nil).
			WithCode(ErrCodeValidation).
			WithResource(call.RequestID)
	}

	resolvedAt := call.UpdatedAt
	if call.ResolvedAt != nil {
		resolvedAt = *call.ResolvedAt
	}

	report := &Report{
		RequestID:   call.RequestID,
		PhoneNumber: call.PhoneNumber,
		Outcome:     call.Outcome.Kind,
		ResolvedAt:  resolvedAt.UTC(),
		Source:      call.Source,
		Attempts:    call.Attempts,
	}
	if call.Outcome.Kind == OutcomeCompleted {
		d := call.Outcome.DurationSeconds
		report.DurationSeconds = &d
	}
	return report, nil
}

// Status is a point-in-time summary of the engine.
type Status struct {
	// ActivePending is the number of calls still awaiting resolution.
	ActivePending int `json:"active_pending"`

	// LastSuccessfulPoll is when the remote was last polled without error.
	LastSuccessfulPoll *time.Time `json:"last_successful_poll,omitempty"`

	// QueueDepth is the number of reports awaiting delivery.
	QueueDepth int `json:"queue_depth"`

	// DeadTasks is the number of reports that exhausted their retries.
	DeadTasks int `json:"dead_tasks"`

	// SchedulerState is the current synchronization state.
	SchedulerState SchedulerState `json:"scheduler_state"`

	// PollInterval is the current backoff interval.
	PollInterval time.Duration `json:"poll_interval"`

	// Online reports whether the scheduler considers the network available.
	Online bool `json:"online"`

	// Background reports whether the background cadence is in effect.
	Background bool `json:"background"`

	// EvidenceAvailable is false after the call log could not be read.
	EvidenceAvailable bool `json:"evidence_available"`
}
