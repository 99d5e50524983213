package engine

import (
	"fmt"
)

// Source identifies the intake path a command arrived on.
type Source string

const (
	// SourceRemoteCommand is a command pulled from the remote long-poll.
	SourceRemoteCommand Source = "remote_command"

	// SourcePushWake is a command delivered alongside a push wake.
	SourcePushWake Source = "push_wake"

	// SourceLocalHistory is a user redial from local call history.
	SourceLocalHistory Source = "local_history"
)

// Validate checks if the source is valid.
func (s Source) Validate() error {
	switch s {
	case SourceRemoteCommand, SourcePushWake, SourceLocalHistory:
		return nil
	default:
		return fmt.Errorf("invalid command source: %s", s)
	}
}

// CallState is the resolution state of a pending call.
type CallState string

const (
	// CallStatePending indicates the call is awaiting evidence.
	CallStatePending CallState = "pending"

	// CallStateResolved indicates evidence was matched and an outcome assigned.
	CallStateResolved CallState = "resolved"

	// CallStateTimeout indicates the resolution window elapsed without evidence.
	CallStateTimeout CallState = "timeout"
)

// IsTerminal returns true if the state is final.
func (s CallState) IsTerminal() bool {
	return s == CallStateResolved || s == CallStateTimeout
}

// IsActive returns true if the call is still being resolved.
func (s CallState) IsActive() bool {
	return s == CallStatePending
}

// CanTransitionTo reports whether a transition from s to next is allowed.
// States only move forward: pending to resolved or pending to timeout.
func (s CallState) CanTransitionTo(next CallState) bool {
	return s == CallStatePending && next.IsTerminal()
}

// Validate checks if the call state is valid.
func (s CallState) Validate() error {
	switch s {
	case CallStatePending, CallStateResolved, CallStateTimeout:
		return nil
	default:
		return fmt.Errorf("invalid call state: %s", s)
	}
}

// OutcomeKind classifies what happened to a call.
type OutcomeKind string

const (
	// OutcomeCompleted indicates the call connected.
	OutcomeCompleted OutcomeKind = "completed"

	// OutcomeNoAnswer indicates the call was placed but never connected.
	OutcomeNoAnswer OutcomeKind = "no_answer"

	// OutcomeDeclined indicates the call was rejected.
	OutcomeDeclined OutcomeKind = "declined"

	// OutcomeUnknown indicates no evidence was found.
	OutcomeUnknown OutcomeKind = "unknown"
)

// Validate checks if the outcome kind is valid.
func (k OutcomeKind) Validate() error {
	switch k {
	case OutcomeCompleted, OutcomeNoAnswer, OutcomeDeclined, OutcomeUnknown:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", k)
	}
}

// Direction is the call-log record type.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionMissed   Direction = "missed"
	DirectionRejected Direction = "rejected"
	DirectionBlocked  Direction = "blocked"
	DirectionUnknown  Direction = "unknown"
)

// IsInbound returns true for records of calls made to the device.
// Inbound records never count as evidence for a commanded call.
func (d Direction) IsInbound() bool {
	return d == DirectionIncoming || d == DirectionMissed
}

// ParseDirection maps a free-form direction string to a Direction.
func ParseDirection(s string) Direction {
	switch Direction(s) {
	case DirectionOutgoing, DirectionIncoming, DirectionMissed,
		DirectionRejected, DirectionBlocked:
		return Direction(s)
	default:
		return DirectionUnknown
	}
}

// DeliveryState is the lifecycle state of an outbound task.
type DeliveryState string

const (
	// DeliveryPending indicates the task awaits a delivery attempt.
	DeliveryPending DeliveryState = "pending"

	// DeliverySent indicates the remote acknowledged the report.
	DeliverySent DeliveryState = "sent"

	// DeliveryDead indicates the task is parked for operator action.
	DeliveryDead DeliveryState = "dead"
)

// IsTerminal returns true if the task will not be attempted again automatically.
func (s DeliveryState) IsTerminal() bool {
	return s == DeliverySent || s == DeliveryDead
}

// Validate checks if the delivery state is valid.
func (s DeliveryState) Validate() error {
	switch s {
	case DeliveryPending, DeliverySent, DeliveryDead:
		return nil
	default:
		return fmt.Errorf("invalid delivery state: %s", s)
	}
}

// SchedulerState is the synchronization scheduler state.
type SchedulerState string

const (
	SchedulerIdle        SchedulerState = "idle"
	SchedulerPolling     SchedulerState = "polling"
	SchedulerBackoffWait SchedulerState = "backoff_wait"
	SchedulerBurst       SchedulerState = "burst"
	SchedulerSuspended   SchedulerState = "suspended"
)

// Wake reasons understood by the engine. Any other string is accepted and
// treated like WakeManual.
const (
	WakePush         = "push"
	WakeConnectivity = "connectivity"
	WakeForeground   = "foreground"
	WakeManual       = "manual"
)
