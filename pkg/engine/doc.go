// Package engine reconciles remote call commands with on-device call-log
// evidence and reports each outcome back exactly once.
//
// # Overview
//
// A command names a phone number and a request ID. The engine moves every
// command through four stages:
//
//  1. Intake - normalize the number, persist a pending call, dial (Intake)
//  2. Resolve - poll the call log at fixed offsets until an entry matches
//     or the window elapses (Resolver)
//  3. Queue - persist the outcome report before any delivery attempt (DeliveryQueue)
//  4. Deliver - report to the remote with capped, jittered backoff and park
//     reports that cannot be delivered (DeliveryQueue)
//
// The Scheduler feeds Intake by long-polling the remote. It backs off
// exponentially while the remote is quiet, bursts after a wake, and
// suspends while the device is offline. Wakes reach every component
// through a WakeBus that coalesces bursts of signals.
//
// # Core Domain Types
//
//   - Command: a request to place a call, from any intake source
//   - PendingCall: the durable resolution record for one command
//   - CallLogEntry: one record read from the device call log
//   - Outcome: the terminal classification (completed/no_answer/declined/unknown)
//   - SyncTask: an outbound report awaiting delivery
//   - Report: the payload delivered to the remote system
//
// # Invariants
//
// A request ID is tracked at most once. A pending call leaves the pending
// state exactly once, through PendingCallStore.CompareAndTransition, and a
// call-log entry is bound to at most one call. Every terminal call is
// enqueued for delivery, and a report is retired only after the remote
// acknowledges it or an operator purges it.
//
// # Error Classification
//
// Errors carry a class that drives retry decisions:
//
//   - Transient: network failures and unreadable call logs
//   - Throttled: remote rate limiting, optionally with a Retry-After hint
//   - Conflict: duplicate commands and lost state races
//   - Permanent: validation failures and rejected reports
//
// Callers branch on the class, never on the message:
//
//	if IsPermanent(err) {
//		// park the report
//	}
//
// # Time
//
// Every component reads time through Clock so tests can drive schedules
// deterministically.
package engine
