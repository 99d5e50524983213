// Package remote is the HTTP transport to the workflow engine that issues
// call commands and receives outcomes.
//
// Client implements engine.CommandSource with a GET long-poll and
// engine.Reporter with a POST carrying the request ID as Idempotency-Key.
// Health checks a lightweight endpoint for the connectivity monitor.
//
// Failures are classified for the engine:
//
//	network error, 408, 5xx   transient (TRANSIENT_NETWORK)
//	429                       throttled (RATE_LIMITED), Retry-After kept as a hint
//	401, 403                  permanent (PERMISSION_DENIED)
//	other 4xx on report       permanent (DELIVERY_FAILED_PERMANENT)
//	409 on report             success; the remote already has the outcome
//
// Polls and health checks are retried a few times inside the client. Reports
// are attempted once; the delivery queue owns their retry schedule.
package remote
