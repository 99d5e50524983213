// Package stores provides the durable backends for pending calls and the
// outbound report queue. SQLStore runs on SQLite (WAL mode, pure Go driver)
// or PostgreSQL with embedded golang-migrate migrations; MemoryStore keeps
// everything in process memory. All backends implement engine.Store and
// enforce the same guarantees: one insert per request ID, at most one
// terminal transition per call, and at most one call per piece of evidence.
package stores
