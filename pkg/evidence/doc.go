// Package evidence provides read-only call-log sources for the resolver.
//
// Two sources are supported: a JSON-lines export written by an on-device
// companion (KindJSONL) and a snapshot of the Android call-log database
// (KindAndroidDB). Both report missing files, permission errors, and
// unreadable content as EVIDENCE_UNAVAILABLE so the resolver can skip the
// check and flag the engine as not ready instead of timing calls out.
package evidence
