// Package wakesource feeds external signals into the engine's wake bus.
//
// SpoolWatcher watches a directory where the push-notification receiver
// drops one file per push. ConnectivityMonitor checks the remote health
// endpoint and flips the engine between online and offline.
//
// Push writers should create files atomically (write "x.tmp", then rename
// to "x") so a half-written command is never read.
package wakesource
