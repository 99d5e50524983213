// Package localapi serves a running agent over loopback HTTP and provides
// the client the CLI uses to talk to it.
//
// Endpoints:
//
//	GET    /healthz              liveness
//	GET    /status               engine.Status
//	POST   /wake                 {"reason": "foreground"}; empty body means "manual"
//	POST   /mode                 {"background": true}; foreground also wakes
//	POST   /dial                 {"phoneNumber": ..., "requestId": ...}; local_history source
//	GET    /calls/{id}           stored PendingCall
//	GET    /dead                 parked reports
//	POST   /dead/{id}/requeue    retry a parked report
//	DELETE /dead/{id}            discard a parked report
//	GET    /metrics              Prometheus exposition, when metrics are enabled
//
// Errors are JSON {"error": ..., "code": ...}. Unknown IDs return 404 and
// state conflicts, such as purging a report that is not dead, return 409.
package localapi
