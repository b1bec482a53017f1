package api

import "github.com/mattjoyce/stackfleet/internal/ledger"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	// LastEventID is the newest buffered progress event, 0 when none.
	LastEventID int64 `json:"last_event_id"`
}

// RunsResponse is returned by GET /runs.
type RunsResponse struct {
	Runs []ledger.Run `json:"runs"`
}
