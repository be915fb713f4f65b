package schema

import "time"

// SyncState is the process-wide view of synchronization health. The
// orchestrator owns it; everyone else receives copies.
type SyncState struct {
	LastSuccessfulSyncAt time.Time `json:"last_successful_sync_at"`
	InProgress           bool      `json:"in_progress"`
	LastError            string    `json:"last_error,omitempty"`
}

// Stale reports whether the last successful sync is older than maxAge, or
// never happened.
func (s SyncState) Stale(now time.Time, maxAge time.Duration) bool {
	return s.LastSuccessfulSyncAt.IsZero() || now.Sub(s.LastSuccessfulSyncAt) > maxAge
}
