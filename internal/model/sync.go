package model

import "time"

// SyncPhase is the logical state of a tenant's sync state machine.
type SyncPhase string

const (
	SyncPhaseNeverRun  SyncPhase = "never_synced"
	SyncPhaseRunning   SyncPhase = "running"
	SyncPhaseSucceeded SyncPhase = "success"
	SyncPhaseFailed    SyncPhase = "error"
)

// SyncState is the single live sync record for a tenant.
type SyncState struct {
	TenantID        string     `json:"tenant_id"`
	IsRunning       bool       `json:"is_running"`
	IsPaused        bool       `json:"is_paused"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	RowCount        int        `json:"row_count"`
	RowsProcessed   int        `json:"rows_processed"`
	RowsInserted    int        `json:"rows_inserted"`
	RowsUpdated     int        `json:"rows_updated"`
	RowsDeleted     int        `json:"rows_deleted"`
	ErrorCount      int        `json:"error_count"`
	RetryCount      int        `json:"retry_count"`
	SyncDurationMs  int64      `json:"sync_duration_ms"`
	ProgressPercent int        `json:"progress_percent"`
	ProgressMessage string     `json:"progress_message"`
}

// Phase derives the state machine position from the committed fields.
// A failed run leaves LastError set; a success clears it.
func (s *SyncState) Phase() SyncPhase {
	switch {
	case s == nil:
		return SyncPhaseNeverRun
	case s.IsRunning:
		return SyncPhaseRunning
	case s.LastError != nil:
		return SyncPhaseFailed
	case s.LastSuccessAt != nil:
		return SyncPhaseSucceeded
	default:
		return SyncPhaseNeverRun
	}
}

// SyncOutcome carries the committed metrics of a successful run.
type SyncOutcome struct {
	RowCount       int
	RowsProcessed  int
	RowsInserted   int
	RowsUpdated    int
	RowsDeleted    int
	RetryCount     int
	SyncDurationMs int64
	FinishedAt     time.Time
}

// SyncStatus is the read model served to status pollers.
type SyncStatus struct {
	TenantID   string     `json:"tenant_id"`
	TenantName string     `json:"tenant_name,omitempty"`
	Status     SyncPhase  `json:"status"`
	HasSheet   bool       `json:"has_sheet"`
	State      *SyncState `json:"state,omitempty"`
}
