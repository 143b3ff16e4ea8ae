// Package store persists tenants, leads, sync state and the outreach records
// created by lead conversion.
package store

import (
	"context"
	"time"

	"github.com/sells-group/leadsync/internal/model"
)

// SyncCommit is everything a successful sync run writes, applied in one
// transaction.
type SyncCommit struct {
	TenantID string
	Inserts  []model.Lead
	Updates  []model.Lead
	Deletes  []string
	Outcome  model.SyncOutcome
	Weekly   int
	Monthly  int
}

// SyncFailure is what a failed sync run records.
type SyncFailure struct {
	TenantID   string
	Message    string
	At         time.Time
	DurationMs int64
	RetryCount int
}

// Store defines the persistence interface for leadsync.
type Store interface {
	// Tenants
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	FindTenantByName(ctx context.Context, name string) (*model.Tenant, error)
	ListTenants(ctx context.Context) ([]model.Tenant, error)
	UpsertTenant(ctx context.Context, t model.Tenant) error

	// Sync state
	BeginSync(ctx context.Context, tenantID string, at time.Time) (*model.SyncState, error)
	UpdateProgress(ctx context.Context, tenantID string, percent int, message string) error
	CommitSync(ctx context.Context, c SyncCommit) error
	FailSync(ctx context.Context, f SyncFailure) error
	GetSyncState(ctx context.Context, tenantID string) (*model.SyncState, error)
	ListSyncStates(ctx context.Context) ([]model.SyncState, error)
	SetPaused(ctx context.Context, tenantID string, paused bool) (*model.SyncState, error)
	ClearSheet(ctx context.Context, tenantID string, at time.Time) error
	RecoverInterrupted(ctx context.Context, message string, at time.Time) (int, error)

	// Leads
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	ListLeads(ctx context.Context, filter model.LeadFilter) ([]model.Lead, error)
	SaveScore(ctx context.Context, id string, score int, qualify bool, at time.Time) (*model.Lead, error)
	SetLeadStatus(ctx context.Context, id string, status model.LeadStatus, at time.Time) (*model.Lead, error)
	MarkLeadConverted(ctx context.Context, id, contactID string, at time.Time) (*model.Lead, error)
	MarkLeadEnrolled(ctx context.Context, id, sequenceID string, at time.Time) (*model.Lead, error)

	// Outreach
	FindContact(ctx context.Context, tenantID, email string) (*model.Contact, error)
	CreateContact(ctx context.Context, tenantID string, attrs model.ContactAttrs) (*model.Contact, bool, error)
	FindSuppressions(ctx context.Context, tenantID string, emails, domains []string) ([]model.Suppression, error)
	AddSuppression(ctx context.Context, s model.Suppression) error
	FindSequence(ctx context.Context, tenantID, sequenceID string) (*model.Sequence, error)
	SaveSequence(ctx context.Context, seq model.Sequence) error
	FindEnrollment(ctx context.Context, sequenceID, contactID string) (*model.Enrollment, error)
	CreateEnrollment(ctx context.Context, e model.Enrollment) (*model.Enrollment, bool, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// leadColumns is the column order every lead query selects.
const leadColumns = `id, tenant_id, account_label, fields, row_key, status, score,
	converted_contact_id, enrolled_sequence_id, qualified_at, converted_at, created_at, updated_at`

// syncColumns is the column order every sync state query selects.
const syncColumns = `tenant_id, is_running, is_paused, started_at, last_sync_at, last_success_at,
	last_error, row_count, rows_processed, rows_inserted, rows_updated, rows_deleted,
	error_count, retry_count, sync_duration_ms, progress_percent, progress_message`


// beginConflict builds the conflict error for a refused sync start.
func beginConflict(tenantID string, st *model.SyncState) error {
	if st != nil && st.IsRunning {
		return model.Conflictf("sync already running for tenant %s", tenantID)
	}
	return model.Conflictf("sync paused for tenant %s", tenantID)
}

// lowerAll normalizes suppression lookup values.
func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = model.NormalizeEmail(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
