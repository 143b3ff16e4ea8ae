// Package monitoring watches tenant sync health and raises webhook alerts
// for failed, stale and stuck syncs.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadsync/internal/model"
)

// Snapshot holds a point-in-time view of sync health across tenants.
type Snapshot struct {
	Tenants     int `json:"tenants"`
	WithSheet   int `json:"with_sheet"`
	Running     int `json:"running"`
	Paused      int `json:"paused"`
	Failed      int `json:"failed"`
	NeverSynced int `json:"never_synced"`

	// Tenant ids per problem class.
	FailedTenants []string `json:"failed_tenants,omitempty"`
	StaleTenants  []string `json:"stale_tenants,omitempty"`
	StuckTenants  []string `json:"stuck_tenants,omitempty"`

	StaleAfter  time.Duration `json:"stale_after"`
	StuckAfter  time.Duration `json:"stuck_after"`
	CollectedAt time.Time     `json:"collected_at"`
}

// StatusSource lists the sync status of every tenant.
type StatusSource interface {
	AllStatuses(ctx context.Context) ([]model.SyncStatus, error)
}

// Collector builds snapshots from tenant sync statuses.
type Collector struct {
	source     StatusSource
	staleAfter time.Duration
	stuckAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a Collector. A tenant is stale when its last success
// is older than staleAfter and stuck when a run has been going longer than
// stuckAfter.
func NewCollector(source StatusSource, staleAfter, stuckAfter time.Duration) *Collector {
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	if stuckAfter <= 0 {
		stuckAfter = 30 * time.Minute
	}
	return &Collector{source: source, staleAfter: staleAfter, stuckAfter: stuckAfter, now: time.Now}
}

// Collect gathers a snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	statuses, err := c.source.AllStatuses(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sync statuses")
	}

	now := c.now().UTC()
	snap := &Snapshot{
		Tenants:     len(statuses),
		StaleAfter:  c.staleAfter,
		StuckAfter:  c.stuckAfter,
		CollectedAt: now,
	}

	for _, s := range statuses {
		if s.HasSheet {
			snap.WithSheet++
		}
		st := s.State
		if st != nil && st.IsPaused {
			snap.Paused++
		}

		switch s.Status {
		case model.SyncPhaseNeverRun:
			snap.NeverSynced++
		case model.SyncPhaseRunning:
			snap.Running++
			if st.StartedAt != nil && now.Sub(*st.StartedAt) > c.stuckAfter {
				snap.StuckTenants = append(snap.StuckTenants, s.TenantID)
			}
		case model.SyncPhaseFailed:
			snap.Failed++
			if !st.IsPaused {
				snap.FailedTenants = append(snap.FailedTenants, s.TenantID)
			}
		}

		if c.isStale(s, now) {
			snap.StaleTenants = append(snap.StaleTenants, s.TenantID)
		}
	}
	return snap, nil
}

// isStale reports an active tenant that has synced before but has not
// succeeded within the stale window.
func (c *Collector) isStale(s model.SyncStatus, now time.Time) bool {
	st := s.State
	if !s.HasSheet || st == nil || st.IsPaused || st.IsRunning || st.LastSyncAt == nil {
		return false
	}
	if st.LastSuccessAt == nil {
		return now.Sub(*st.LastSyncAt) > c.staleAfter
	}
	return now.Sub(*st.LastSuccessAt) > c.staleAfter
}
