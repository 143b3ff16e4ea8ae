package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/config"
	"github.com/sells-group/leadsync/internal/model"
)

type staticSource struct {
	statuses []model.SyncStatus
	err      error
}

func (s staticSource) AllStatuses(context.Context) ([]model.SyncStatus, error) {
	return s.statuses, s.err
}

func ptr[T any](v T) *T { return &v }

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func status(id string, hasSheet bool, st *model.SyncState) model.SyncStatus {
	return model.SyncStatus{TenantID: id, HasSheet: hasSheet, Status: st.Phase(), State: st}
}

func fixtureStatuses() []model.SyncStatus {
	return []model.SyncStatus{
		status("fresh", true, &model.SyncState{LastSyncAt: ptr(now.Add(-time.Hour)), LastSuccessAt: ptr(now.Add(-time.Hour))}),
		status("stale", true, &model.SyncState{LastSyncAt: ptr(now.Add(-48 * time.Hour)), LastSuccessAt: ptr(now.Add(-48 * time.Hour))}),
		status("broken", true, &model.SyncState{LastSyncAt: ptr(now.Add(-time.Hour)), LastSuccessAt: ptr(now.Add(-72 * time.Hour)), LastError: ptr("fetch: 403")}),
		status("paused", true, &model.SyncState{IsPaused: true, LastSyncAt: ptr(now.Add(-time.Hour)), LastError: ptr("parse: empty")}),
		status("stuck", true, &model.SyncState{IsRunning: true, StartedAt: ptr(now.Add(-time.Hour))}),
		status("busy", true, &model.SyncState{IsRunning: true, StartedAt: ptr(now.Add(-time.Minute))}),
		status("new", false, nil),
	}
}

func newTestCollector(src StatusSource) *Collector {
	c := NewCollector(src, 24*time.Hour, 30*time.Minute)
	c.now = func() time.Time { return now }
	return c
}

func TestCollector_Collect(t *testing.T) {
	snap, err := newTestCollector(staticSource{statuses: fixtureStatuses()}).Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, snap.Tenants)
	assert.Equal(t, 6, snap.WithSheet)
	assert.Equal(t, 2, snap.Running)
	assert.Equal(t, 1, snap.Paused)
	assert.Equal(t, 2, snap.Failed)
	assert.Equal(t, 1, snap.NeverSynced)
	assert.Equal(t, []string{"broken"}, snap.FailedTenants)
	assert.Equal(t, []string{"stale", "broken"}, snap.StaleTenants)
	assert.Equal(t, []string{"stuck"}, snap.StuckTenants)
	assert.Equal(t, now, snap.CollectedAt)
}

func TestCollector_SourceError(t *testing.T) {
	_, err := newTestCollector(staticSource{err: errors.New("db down")}).Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestNewCollector_Defaults(t *testing.T) {
	c := NewCollector(staticSource{}, 0, 0)
	assert.Equal(t, 24*time.Hour, c.staleAfter)
	assert.Equal(t, 30*time.Minute, c.stuckAfter)
}

func TestAlerter_Evaluate(t *testing.T) {
	snap, err := newTestCollector(staticSource{statuses: fixtureStatuses()}).Collect(context.Background())
	require.NoError(t, err)

	alerts := NewAlerter("").Evaluate(snap)
	require.Len(t, alerts, 3)
	assert.Equal(t, AlertSyncFailures, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "broken")
	assert.Equal(t, AlertStuckSyncs, alerts[1].Type)
	assert.Equal(t, AlertStaleSyncs, alerts[2].Type)
	assert.Equal(t, "medium", alerts[2].Severity)
}

func TestAlerter_EvaluateHealthy(t *testing.T) {
	assert.Empty(t, NewAlerter("").Evaluate(&Snapshot{Tenants: 3, WithSheet: 3}))
}

func TestList_Truncates(t *testing.T) {
	ids := make([]string, 12)
	for i := range ids {
		ids[i] = "t"
	}
	assert.Contains(t, list(ids), "and 2 more")
	assert.Equal(t, "a, b", list([]string{"a", "b"}))
}

func TestAlerter_SendAlerts(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Alert
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		mu.Lock()
		received = append(received, a)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sent := NewAlerter(srv.URL).SendAlerts(context.Background(), []Alert{
		{Type: AlertSyncFailures, Severity: "high", Message: "a"},
		{Type: AlertStaleSyncs, Severity: "medium", Message: "b"},
	})
	assert.Equal(t, 2, sent)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, AlertStaleSyncs, received[1].Type)
}

func TestAlerter_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sent := NewAlerter(srv.URL).SendAlerts(context.Background(), []Alert{{Type: AlertStuckSyncs}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_NoWebhook(t *testing.T) {
	assert.Equal(t, 0, NewAlerter("").SendAlerts(context.Background(), []Alert{{Type: AlertStuckSyncs}}))
}

func TestChecker_Check(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewChecker(staticSource{statuses: fixtureStatuses()}, config.MonitorConfig{
		Enabled:         true,
		StaleAfterHours: 24,
		StuckAfterMins:  30,
		WebhookURL:      srv.URL,
	})
	c.collector.now = func() time.Time { return now }

	assert.Equal(t, 3, c.Check(context.Background(), zap.NewNop()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestChecker_CheckCollectError(t *testing.T) {
	c := NewChecker(staticSource{err: errors.New("boom")}, config.MonitorConfig{WebhookURL: "http://127.0.0.1:1"})
	assert.Equal(t, 0, c.Check(context.Background(), zap.NewNop()))
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChecker(staticSource{statuses: fixtureStatuses()}, config.MonitorConfig{WebhookURL: srv.URL})
	c.interval = 10 * time.Millisecond
	c.collector.now = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop after cancel")
	}
}
