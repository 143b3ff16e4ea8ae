// Package sheetsync runs the per-tenant sheet sync state machine: guard,
// fetch, parse, normalize, reconcile and commit, with progress reporting,
// retries and a bounded timeout per run.
package sheetsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/config"
	"github.com/sells-group/leadsync/internal/metrics"
	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/normalize"
	"github.com/sells-group/leadsync/internal/notify"
	"github.com/sells-group/leadsync/internal/reconcile"
	"github.com/sells-group/leadsync/internal/resilience"
	"github.com/sells-group/leadsync/internal/store"
	"github.com/sells-group/leadsync/internal/tabular"
)

// Progress checkpoints reported while a run is in flight.
const (
	ProgressFetch     = 10
	ProgressParse     = 40
	ProgressReconcile = 90
	ProgressDone      = 100
)

// InterruptedMessage is recorded on runs found running at startup.
const InterruptedMessage = "sync interrupted by process restart"

// failWriteTimeout bounds recording a failure after the run context is done.
const failWriteTimeout = 10 * time.Second

// Store is the persistence the engine needs.
type Store interface {
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	ListTenants(ctx context.Context) ([]model.Tenant, error)

	BeginSync(ctx context.Context, tenantID string, at time.Time) (*model.SyncState, error)
	UpdateProgress(ctx context.Context, tenantID string, percent int, message string) error
	CommitSync(ctx context.Context, c store.SyncCommit) error
	FailSync(ctx context.Context, f store.SyncFailure) error
	GetSyncState(ctx context.Context, tenantID string) (*model.SyncState, error)
	ListSyncStates(ctx context.Context) ([]model.SyncState, error)
	SetPaused(ctx context.Context, tenantID string, paused bool) (*model.SyncState, error)
	ClearSheet(ctx context.Context, tenantID string, at time.Time) error
	RecoverInterrupted(ctx context.Context, message string, at time.Time) (int, error)

	ListLeads(ctx context.Context, filter model.LeadFilter) ([]model.Lead, error)
}

// SheetFetcher downloads a tenant's sheet export.
type SheetFetcher interface {
	Fetch(ctx context.Context, tenant model.Tenant) (string, error)
}

// RunResult summarizes a committed run.
type RunResult struct {
	TenantID   string            `json:"tenant_id"`
	RowCount   int               `json:"row_count"`
	Processed  int               `json:"rows_processed"`
	Changes    reconcile.Result  `json:"changes"`
	Actuals    reconcile.Actuals `json:"actuals"`
	RetryCount int               `json:"retry_count"`
	Duration   time.Duration     `json:"duration"`
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPublisher sets where LeadsChanged events go.
func WithPublisher(p notify.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRetryPolicy overrides the fetch retry policy.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock overrides the engine's clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine orchestrates sheet sync runs for all tenants.
type Engine struct {
	store     Store
	fetcher   SheetFetcher
	publisher notify.Publisher
	metrics   *metrics.Metrics
	cfg       config.SyncConfig
	policy    resilience.Policy
	locks     *keyedLock
	now       func() time.Time
	log       *zap.Logger
	inflight  sync.WaitGroup
}

// NewEngine creates an Engine.
func NewEngine(st Store, f SheetFetcher, cfg config.SyncConfig, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		fetcher:   f,
		publisher: notify.Nop{},
		cfg:       cfg,
		policy:    resilience.NewPolicy(cfg.MaxRetries, time.Duration(cfg.RetryBackoffMs)*time.Millisecond),
		locks:     newKeyedLock(),
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "sheetsync.engine")),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) timeout() time.Duration {
	if d := e.cfg.Timeout(); d > 0 {
		return d
	}
	return 2 * time.Minute
}

// start runs the entry guard: the in-process lock first, then the atomic
// store transition. On success the caller owns the returned release func.
func (e *Engine) start(ctx context.Context, tenantID string) (*model.Tenant, *model.SyncState, func(), error) {
	release, ok := e.locks.TryLock(tenantID)
	if !ok {
		e.metrics.SyncRefused()
		return nil, nil, nil, model.Conflictf("sync already running for tenant %s", tenantID)
	}

	tenant, err := e.store.GetTenant(ctx, tenantID)
	if err != nil {
		release()
		return nil, nil, nil, err
	}
	if !tenant.HasSheet() {
		release()
		return nil, nil, nil, model.Validationf("tenant %s has no sheet url", tenantID)
	}

	state, err := e.store.BeginSync(ctx, tenantID, e.now().UTC())
	if err != nil {
		release()
		if model.IsCode(err, model.CodeConflict) {
			e.metrics.SyncRefused()
		}
		return nil, nil, nil, err
	}
	e.metrics.SyncStarted()
	return tenant, state, release, nil
}

// TriggerSync starts a run in the background and returns the running state
// as soon as the guard has passed. Refusals are returned synchronously.
func (e *Engine) TriggerSync(ctx context.Context, tenantID string) (*model.SyncState, error) {
	tenant, state, release, err := e.start(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer release()
		if _, err := e.run(runCtx, tenant); err != nil {
			e.log.Warn("background sync failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}()
	return state, nil
}

// RunSync runs a sync to completion and returns its result or the error
// recorded as the run's failure.
func (e *Engine) RunSync(ctx context.Context, tenantID string) (*RunResult, error) {
	tenant, _, release, err := e.start(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer release()
	return e.run(ctx, tenant)
}

// Wait blocks until every background run has finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// run executes the pipeline for a tenant whose guard has passed. Every exit
// clears IsRunning, through either CommitSync or FailSync.
func (e *Engine) run(ctx context.Context, tenant *model.Tenant) (*RunResult, error) {
	log := e.log.With(zap.String("tenant_id", tenant.ID))
	started := e.now()

	runCtx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	var retries int
	res, err := e.pipeline(runCtx, tenant, started, &retries, log)
	elapsed := e.now().Sub(started)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = model.NewError(model.CodeTimeout, fmt.Sprintf("sync exceeded %s", e.timeout()), err)
		}
		e.fail(ctx, tenant.ID, err, elapsed, retries, log)
		return nil, err
	}

	res.Duration = elapsed
	e.metrics.SyncFinished("success", elapsed, res.Changes.Inserted, res.Changes.Updated, res.Changes.Deleted, retries)
	log.Info("sync complete",
		zap.Int("rows", res.RowCount),
		zap.Int("processed", res.Processed),
		zap.Int("inserted", res.Changes.Inserted),
		zap.Int("updated", res.Changes.Updated),
		zap.Int("deleted", res.Changes.Deleted),
		zap.Int("retries", retries),
		zap.Duration("elapsed", elapsed),
	)

	ev := model.LeadsChanged{
		TenantID: tenant.ID,
		Inserted: res.Changes.Inserted,
		Updated:  res.Changes.Updated,
		Deleted:  res.Changes.Deleted,
		At:       started.UTC(),
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn("publish leads changed failed", zap.Error(err))
	}
	return res, nil
}

func (e *Engine) pipeline(ctx context.Context, tenant *model.Tenant, started time.Time, retries *int, log *zap.Logger) (*RunResult, error) {
	e.progress(ctx, tenant.ID, ProgressFetch, "fetching sheet", log)

	policy := e.policy
	onRetry := resilience.LogRetry(log, "fetch sheet")
	policy.OnRetry = func(attempt int, err error) {
		*retries++
		onRetry(attempt, err)
	}
	text, err := resilience.Retry(ctx, policy, func(ctx context.Context) (string, error) {
		return e.fetcher.Fetch(ctx, *tenant)
	})
	if err != nil {
		return nil, err
	}

	e.progress(ctx, tenant.ID, ProgressParse, "parsing rows", log)
	rows := tabular.Parse(text)
	if len(rows) == 0 {
		return nil, model.NewError(model.CodeParse, "sheet export is empty", nil)
	}
	fresh, stats := normalize.NormalizeWithStats(rows[0], rows[1:], tenant.Name)
	log.Debug("rows normalized",
		zap.Int("rows", len(rows)-1),
		zap.Int("kept", len(fresh)),
		zap.Any("dropped", stats.Dropped),
	)

	prior, err := e.store.ListLeads(ctx, model.LeadFilter{TenantID: tenant.ID})
	if err != nil {
		return nil, eris.Wrap(err, "sheetsync: load prior leads")
	}
	now := e.now().UTC()
	plan := reconcile.Diff(tenant.ID, fresh, prior, now)
	actuals := reconcile.CountActuals(plan.Current, now)
	changes := plan.Result()
	e.progress(ctx, tenant.ID, ProgressReconcile, "saving reconciled leads", log)

	err = e.store.CommitSync(ctx, store.SyncCommit{
		TenantID: tenant.ID,
		Inserts:  plan.Inserts,
		Updates:  plan.Updates,
		Deletes:  plan.Deletes,
		Weekly:   actuals.Weekly,
		Monthly:  actuals.Monthly,
		Outcome: model.SyncOutcome{
			RowCount:       len(rows) - 1,
			RowsProcessed:  len(fresh),
			RowsInserted:   changes.Inserted,
			RowsUpdated:    changes.Updated,
			RowsDeleted:    changes.Deleted,
			RetryCount:     *retries,
			SyncDurationMs: e.now().Sub(started).Milliseconds(),
			FinishedAt:     e.now().UTC(),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "sheetsync: commit")
	}

	return &RunResult{
		TenantID:   tenant.ID,
		RowCount:   len(rows) - 1,
		Processed:  len(fresh),
		Changes:    changes,
		Actuals:    actuals,
		RetryCount: *retries,
	}, nil
}

func (e *Engine) progress(ctx context.Context, tenantID string, percent int, msg string, log *zap.Logger) {
	if err := e.store.UpdateProgress(ctx, tenantID, percent, msg); err != nil {
		log.Warn("progress update failed", zap.Int("percent", percent), zap.Error(err))
	}
}

// fail records the failure on a context that outlives the run's own.
func (e *Engine) fail(ctx context.Context, tenantID string, cause error, elapsed time.Duration, retries int, log *zap.Logger) {
	outcome := "error"
	if model.IsCode(cause, model.CodeTimeout) {
		outcome = "timeout"
	}
	e.metrics.SyncFinished(outcome, elapsed, 0, 0, 0, retries)
	log.Error("sync failed", zap.Error(cause), zap.Duration("elapsed", elapsed), zap.Int("retries", retries))

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	err := e.store.FailSync(fctx, store.SyncFailure{
		TenantID:   tenantID,
		Message:    failureMessage(cause),
		At:         e.now().UTC(),
		DurationMs: elapsed.Milliseconds(),
		RetryCount: retries,
	})
	if err != nil {
		log.Error("failed to record sync failure", zap.Error(err))
	}
}

// failureMessage prefixes the message with the error code when there is one.
func failureMessage(err error) string {
	msg := strings.TrimSpace(err.Error())
	if code := model.CodeOf(err); code != "" {
		return string(code) + ": " + msg
	}
	return msg
}

// Pause stops future runs for a tenant. A run in flight finishes normally.
func (e *Engine) Pause(ctx context.Context, tenantID string) (*model.SyncState, error) {
	return e.setPaused(ctx, tenantID, true)
}

// Resume allows future runs for a tenant.
func (e *Engine) Resume(ctx context.Context, tenantID string) (*model.SyncState, error) {
	return e.setPaused(ctx, tenantID, false)
}

func (e *Engine) setPaused(ctx context.Context, tenantID string, paused bool) (*model.SyncState, error) {
	if _, err := e.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	st, err := e.store.SetPaused(ctx, tenantID, paused)
	if err != nil {
		return nil, err
	}
	e.log.Info("sync pause changed", zap.String("tenant_id", tenantID), zap.Bool("paused", paused))
	return st, nil
}

// Status returns the tenant's sync status.
func (e *Engine) Status(ctx context.Context, tenantID string) (*model.SyncStatus, error) {
	tenant, err := e.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	st, err := e.store.GetSyncState(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	status := buildStatus(*tenant, st)
	return &status, nil
}

// AllStatuses returns a status for every tenant, including tenants that
// have never synced.
func (e *Engine) AllStatuses(ctx context.Context) ([]model.SyncStatus, error) {
	tenants, err := e.store.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	states, err := e.store.ListSyncStates(ctx)
	if err != nil {
		return nil, err
	}
	byTenant := make(map[string]*model.SyncState, len(states))
	for i := range states {
		byTenant[states[i].TenantID] = &states[i]
	}

	out := make([]model.SyncStatus, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, buildStatus(t, byTenant[t.ID]))
	}
	return out, nil
}

func buildStatus(t model.Tenant, st *model.SyncState) model.SyncStatus {
	return model.SyncStatus{
		TenantID:   t.ID,
		TenantName: t.Name,
		Status:     st.Phase(),
		HasSheet:   t.HasSheet(),
		State:      st,
	}
}

// ClearSheet removes the tenant's sheet reference and all of its leads.
// It is refused while a run is in flight.
func (e *Engine) ClearSheet(ctx context.Context, tenantID string) error {
	release, ok := e.locks.TryLock(tenantID)
	if !ok {
		return model.Conflictf("sync running for tenant %s; sheet not cleared", tenantID)
	}
	defer release()

	now := e.now().UTC()
	if err := e.store.ClearSheet(ctx, tenantID, now); err != nil {
		return err
	}
	e.log.Info("sheet cleared", zap.String("tenant_id", tenantID))
	if err := e.publisher.Publish(ctx, model.LeadsChanged{TenantID: tenantID, At: now}); err != nil {
		e.log.Warn("publish leads changed failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return nil
}

// RecoverInterrupted fails runs left marked running by a previous process.
// Call it once at startup before any trigger.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	n, err := e.store.RecoverInterrupted(ctx, InterruptedMessage, e.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.Warn("recovered interrupted syncs", zap.Int("count", n))
	}
	return n, nil
}
