package sheetsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadsync/internal/config"
	"github.com/sells-group/leadsync/internal/model"
)

// Sweep summarizes one pass over all tenants.
type Sweep struct {
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Scheduler periodically syncs every tenant with a sheet.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	limit    int
	log      *zap.Logger
}

// NewScheduler creates a Scheduler driving e.
func NewScheduler(e *Engine, cfg config.SyncConfig) *Scheduler {
	interval := cfg.Interval()
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	limit := cfg.MaxConcurrentTenants
	if limit <= 0 {
		limit = 4
	}
	return &Scheduler{
		engine:   e,
		interval: interval,
		limit:    limit,
		log:      zap.L().With(zap.String("component", "sheetsync.scheduler")),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("starting sync scheduler",
		zap.Duration("interval", s.interval),
		zap.Int("max_concurrent_tenants", s.limit),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error("scheduled sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce syncs every tenant with a sheet, at most limit at a time. Paused
// and already running tenants are skipped. One tenant's failure never
// stops the others.
func (s *Scheduler) RunOnce(ctx context.Context) (Sweep, error) {
	tenants, err := s.engine.store.ListTenants(ctx)
	if err != nil {
		return Sweep{}, err
	}

	var (
		mu    sync.Mutex
		sweep Sweep
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)

	for _, t := range tenants {
		if !t.HasSheet() {
			continue
		}
		g.Go(func() error {
			_, err := s.engine.RunSync(gctx, t.ID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sweep.Synced++
			case model.IsCode(err, model.CodeConflict):
				sweep.Skipped++
				s.log.Debug("tenant skipped", zap.String("tenant_id", t.ID), zap.Error(err))
			default:
				sweep.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info("sync sweep complete",
		zap.Int("synced", sweep.Synced),
		zap.Int("skipped", sweep.Skipped),
		zap.Int("failed", sweep.Failed),
	)
	return sweep, ctx.Err()
}
