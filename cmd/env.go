package main

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadsync/internal/convert"
	"github.com/sells-group/leadsync/internal/fetcher"
	"github.com/sells-group/leadsync/internal/leads"
	"github.com/sells-group/leadsync/internal/metrics"
	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/notify"
	"github.com/sells-group/leadsync/internal/scorer"
	"github.com/sells-group/leadsync/internal/sheetsync"
	"github.com/sells-group/leadsync/internal/store"
)

// exportRate caps requests per second against the sheet export host.
const exportRate = 5

// appEnv holds the store and services every command works against.
type appEnv struct {
	Store     store.Store
	Engine    *sheetsync.Engine
	Leads     *leads.Service
	Scorer    *scorer.Service
	Converter *convert.Converter
	Metrics   *metrics.Metrics
	Bus       *notify.Bus

	amqp *notify.AMQPPublisher
}

// Close waits for background sync runs and releases connections.
func (e *appEnv) Close() {
	if e.Engine != nil {
		e.Engine.Wait()
	}
	if e.amqp != nil {
		_ = e.amqp.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// resolveTenant maps a tenant flag or argument to a tenant id. An exact id
// wins; otherwise ref is matched case-insensitively against tenant names.
func (e *appEnv) resolveTenant(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	t, err := e.Store.GetTenant(ctx, ref)
	if err == nil {
		return t.ID, nil
	}
	if !model.IsCode(err, model.CodeNotFound) {
		return "", err
	}
	t, err = e.Store.FindTenantByName(ctx, ref)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// initStore opens the configured store backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "leadsync.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required for the postgres driver (LEADSYNC_STORE_DATABASE_URL)")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates config for mode, opens and migrates the store and
// builds the services. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &appEnv{
		Store:   st,
		Metrics: metrics.New(),
		Bus:     notify.NewBus(),
	}

	publishers := notify.Multi{env.Bus}
	if cfg.Notify.AMQPURL != "" {
		pub, err := notify.DialAMQP(cfg.Notify.AMQPURL, cfg.Notify.Exchange)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		env.amqp = pub
		publishers = append(publishers, pub)
		zap.L().Info("publishing lead changes to amqp", zap.String("exchange", cfg.Notify.Exchange))
	} else {
		zap.L().Debug("LEADSYNC_NOTIFY_AMQP_URL not set, lead changes stay in-process")
	}

	env.Engine = sheetsync.NewEngine(st, newSheetFetcher(), cfg.Sync,
		sheetsync.WithPublisher(publishers),
		sheetsync.WithMetrics(env.Metrics),
	)
	env.Leads = leads.NewService(st)
	env.Scorer = scorer.NewService(st, cfg.Scorer)
	env.Converter = convert.New(st, cfg.Convert)
	return env, nil
}

// newSheetFetcher builds the export fetcher with a per-host rate limit on
// the export host.
func newSheetFetcher() *fetcher.SheetFetcher {
	limiters := make(map[string]*rate.Limiter)
	if u, err := url.Parse(cfg.Sync.ExportBaseURL); err == nil && u.Host != "" {
		limiters[u.Host] = rate.NewLimiter(exportRate, exportRate)
	}

	httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    cfg.Sync.UserAgent,
		Timeout:      time.Duration(cfg.Sync.HTTPTimeoutSecs) * time.Second,
		MaxRetries:   cfg.Sync.MaxRetries,
		BaseBackoff:  time.Duration(cfg.Sync.RetryBackoffMs) * time.Millisecond,
		RateLimiters: limiters,
	})
	return fetcher.NewSheetFetcher(httpFetcher, fetcher.SheetOptions{
		BaseURL:    cfg.Sync.ExportBaseURL,
		DefaultGID: cfg.Sync.DefaultGID,
	})
}
