// Package api serves the leadsync HTTP API.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/convert"
	"github.com/sells-group/leadsync/internal/leads"
	"github.com/sells-group/leadsync/internal/metrics"
	"github.com/sells-group/leadsync/internal/model"
)

// SyncService controls tenant sync runs.
type SyncService interface {
	TriggerSync(ctx context.Context, tenantID string) (*model.SyncState, error)
	Pause(ctx context.Context, tenantID string) (*model.SyncState, error)
	Resume(ctx context.Context, tenantID string) (*model.SyncState, error)
	Status(ctx context.Context, tenantID string) (*model.SyncStatus, error)
	AllStatuses(ctx context.Context) ([]model.SyncStatus, error)
	ClearSheet(ctx context.Context, tenantID string) error
}

// LeadService reads and updates leads.
type LeadService interface {
	List(ctx context.Context, tenantID string, since time.Time) ([]model.Lead, error)
	ExportCSV(ctx context.Context, w io.Writer, tenantID string) (int, error)
	SetStatus(ctx context.Context, leadID, status string) (*model.Lead, error)
	Aggregations(ctx context.Context, tenantID string) (*leads.Aggregations, error)
}

// Scorer scores a stored lead.
type Scorer interface {
	ScoreLead(ctx context.Context, leadID string) (*model.Lead, error)
}

// Converter converts leads into contacts.
type Converter interface {
	Convert(ctx context.Context, tenantID, leadID, sequenceID string) (*convert.Result, error)
	BulkConvert(ctx context.Context, tenantID string, leadIDs []string, sequenceID string) (*convert.BulkResult, error)
}

// Pinger checks backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the API exposes.
type Deps struct {
	Sync      SyncService
	Leads     LeadService
	Scorer    Scorer
	Converter Converter
	Health    Pinger
	Metrics   *metrics.Metrics
}

// Options configures the router.
type Options struct {
	CORSOrigins []string
}

type server struct {
	Deps
	log *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps, opts Options) http.Handler {
	s := &server{Deps: d, log: zap.L().With(zap.String("component", "api"))}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(d.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Get("/sync", s.allStatuses)
	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Post("/sync", s.triggerSync)
		r.Get("/sync", s.syncStatus)
		r.Post("/sync/pause", s.pauseSync)
		r.Post("/sync/resume", s.resumeSync)
		r.Delete("/sheet", s.clearSheet)
	})

	r.Route("/leads", func(r chi.Router) {
		r.Get("/", s.listLeads)
		r.Get("/export", s.exportLeads)
		r.Post("/convert", s.bulkConvert)
		r.Post("/{leadID}/score", s.scoreLead)
		r.Post("/{leadID}/convert", s.convertLead)
		r.Put("/{leadID}/status", s.setLeadStatus)
	})
	r.Get("/aggregations", s.aggregations)

	return r
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Health.Ping(ctx); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
