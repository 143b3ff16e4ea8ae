package scorer

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/config"
	"github.com/sells-group/leadsync/internal/model"
)

// ScoreStore is the persistence the scorer needs.
type ScoreStore interface {
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	ListLeads(ctx context.Context, filter model.LeadFilter) ([]model.Lead, error)
	// SaveScore writes the score and, when qualify is set and the lead is
	// still new, moves it to qualified stamping qualifiedAt once. It returns
	// a not_found error when the lead no longer exists.
	SaveScore(ctx context.Context, id string, score int, qualify bool, at time.Time) (*model.Lead, error)
}

// Service scores stored leads.
type Service struct {
	store ScoreStore
	cfg   config.ScorerConfig
	now   func() time.Time
}

// NewService creates a scoring service.
func NewService(store ScoreStore, cfg config.ScorerConfig) *Service {
	if cfg.QualifyThreshold == 0 {
		cfg = DefaultScorerConfig()
	}
	return &Service{store: store, cfg: cfg, now: time.Now}
}

// ScoreLead scores one lead and persists the result.
func (s *Service) ScoreLead(ctx context.Context, leadID string) (*model.Lead, error) {
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, err
	}

	score := Score(lead.Fields)
	qualify := score >= s.cfg.QualifyThreshold && lead.Status == model.LeadStatusNew

	updated, err := s.store.SaveScore(ctx, lead.ID, score, qualify, s.now().UTC())
	if err != nil {
		return nil, eris.Wrapf(err, "scorer: save score for lead %s", lead.ID)
	}

	zap.L().Debug("scorer: scored lead",
		zap.String("lead_id", lead.ID),
		zap.Int("score", score),
		zap.String("status", string(updated.Status)),
	)
	return updated, nil
}

// TenantSummary counts what ScoreTenant did.
type TenantSummary struct {
	Scored    int `json:"scored"`
	Qualified int `json:"qualified"`
	Failed    int `json:"failed"`
}

// ScoreTenant scores every lead of a tenant. Leads deleted mid-run by a
// concurrent sync count as failed; other errors abort.
func (s *Service) ScoreTenant(ctx context.Context, tenantID string) (TenantSummary, error) {
	var sum TenantSummary
	leads, err := s.store.ListLeads(ctx, model.LeadFilter{TenantID: tenantID})
	if err != nil {
		return sum, eris.Wrapf(err, "scorer: list leads for tenant %s", tenantID)
	}

	for _, l := range leads {
		before := l.Status
		updated, err := s.ScoreLead(ctx, l.ID)
		if model.IsCode(err, model.CodeNotFound) {
			sum.Failed++
			continue
		}
		if err != nil {
			return sum, err
		}
		sum.Scored++
		if before != model.LeadStatusQualified && updated.Status == model.LeadStatusQualified {
			sum.Qualified++
		}
	}

	zap.L().Info("scorer: scored tenant",
		zap.String("tenant_id", tenantID),
		zap.Int("scored", sum.Scored),
		zap.Int("qualified", sum.Qualified),
		zap.Int("failed", sum.Failed),
	)
	return sum, nil
}
