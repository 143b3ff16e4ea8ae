// Package convert turns leads into outreach contacts and optionally enrolls
// them in a messaging sequence.
package convert

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/config"
	"github.com/sells-group/leadsync/internal/model"
)

// Store is the persistence the converter needs.
type Store interface {
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	MarkLeadConverted(ctx context.Context, id, contactID string, at time.Time) (*model.Lead, error)
	MarkLeadEnrolled(ctx context.Context, id, sequenceID string, at time.Time) (*model.Lead, error)

	FindContact(ctx context.Context, tenantID, email string) (*model.Contact, error)
	CreateContact(ctx context.Context, tenantID string, attrs model.ContactAttrs) (*model.Contact, bool, error)
	FindSuppressions(ctx context.Context, tenantID string, emails, domains []string) ([]model.Suppression, error)
	FindSequence(ctx context.Context, tenantID, sequenceID string) (*model.Sequence, error)
	FindEnrollment(ctx context.Context, sequenceID, contactID string) (*model.Enrollment, error)
	CreateEnrollment(ctx context.Context, e model.Enrollment) (*model.Enrollment, bool, error)
}

// Result describes a single conversion.
type Result struct {
	LeadID       string `json:"lead_id"`
	TenantID     string `json:"tenant_id"`
	ContactID    string `json:"contact_id"`
	Email        string `json:"email"`
	IsNewContact bool   `json:"is_new_contact"`

	EnrollmentID      string `json:"enrollment_id,omitempty"`
	AlreadyEnrolled   bool   `json:"already_enrolled,omitempty"`
	EnrollmentError   string `json:"enrollment_error,omitempty"`
	SuppressionReason string `json:"suppression_reason,omitempty"`
	Suppressed        bool   `json:"suppressed,omitempty"`
}

// Converter converts leads into contacts.
type Converter struct {
	store     Store
	maxErrors int
	now       func() time.Time
	log       *zap.Logger
}

// New creates a Converter.
func New(store Store, cfg config.ConvertConfig) *Converter {
	maxErrors := cfg.MaxErrorMessages
	if maxErrors <= 0 {
		maxErrors = 20
	}
	return &Converter{
		store:     store,
		maxErrors: maxErrors,
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "converter")),
	}
}

// Convert converts one lead. tenantID may be empty, in which case the lead's
// own tenant is used; a non-empty tenantID that does not own the lead yields
// not_found. When sequenceID is set the new contact is enrolled; enrollment
// problems land in Result.EnrollmentError and never undo the conversion.
func (c *Converter) Convert(ctx context.Context, tenantID, leadID, sequenceID string) (*Result, error) {
	res, err := c.convert(ctx, tenantID, leadID)
	if err != nil {
		return nil, err
	}
	if sequenceID == "" {
		return res, nil
	}

	seq, err := c.store.FindSequence(ctx, res.TenantID, sequenceID)
	if err != nil {
		res.EnrollmentError = err.Error()
		c.log.Warn("convert: sequence lookup failed",
			zap.String("lead_id", leadID), zap.String("sequence_id", sequenceID), zap.Error(err))
		return res, nil
	}
	c.enroll(ctx, res, seq)
	return res, nil
}

// convert runs extraction, guards, contact dedup and marks the lead.
func (c *Converter) convert(ctx context.Context, tenantID, leadID string) (*Result, error) {
	lead, err := c.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && lead.TenantID != tenantID {
		return nil, model.NotFoundf("lead", leadID)
	}

	attrs := ExtractContact(lead.Fields)
	if attrs.Email == "" {
		return nil, model.NewError(model.CodeMissingEmail, "lead has no email: "+leadID, nil)
	}
	if lead.IsConverted() {
		return nil, model.NewError(model.CodeAlreadyConverted, "lead already converted: "+leadID, nil)
	}

	contact, created, err := c.findOrCreateContact(ctx, lead.TenantID, attrs)
	if err != nil {
		return nil, err
	}

	if _, err := c.store.MarkLeadConverted(ctx, lead.ID, contact.ID, c.now().UTC()); err != nil {
		return nil, err
	}

	c.log.Info("convert: lead converted",
		zap.String("lead_id", lead.ID),
		zap.String("tenant_id", lead.TenantID),
		zap.String("contact_id", contact.ID),
		zap.Bool("new_contact", created),
	)
	return &Result{
		LeadID:       lead.ID,
		TenantID:     lead.TenantID,
		ContactID:    contact.ID,
		Email:        contact.Email,
		IsNewContact: created,
	}, nil
}

func (c *Converter) findOrCreateContact(ctx context.Context, tenantID string, attrs model.ContactAttrs) (*model.Contact, bool, error) {
	existing, err := c.store.FindContact(ctx, tenantID, attrs.Email)
	if err != nil {
		return nil, false, eris.Wrap(err, "convert: find contact")
	}
	if existing != nil {
		return existing, false, nil
	}
	contact, created, err := c.store.CreateContact(ctx, tenantID, attrs)
	if err != nil {
		return nil, false, eris.Wrap(err, "convert: create contact")
	}
	return contact, created, nil
}

// enroll adds the result's contact to seq and stamps the lead. Failures are
// recorded on res.
func (c *Converter) enroll(ctx context.Context, res *Result, seq *model.Sequence) {
	existing, err := c.store.FindEnrollment(ctx, seq.ID, res.ContactID)
	if err != nil {
		res.EnrollmentError = err.Error()
		return
	}
	if existing != nil {
		res.AlreadyEnrolled = true
		res.EnrollmentID = existing.ID
		return
	}

	now := c.now().UTC()
	e, created, err := c.store.CreateEnrollment(ctx, NewEnrollment(seq, res.ContactID, now))
	if err != nil {
		res.EnrollmentError = err.Error()
		c.log.Warn("convert: enrollment failed",
			zap.String("lead_id", res.LeadID), zap.String("sequence_id", seq.ID), zap.Error(err))
		return
	}
	res.EnrollmentID = e.ID
	if !created {
		res.AlreadyEnrolled = true
		return
	}

	if _, err := c.store.MarkLeadEnrolled(ctx, res.LeadID, seq.ID, now); err != nil {
		res.EnrollmentError = err.Error()
		return
	}
	c.log.Info("convert: contact enrolled",
		zap.String("lead_id", res.LeadID),
		zap.String("contact_id", res.ContactID),
		zap.String("sequence_id", seq.ID),
	)
}

// NewEnrollment builds an active enrollment at the sequence's first step. The
// first step fires after its delay; a sequence without steps fires at once.
func NewEnrollment(seq *model.Sequence, contactID string, now time.Time) model.Enrollment {
	e := model.Enrollment{
		SequenceID:          seq.ID,
		ContactID:           contactID,
		TenantID:            seq.TenantID,
		Status:              model.EnrollmentActive,
		NextStepScheduledAt: now,
		EnrolledAt:          now,
	}
	if first, ok := firstStep(seq.Steps); ok {
		e.CurrentStep = first.StepOrder
		e.NextStepScheduledAt = now.Add(time.Duration(first.DelayDays) * 24 * time.Hour)
	}
	return e
}

func firstStep(steps []model.SequenceStep) (model.SequenceStep, bool) {
	if len(steps) == 0 {
		return model.SequenceStep{}, false
	}
	first := steps[0]
	for _, s := range steps[1:] {
		if s.StepOrder < first.StepOrder {
			first = s
		}
	}
	return first, true
}
