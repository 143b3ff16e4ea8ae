package convert

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/model"
)

// Outcome is the per-lead result class of a bulk conversion.
type Outcome string

const (
	OutcomeConverted Outcome = "converted"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeError     Outcome = "error"
)

// Item is one lead's line in a bulk conversion report.
type Item struct {
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
	Result
}

// SuppressedContact reports a converted contact kept out of enrollment.
type SuppressedContact struct {
	LeadID    string `json:"lead_id"`
	ContactID string `json:"contact_id"`
	Email     string `json:"email"`
	Type      string `json:"type"`
	Value     string `json:"value"`
	Reason    string `json:"reason"`
}

// BulkResult aggregates a bulk conversion.
type BulkResult struct {
	Converted       int                 `json:"converted"`
	Skipped         int                 `json:"skipped"`
	Errored         int                 `json:"errored"`
	Enrolled        int                 `json:"enrolled"`
	Suppressed      []SuppressedContact `json:"suppressed,omitempty"`
	Items           []Item              `json:"items"`
	Errors          []string            `json:"errors,omitempty"`
	ErrorsTruncated int                 `json:"errors_truncated,omitempty"`
}

func (b *BulkResult) addError(limit int, msg string) {
	if len(b.Errors) < limit {
		b.Errors = append(b.Errors, msg)
		return
	}
	b.ErrorsTruncated++
}

// BulkConvert converts each lead independently; one failure never aborts the
// batch. Already-converted leads count as skipped. When sequenceID is set,
// converted contacts whose email or email domain is suppressed for their
// tenant are left out of enrollment and reported in Suppressed.
func (c *Converter) BulkConvert(ctx context.Context, tenantID string, leadIDs []string, sequenceID string) (*BulkResult, error) {
	out := &BulkResult{Items: make([]Item, 0, len(leadIDs))}

	// Contacts to enroll, grouped by tenant so suppression lookups stay
	// tenant scoped.
	byTenant := make(map[string][]int)
	var tenantOrder []string

	for _, id := range leadIDs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := c.convert(ctx, tenantID, id)
		switch {
		case model.IsCode(err, model.CodeAlreadyConverted):
			out.Skipped++
			out.Items = append(out.Items, Item{Outcome: OutcomeSkipped, Error: err.Error(), Result: Result{LeadID: id}})
			continue
		case err != nil:
			out.Errored++
			out.addError(c.maxErrors, fmt.Sprintf("%s: %v", id, err))
			out.Items = append(out.Items, Item{Outcome: OutcomeError, Error: err.Error(), Result: Result{LeadID: id}})
			continue
		}

		out.Converted++
		idx := len(out.Items)
		out.Items = append(out.Items, Item{Outcome: OutcomeConverted, Result: *res})
		if sequenceID == "" {
			continue
		}
		if _, seen := byTenant[res.TenantID]; !seen {
			tenantOrder = append(tenantOrder, res.TenantID)
		}
		byTenant[res.TenantID] = append(byTenant[res.TenantID], idx)
	}

	for _, tid := range tenantOrder {
		c.enrollBatch(ctx, out, tid, sequenceID, byTenant[tid])
	}

	c.log.Info("convert: bulk conversion finished",
		zap.Int("requested", len(leadIDs)),
		zap.Int("converted", out.Converted),
		zap.Int("skipped", out.Skipped),
		zap.Int("errored", out.Errored),
		zap.Int("enrolled", out.Enrolled),
		zap.Int("suppressed", len(out.Suppressed)),
	)
	return out, nil
}

// enrollBatch applies the suppression check to one tenant's converted items
// and enrolls the rest.
func (c *Converter) enrollBatch(ctx context.Context, out *BulkResult, tenantID, sequenceID string, idxs []int) {
	seq, err := c.store.FindSequence(ctx, tenantID, sequenceID)
	if err != nil {
		for _, i := range idxs {
			out.Items[i].EnrollmentError = err.Error()
		}
		out.addError(c.maxErrors, fmt.Sprintf("tenant %s: %v", tenantID, err))
		return
	}

	var lookupEmails, lookupDomains []string
	for _, i := range idxs {
		if e := out.Items[i].Email; e != "" {
			lookupEmails = append(lookupEmails, e)
			if d := model.EmailDomain(e); d != "" {
				lookupDomains = append(lookupDomains, d)
			}
		}
	}
	sups, err := c.store.FindSuppressions(ctx, tenantID, lookupEmails, lookupDomains)
	if err != nil {
		// Without a suppression answer nobody in this tenant is enrolled.
		for _, i := range idxs {
			out.Items[i].EnrollmentError = err.Error()
		}
		out.addError(c.maxErrors, fmt.Sprintf("tenant %s: suppression check: %v", tenantID, err))
		return
	}
	index := indexSuppressions(sups)

	for _, i := range idxs {
		item := &out.Items[i]
		email := item.Email
		if sp, ok := index.match(email); ok {
			item.Suppressed = true
			item.SuppressionReason = sp.Reason
			out.Suppressed = append(out.Suppressed, SuppressedContact{
				LeadID:    item.LeadID,
				ContactID: item.ContactID,
				Email:     email,
				Type:      string(sp.Type),
				Value:     sp.Value,
				Reason:    sp.Reason,
			})
			continue
		}

		c.enroll(ctx, &item.Result, seq)
		if item.EnrollmentError != "" {
			out.addError(c.maxErrors, fmt.Sprintf("%s: enrollment: %s", item.LeadID, item.EnrollmentError))
			continue
		}
		if !item.AlreadyEnrolled {
			out.Enrolled++
		}
	}
}

type suppressionIndex struct {
	emails  map[string]model.Suppression
	domains map[string]model.Suppression
}

func indexSuppressions(sups []model.Suppression) suppressionIndex {
	idx := suppressionIndex{
		emails:  make(map[string]model.Suppression),
		domains: make(map[string]model.Suppression),
	}
	for _, sp := range sups {
		v := model.NormalizeEmail(sp.Value)
		switch sp.Type {
		case model.SuppressionEmail:
			idx.emails[v] = sp
		case model.SuppressionDomain:
			idx.domains[v] = sp
		}
	}
	return idx
}

// match prefers an exact email hit over a domain hit.
func (s suppressionIndex) match(email string) (model.Suppression, bool) {
	if email == "" {
		return model.Suppression{}, false
	}
	if sp, ok := s.emails[email]; ok {
		return sp, true
	}
	sp, ok := s.domains[model.EmailDomain(email)]
	return sp, ok
}
