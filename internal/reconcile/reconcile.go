package reconcile

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/normalize"
)

// Plan is the set of writes that brings a tenant's stored leads in line with
// the latest sheet contents.
type Plan struct {
	TenantID string
	Inserts  []model.Lead
	Updates  []model.Lead
	Deletes  []string
	// Current is every lead that will exist after the plan is applied, in
	// sheet order.
	Current []model.Lead
}

// Result summarizes a plan.
type Result struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	Total    int `json:"total"`
}

// Result returns the plan's counts.
func (p *Plan) Result() Result {
	return Result{
		Inserted: len(p.Inserts),
		Updated:  len(p.Updates),
		Deleted:  len(p.Deletes),
		Total:    len(p.Current),
	}
}

// Diff matches fresh rows to prior leads by row key. New keys become inserts
// with fresh ids, matched keys whose content changed become updates that keep
// the prior lead's status, score and conversion fields, and unmatched prior
// leads become deletes.
func Diff(tenantID string, fresh []normalize.Row, prior []model.Lead, now time.Time) *Plan {
	byKey := make(map[string]model.Lead, len(prior))
	var stale []string
	for _, l := range prior {
		if _, dup := byKey[l.RowKey]; dup || l.RowKey == "" {
			stale = append(stale, l.ID)
			continue
		}
		byKey[l.RowKey] = l
	}

	bags := make([]model.Fields, len(fresh))
	for i, r := range fresh {
		bags[i] = r.Fields
	}
	keys := assignKeys(bags)

	plan := &Plan{TenantID: tenantID, Current: make([]model.Lead, 0, len(fresh))}
	for i, r := range fresh {
		key := keys[i]
		old, ok := byKey[key]
		if !ok {
			l := model.Lead{
				ID:           uuid.NewString(),
				TenantID:     tenantID,
				AccountLabel: r.AccountLabel,
				Fields:       r.Fields.Clone(),
				RowKey:       key,
				Status:       model.LeadStatusNew,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			plan.Inserts = append(plan.Inserts, l)
			plan.Current = append(plan.Current, l)
			continue
		}
		delete(byKey, key)

		if ContentHash(old.AccountLabel, old.Fields) == ContentHash(r.AccountLabel, r.Fields) {
			plan.Current = append(plan.Current, old)
			continue
		}
		old.AccountLabel = r.AccountLabel
		old.Fields = r.Fields.Clone()
		old.UpdatedAt = now
		plan.Updates = append(plan.Updates, old)
		plan.Current = append(plan.Current, old)
	}

	for _, l := range prior {
		if left, ok := byKey[l.RowKey]; ok && left.ID == l.ID {
			plan.Deletes = append(plan.Deletes, l.ID)
		}
	}
	plan.Deletes = append(plan.Deletes, stale...)
	return plan
}
