// Package leads serves read and lifecycle operations over stored leads:
// listing, tabular export, manual status changes and live aggregations.
package leads

import (
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/reconcile"
	"github.com/sells-group/leadsync/internal/tabular"
)

// Store is the persistence the lead service needs.
type Store interface {
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	ListLeads(ctx context.Context, filter model.LeadFilter) ([]model.Lead, error)
	SetLeadStatus(ctx context.Context, id string, status model.LeadStatus, at time.Time) (*model.Lead, error)
}

// Service implements the lead operations.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a lead service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// List returns leads, optionally narrowed to one tenant and to leads updated
// at or after since.
func (s *Service) List(ctx context.Context, tenantID string, since time.Time) ([]model.Lead, error) {
	leads, err := s.store.ListLeads(ctx, model.LeadFilter{TenantID: tenantID, Since: since})
	if err != nil {
		return nil, eris.Wrap(err, "leads: list")
	}
	return leads, nil
}

// Export column names surrounding the field columns.
const (
	ExportAccountColumn = "Account"
	ExportStatusColumn  = "Lead Status"
	ExportScoreColumn   = "Lead Score"
)

// exportColumn identifies the n-th occurrence of a header within a lead.
type exportColumn struct {
	key string
	n   int
}

// occurrences pairs each field of a lead with its column.
func occurrences(fields model.Fields) map[exportColumn]string {
	count := make(map[string]int, len(fields))
	out := make(map[exportColumn]string, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		out[exportColumn{key: f.Key, n: count[f.Key]}] = f.Value
		count[f.Key]++
	}
	return out
}

// ExportRows lays leads out as a header row followed by one row per lead.
// Field columns are the union of every lead's headers in first-seen order. A
// header repeated within a lead gets one column per occurrence.
func ExportRows(leads []model.Lead) [][]string {
	var columns []exportColumn
	seen := make(map[exportColumn]bool)
	for _, l := range leads {
		count := make(map[string]int, len(l.Fields))
		for _, f := range l.Fields {
			if f.Key == "" {
				continue
			}
			col := exportColumn{key: f.Key, n: count[f.Key]}
			count[f.Key]++
			if seen[col] {
				continue
			}
			seen[col] = true
			columns = append(columns, col)
		}
	}

	header := make([]string, 0, len(columns)+3)
	header = append(header, ExportAccountColumn)
	for _, col := range columns {
		header = append(header, col.key)
	}
	header = append(header, ExportStatusColumn, ExportScoreColumn)

	rows := make([][]string, 0, len(leads)+1)
	rows = append(rows, header)
	for _, l := range leads {
		values := occurrences(l.Fields)
		row := make([]string, 0, len(header))
		row = append(row, l.AccountLabel)
		for _, col := range columns {
			row = append(row, values[col])
		}
		score := ""
		if l.Score != nil {
			score = strconv.Itoa(*l.Score)
		}
		row = append(row, string(l.Status), score)
		rows = append(rows, row)
	}
	return rows
}

// ExportCSV writes the tenant's leads (all tenants when tenantID is empty) as
// tabular text and returns how many leads were written.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, tenantID string) (int, error) {
	leads, err := s.List(ctx, tenantID, time.Time{})
	if err != nil {
		return 0, err
	}
	if err := tabular.Write(w, ExportRows(leads)); err != nil {
		return 0, eris.Wrap(err, "leads: export")
	}
	zap.L().Debug("leads: exported", zap.String("tenant_id", tenantID), zap.Int("leads", len(leads)))
	return len(leads), nil
}

// SetStatus validates and applies a manual status change. The converted
// status is only reachable through lead conversion.
func (s *Service) SetStatus(ctx context.Context, leadID, status string) (*model.Lead, error) {
	if strings.TrimSpace(leadID) == "" {
		return nil, model.Validationf("lead id is required")
	}
	st, err := model.ParseLeadStatus(strings.TrimSpace(status))
	if err != nil {
		return nil, err
	}
	if st == model.LeadStatusConverted {
		lead, err := s.store.GetLead(ctx, leadID)
		if err != nil {
			return nil, err
		}
		if !lead.IsConverted() {
			return nil, model.Validationf("lead %s has no contact; convert it instead of setting status %q", leadID, st)
		}
	}
	return s.store.SetLeadStatus(ctx, leadID, st, s.now().UTC())
}

// Aggregations are live counts over persisted leads.
type Aggregations struct {
	TenantID  string         `json:"tenant_id,omitempty"`
	Total     int            `json:"total"`
	Weekly    int            `json:"weekly_lead_actual"`
	Monthly   int            `json:"monthly_lead_actual"`
	ByChannel []Count        `json:"by_channel"`
	ByStatus  map[string]int `json:"by_status"`
}

// Count is one bucket of a breakdown.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// UnspecifiedChannel buckets leads without a channel value.
const UnspecifiedChannel = "unspecified"

// Aggregate computes weekly/monthly actuals and breakdowns for leads as of now.
// Channels group case-insensitively and are ordered by count, then name.
func Aggregate(leads []model.Lead, now time.Time) Aggregations {
	actuals := reconcile.CountActuals(leads, now)
	agg := Aggregations{
		Total:    len(leads),
		Weekly:   actuals.Weekly,
		Monthly:  actuals.Monthly,
		ByStatus: make(map[string]int, len(model.LeadStatuses())),
	}
	for _, st := range model.LeadStatuses() {
		agg.ByStatus[string(st)] = 0
	}

	channels := make(map[string]int)
	for _, l := range leads {
		agg.ByStatus[string(l.Status)]++
		ch := strings.ToLower(l.Fields.Lookup(model.ChannelHeaders...))
		if ch == "" {
			ch = UnspecifiedChannel
		}
		channels[ch]++
	}

	agg.ByChannel = make([]Count, 0, len(channels))
	for k, n := range channels {
		agg.ByChannel = append(agg.ByChannel, Count{Key: k, Count: n})
	}
	sort.Slice(agg.ByChannel, func(i, j int) bool {
		if agg.ByChannel[i].Count != agg.ByChannel[j].Count {
			return agg.ByChannel[i].Count > agg.ByChannel[j].Count
		}
		return agg.ByChannel[i].Key < agg.ByChannel[j].Key
	})
	return agg
}

// Aggregations recomputes counts for one tenant, or all tenants when
// tenantID is empty.
func (s *Service) Aggregations(ctx context.Context, tenantID string) (*Aggregations, error) {
	leads, err := s.List(ctx, tenantID, time.Time{})
	if err != nil {
		return nil, err
	}
	agg := Aggregate(leads, s.now())
	agg.TenantID = tenantID
	return &agg, nil
}
