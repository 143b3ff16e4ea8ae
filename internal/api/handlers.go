package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/convert"
	"github.com/sells-group/leadsync/internal/model"
)

func (s *server) triggerSync(w http.ResponseWriter, r *http.Request) {
	state, err := s.Sync.TriggerSync(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

func (s *server) syncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Sync.Status(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) allStatuses(w http.ResponseWriter, r *http.Request) {
	all, err := s.Sync.AllStatuses(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *server) pauseSync(w http.ResponseWriter, r *http.Request) {
	state, err := s.Sync.Pause(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *server) resumeSync(w http.ResponseWriter, r *http.Request) {
	state, err := s.Sync.Resume(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *server) clearSheet(w http.ResponseWriter, r *http.Request) {
	if err := s.Sync.ClearSheet(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseSince accepts RFC 3339 timestamps or plain dates.
func parseSince(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func (s *server) listLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, ok := parseSince(q.Get("since"))
	if !ok {
		badRequest(w, "since must be an RFC 3339 timestamp or YYYY-MM-DD date")
		return
	}
	list, err := s.Leads.List(r.Context(), q.Get("tenant"), since)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Lead{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) exportLeads(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	filename := "leads.csv"
	if tenant != "" {
		filename = "leads-" + tenant + ".csv"
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if _, err := s.Leads.ExportCSV(r.Context(), w, tenant); err != nil {
		// Headers may already be sent; log and stop.
		s.log.Error("export failed", zap.String("tenant_id", tenant), zap.Error(err))
	}
}

func (s *server) setLeadStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	lead, err := s.Leads.SetStatus(r.Context(), chi.URLParam(r, "leadID"), req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (s *server) aggregations(w http.ResponseWriter, r *http.Request) {
	agg, err := s.Leads.Aggregations(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *server) scoreLead(w http.ResponseWriter, r *http.Request) {
	lead, err := s.Scorer.ScoreLead(r.Context(), chi.URLParam(r, "leadID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

type convertRequest struct {
	TenantID   string   `json:"tenant_id"`
	SequenceID string   `json:"sequence_id"`
	LeadIDs    []string `json:"lead_ids,omitempty"`
}

func (s *server) convertLead(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	res, err := s.Converter.Convert(r.Context(), req.TenantID, chi.URLParam(r, "leadID"), req.SequenceID)
	if err != nil {
		outcome := convert.OutcomeError
		if model.IsCode(err, model.CodeAlreadyConverted) {
			outcome = convert.OutcomeSkipped
		}
		s.Metrics.Conversions(string(outcome), 1)
		writeError(w, r, err)
		return
	}
	s.Metrics.Conversions(string(convert.OutcomeConverted), 1)
	writeJSON(w, http.StatusOK, res)
}

func (s *server) bulkConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	ids := make([]string, 0, len(req.LeadIDs))
	for _, id := range req.LeadIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		badRequest(w, "lead_ids is required")
		return
	}

	res, err := s.Converter.BulkConvert(r.Context(), req.TenantID, ids, req.SequenceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.Metrics.Conversions(string(convert.OutcomeConverted), res.Converted)
	s.Metrics.Conversions(string(convert.OutcomeSkipped), res.Skipped)
	s.Metrics.Conversions(string(convert.OutcomeError), res.Errored)
	writeJSON(w, http.StatusOK, res)
}
