// Package normalize maps parsed sheet rows onto lead field bags and drops the
// noise rows that spreadsheets accumulate (week markers, notes, blank lines).
package normalize

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/sells-group/leadsync/internal/model"
)

// Row is a normalized lead candidate.
type Row struct {
	AccountLabel string       `json:"account_label"`
	Fields       model.Fields `json:"fields"`
}

// Drop reasons, reported by Classify for diagnostics.
const (
	ReasonBlank      = "blank"
	ReasonExcluded   = "excluded_marker"
	ReasonNoIdentity = "no_name_or_company"
	ReasonSparse     = "too_few_fields"
)

// excludedMarkers flag "week commencing" / placeholder rows.
var excludedMarkers = []string{"w/c", "w/v"}

// identityKeys are the headers of which at least one must be filled.
var identityKeys = []string{"Name", "Company"}

// minFilledFields is the density floor, excluding the account label.
const minFilledFields = 2

// Stats counts what Normalize kept and dropped.
type Stats struct {
	Input   int            `json:"input"`
	Kept    int            `json:"kept"`
	Dropped map[string]int `json:"dropped"`
}

// Normalize maps each data row through header onto a field bag and keeps only
// rows that pass the exclusion, identity and density rules. Output order
// follows input order.
func Normalize(header []string, rows [][]string, tenantLabel string) []Row {
	out, _ := NormalizeWithStats(header, rows, tenantLabel)
	return out
}

// NormalizeWithStats is Normalize plus per-reason drop counts.
func NormalizeWithStats(header []string, rows [][]string, tenantLabel string) ([]Row, Stats) {
	stats := Stats{Input: len(rows), Dropped: map[string]int{}}
	out := make([]Row, 0, len(rows))

	for _, cells := range rows {
		row, reason := Classify(header, cells, tenantLabel)
		if reason != "" {
			stats.Dropped[reason]++
			continue
		}
		out = append(out, row)
	}
	stats.Kept = len(out)
	return out, stats
}

// Classify builds the row for cells and returns a non-empty reason when the
// row must be dropped.
func Classify(header, cells []string, tenantLabel string) (Row, string) {
	if isBlank(cells) {
		return Row{}, ReasonBlank
	}

	fields := make(model.Fields, 0, len(header))
	for i, h := range header {
		if strings.TrimSpace(h) == "" {
			continue
		}
		val := ""
		if i < len(cells) {
			val = cells[i]
		}
		fields = append(fields, model.Field{Key: h, Value: val})
	}

	row := Row{AccountLabel: tenantLabel, Fields: fields}

	if hasExcludedMarker(fields) {
		return row, ReasonExcluded
	}
	if fields.Lookup(identityKeys[0]) == "" && fields.Lookup(identityKeys[1]) == "" {
		return row, ReasonNoIdentity
	}
	if fields.NonEmpty() < minFilledFields {
		return row, ReasonSparse
	}
	return row, ""
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func hasExcludedMarker(fields model.Fields) bool {
	caser := cases.Fold()
	for _, f := range fields {
		v := caser.String(f.Value)
		for _, m := range excludedMarkers {
			if strings.Contains(v, m) {
				return true
			}
		}
	}
	return false
}
