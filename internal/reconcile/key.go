// Package reconcile diffs freshly normalized sheet rows against the leads
// already stored for a tenant and recomputes the tenant's lead actuals.
package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/sells-group/leadsync/internal/model"
)

// IdentityKey derives the reconcile key for a field bag. It prefers the
// email address, then name, company and date together, and finally the
// whole row content. Row order in the sheet does not affect the key.
func IdentityKey(fields model.Fields) string {
	if email := model.FoldKey(fields.Lookup(model.EmailHeaders...)); email != "" {
		return digest("email", email)
	}

	name := model.FoldKey(fields.Lookup(model.NameHeaders...))
	company := model.FoldKey(fields.Lookup(model.CompanyHeaders...))
	if name != "" || company != "" {
		date := model.FoldKey(fields.Lookup(model.DateHeaders...))
		return digest("ncd", name, company, date)
	}

	parts := make([]string, 0, len(fields)*2)
	for _, f := range fields {
		parts = append(parts, model.FoldKey(f.Key), strings.TrimSpace(f.Value))
	}
	return digest("row", parts...)
}

// ContentHash fingerprints the exact field content and account label, so
// any cell edit shows up as an update.
func ContentHash(label string, fields model.Fields) string {
	parts := make([]string, 0, len(fields)*2+1)
	parts = append(parts, label)
	for _, f := range fields {
		parts = append(parts, f.Key, f.Value)
	}
	return digest("content", parts...)
}

// assignKeys computes row keys for a batch, suffixing repeats with their
// occurrence number so two identical rows stay two leads.
func assignKeys(bags []model.Fields) []string {
	seen := make(map[string]int, len(bags))
	keys := make([]string, len(bags))
	for i, f := range bags {
		k := IdentityKey(f)
		seen[k]++
		if n := seen[k]; n > 1 {
			k += "#" + strconv.Itoa(n)
		}
		keys[i] = k
	}
	return keys
}

func digest(kind string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return kind + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}
