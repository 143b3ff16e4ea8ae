// Package fetcher resolves tenant sheet references to export endpoints and
// downloads them over rate limited, retrying HTTP.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/resilience"
)

// DefaultGID is the first sheet of a spreadsheet.
const DefaultGID = "0"

// DefaultExportBaseURL is the host serving spreadsheet exports.
const DefaultExportBaseURL = "https://docs.google.com"

const defaultMaxBodyBytes = 32 << 20

// Fetcher downloads a URL. Non-2xx answers come back as *StatusError.
type Fetcher interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

var (
	sheetIDPattern = regexp.MustCompile(`/spreadsheets/d/(e/)?([a-zA-Z0-9_-]+)`)
	gidPattern     = regexp.MustCompile(`[#&?]gid=([0-9]+)`)
	bareIDPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{20,}$`)
)

// SheetRef is a parsed spreadsheet reference.
type SheetRef struct {
	ID        string
	GID       string
	Published bool
	// Direct is set when the reference is a plain URL that is not a
	// spreadsheet link; it is fetched as-is.
	Direct string
}

// ParseSheetRef extracts the spreadsheet id and optional gid from a sheet
// URL or a bare spreadsheet id.
func ParseSheetRef(raw string) (SheetRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SheetRef{}, model.Validationf("sheet reference is empty")
	}

	if m := sheetIDPattern.FindStringSubmatch(raw); m != nil {
		ref := SheetRef{ID: m[2], Published: m[1] != ""}
		if g := gidPattern.FindStringSubmatch(raw); g != nil {
			ref.GID = g[1]
		}
		return ref, nil
	}

	if bareIDPattern.MatchString(raw) {
		return SheetRef{ID: raw}, nil
	}

	u, err := url.Parse(raw)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return SheetRef{Direct: raw}, nil
	}

	return SheetRef{}, model.Validationf("unrecognized sheet reference %q", raw)
}

// Candidates returns the export URLs to try in order: the referenced gid
// first, then the default gid.
func (r SheetRef) Candidates(baseURL, defaultGID string) []string {
	if r.Direct != "" {
		return []string{r.Direct}
	}
	if defaultGID == "" {
		defaultGID = DefaultGID
	}
	base := strings.TrimRight(baseURL, "/")

	gids := []string{}
	if r.GID != "" {
		gids = append(gids, r.GID)
	}
	if r.GID != defaultGID {
		gids = append(gids, defaultGID)
	}

	out := make([]string, 0, len(gids))
	for _, gid := range gids {
		if r.Published {
			out = append(out, fmt.Sprintf("%s/spreadsheets/d/e/%s/pub?output=csv&gid=%s", base, r.ID, gid))
			continue
		}
		out = append(out, fmt.Sprintf("%s/spreadsheets/d/%s/export?format=csv&gid=%s", base, r.ID, gid))
	}
	return out
}

// LooksLikeMarkup reports whether body is an HTML or XML document rather
// than delimited text. Login walls and error pages come back as 200 HTML.
func LooksLikeMarkup(body []byte) bool {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")))
	if len(trimmed) == 0 {
		return false
	}
	head := strings.ToLower(string(trimmed[:min(len(trimmed), 16)]))
	switch {
	case strings.HasPrefix(head, "<!doctype"),
		strings.HasPrefix(head, "<html"),
		strings.HasPrefix(head, "<?xml"):
		return true
	}
	return trimmed[0] == '<'
}

// SheetOptions configures a SheetFetcher.
type SheetOptions struct {
	BaseURL      string
	DefaultGID   string
	MaxBodyBytes int64
}

// SheetFetcher resolves tenant sheet references to export text.
type SheetFetcher struct {
	fetcher Fetcher
	opts    SheetOptions
}

// NewSheetFetcher creates a SheetFetcher that downloads through f.
func NewSheetFetcher(f Fetcher, opts SheetOptions) *SheetFetcher {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultExportBaseURL
	}
	if opts.DefaultGID == "" {
		opts.DefaultGID = DefaultGID
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &SheetFetcher{fetcher: f, opts: opts}
}

// Fetch downloads the tenant's sheet, falling back through the candidate
// gids. It fails with a fetch-coded error when no candidate returns
// delimited text. The error is also transient when every candidate failed
// for a retryable reason.
func (s *SheetFetcher) Fetch(ctx context.Context, tenant model.Tenant) (string, error) {
	if !tenant.HasSheet() {
		return "", model.Validationf("tenant %s has no sheet url", tenant.ID)
	}
	ref, err := ParseSheetRef(*tenant.SheetURL)
	if err != nil {
		return "", err
	}

	log := zap.L().With(
		zap.String("component", "sheet_fetcher"),
		zap.String("tenant_id", tenant.ID),
	)

	candidates := ref.Candidates(s.opts.BaseURL, s.opts.DefaultGID)
	var reasons []string
	allTransient := true
	for i, candidate := range candidates {
		body, err := s.download(ctx, candidate)
		if err != nil {
			if ctx.Err() != nil {
				return "", eris.Wrap(ctx.Err(), "fetch sheet")
			}
			if !resilience.IsTransient(err) {
				allTransient = false
			}
			reasons = append(reasons, err.Error())
			log.Debug("sheet candidate failed",
				zap.Int("candidate", i),
				zap.Error(err),
			)
			continue
		}
		if LooksLikeMarkup(body) {
			allTransient = false
			reasons = append(reasons, "candidate "+redact(candidate)+" returned a markup document")
			log.Debug("sheet candidate returned markup", zap.Int("candidate", i))
			continue
		}
		if i > 0 {
			log.Info("sheet fetched from fallback gid", zap.Int("candidate", i))
		}
		return string(body), nil
	}

	source := ref.ID
	if source == "" {
		source = redact(ref.Direct)
	}
	cause := eris.Errorf("no usable export for sheet %s: %s", source, strings.Join(reasons, "; "))
	if allTransient {
		return "", model.NewError(model.CodeFetch, "sheet fetch failed", resilience.NewTransientError(cause, 0))
	}
	return "", model.NewError(model.CodeFetch, "sheet fetch failed", cause)
}

func (s *SheetFetcher) download(ctx context.Context, candidate string) ([]byte, error) {
	rc, err := s.fetcher.Download(ctx, candidate)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(rc, s.opts.MaxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "read sheet body")
	}
	return body, nil
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
