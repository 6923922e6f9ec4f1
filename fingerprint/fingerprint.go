// Package fingerprint derives the cache key for a report request.
//
// Two requests that would produce the same artifact get the same fingerprint:
// the owner (or the system-wide scope), report kind, output format, template,
// the filters and the subset of options that change report contents. Purely
// cosmetic options such as IncludeImages are ignored.
package fingerprint

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"slices"
	"strings"

	"github.com/agentuity/go-reportcache/logger"
	"github.com/agentuity/go-reportcache/report"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Length is the number of characters in a fingerprint.
const Length = 32

const dateLayout = "2006-01-02"

// customOptionKeys are the custom options that affect report contents.
var customOptionKeys = []string{"includeStatistics", "groupBy"}

type canonicalFilters struct {
	ReadStatus []string `json:"readStatus,omitempty"`
	Publisher  string   `json:"publisher,omitempty"`
	Author     string   `json:"author,omitempty"`
	Genre      string   `json:"genre,omitempty"`
	StartDate  string   `json:"startDate,omitempty"`
	EndDate    string   `json:"endDate,omitempty"`
}

// Builder computes fingerprints. It is safe for concurrent use.
type Builder struct {
	logger logger.Logger
}

// NewBuilder returns a Builder that logs serialization failures to log.
func NewBuilder(log logger.Logger) *Builder {
	return &Builder{logger: log}
}

// Build returns the fingerprint for req issued by owner. It never fails: if
// the request cannot be serialized a random fingerprint is returned, which
// makes the lookup a guaranteed miss.
func (b *Builder) Build(owner report.Owner, req report.Request) string {
	canonical, err := Canonical(owner, req)
	if err != nil {
		if b.logger != nil {
			b.logger.Warn("fingerprint fallback for %s %s: %v", owner, req.Kind, err)
		}
		return random()
	}
	return Hash(canonical)
}

// Hash returns the first Length characters of the standard base64 encoding of
// the SHA-256 digest of canonical.
func Hash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return base64.StdEncoding.EncodeToString(sum[:])[:Length]
}

func random() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

type canonicalRequest struct {
	Owner    string            `json:"owner"`
	Kind     string            `json:"type"`
	Format   string            `json:"format"`
	Template string            `json:"template"`
	Filters  *canonicalFilters `json:"filters,omitempty"`
	Options  map[string]any    `json:"options,omitempty"`
}

// Canonical renders the deterministic string a fingerprint is hashed from:
// one JSON object with fields in a fixed order and map keys sorted, so every
// free-text value is quoted and cannot spill into a neighbouring field.
func Canonical(owner report.Owner, req report.Request) (string, error) {
	c := canonicalRequest{
		Owner:    req.CacheOwner(owner).String(),
		Kind:     string(req.Kind.Normalize()),
		Format:   string(req.Format.Normalize()),
		Template: req.TemplateRef,
	}
	if !req.Filters.Empty() {
		f := canonicalizeFilters(req.Filters)
		c.Filters = &f
	}
	if opts := relevantOptions(req.Options); len(opts) > 0 {
		c.Options = opts
	}
	buf, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "marshal request")
	}
	return string(buf), nil
}

// canonicalizeFilters treats read statuses as a set and reduces dates to
// the calendar day in their own location.
func canonicalizeFilters(f *report.Filters) canonicalFilters {
	out := canonicalFilters{
		Publisher: f.Publisher,
		Author:    f.Author,
		Genre:     f.Genre,
	}
	if len(f.ReadStatus) > 0 {
		out.ReadStatus = slices.Clone(f.ReadStatus)
		for i, s := range out.ReadStatus {
			out.ReadStatus[i] = strings.ToUpper(strings.TrimSpace(s))
		}
		slices.Sort(out.ReadStatus)
		out.ReadStatus = slices.Compact(out.ReadStatus)
	}
	if f.StartDate != nil {
		out.StartDate = f.StartDate.Format(dateLayout)
	}
	if f.EndDate != nil {
		out.EndDate = f.EndDate.Format(dateLayout)
	}
	return out
}

func relevantOptions(o *report.Options) map[string]any {
	if o == nil {
		return nil
	}
	out := make(map[string]any)
	if o.SortBy != "" {
		out["sortBy"] = o.SortBy
	}
	if o.SortOrder != "" {
		out["sortOrder"] = o.SortOrder
	}
	for _, key := range customOptionKeys {
		if v, ok := o.Custom[key]; ok && v != nil {
			out[key] = v
		}
	}
	return out
}
