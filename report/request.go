package report

import (
	"strings"
	"time"
)

// Kind is the report type, for example BOOK_LIST.
type Kind string

const (
	KindBookList     Kind = "BOOK_LIST"
	KindReadingStats Kind = "READING_STATS"
	// KindSystem reports cover all users and share one cache line.
	KindSystem Kind = "SYSTEM"
)

// Normalize upper-cases and trims the kind.
func (k Kind) Normalize() Kind {
	return Kind(strings.ToUpper(strings.TrimSpace(string(k))))
}

// SystemWide reports whether reports of this kind are shared by every owner.
func (k Kind) SystemWide() bool {
	return k.Normalize() == KindSystem
}

// Format is the artifact output format.
type Format string

const (
	FormatPDF   Format = "PDF"
	FormatExcel Format = "EXCEL"
)

func (f Format) Normalize() Format {
	return Format(strings.ToUpper(strings.TrimSpace(string(f))))
}

// Filters narrow the data a report is built from.
type Filters struct {
	ReadStatus []string   `json:"readStatus,omitempty" yaml:"read_status,omitempty"`
	Publisher  string     `json:"publisher,omitempty" yaml:"publisher,omitempty"`
	Author     string     `json:"author,omitempty" yaml:"author,omitempty"`
	Genre      string     `json:"genre,omitempty" yaml:"genre,omitempty"`
	StartDate  *time.Time `json:"startDate,omitempty" yaml:"start_date,omitempty"`
	EndDate    *time.Time `json:"endDate,omitempty" yaml:"end_date,omitempty"`
}

// Empty reports whether no filter is set.
func (f *Filters) Empty() bool {
	return f == nil || (len(f.ReadStatus) == 0 && f.Publisher == "" && f.Author == "" && f.Genre == "" && f.StartDate == nil && f.EndDate == nil)
}

// Options tune how a report is rendered. Only some of them change the
// report contents; see the fingerprint package for which.
type Options struct {
	SortBy        string         `json:"sortBy,omitempty" yaml:"sort_by,omitempty"`
	SortOrder     string         `json:"sortOrder,omitempty" yaml:"sort_order,omitempty"`
	IncludeImages bool           `json:"includeImages,omitempty" yaml:"include_images,omitempty"`
	Custom        map[string]any `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// Request is everything needed to produce one report.
type Request struct {
	Kind        Kind     `json:"reportType" yaml:"kind"`
	Format      Format   `json:"format" yaml:"format"`
	TemplateRef string   `json:"templateRef,omitempty" yaml:"template,omitempty"`
	Filters     *Filters `json:"filters,omitempty" yaml:"filters,omitempty"`
	Options     *Options `json:"options,omitempty" yaml:"options,omitempty"`
}

// CacheOwner returns the owner a cached artifact for this request belongs to:
// the system owner for system-wide kinds, owner otherwise.
func (r Request) CacheOwner(owner Owner) Owner {
	if r.Kind.SystemWide() {
		return System()
	}
	return owner
}
