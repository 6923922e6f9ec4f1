package cache

import (
	"time"

	"github.com/agentuity/go-reportcache/report"
	"github.com/cockroachdb/errors"
)

// Status is the lifecycle state of a cache entry.
type Status string

const (
	StatusGenerating Status = "GENERATING"
	StatusCompleted  Status = "COMPLETED"
	StatusInvalid    Status = "INVALID"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusGenerating, StatusCompleted, StatusInvalid:
		return st, nil
	}
	return "", errors.Newf("unknown cache status %q", s)
}

// Entry is the bookkeeping record for one cached artifact.
type Entry struct {
	Fingerprint        string
	Owner              report.Owner
	ReportKind         report.Kind
	OutputFormat       report.Format
	TemplateRef        string
	ArtifactLocation   string
	SizeBytes          int64
	RecordCount        int
	GenerationDuration time.Duration
	HitCount           int64
	LastAccessTime     time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	// ExpiresAt is zero when the entry never expires.
	ExpiresAt time.Time
	Status    Status
	Metadata  map[string]any
}

// Valid reports whether the entry has not been invalidated.
func (e Entry) Valid() bool {
	return e.Status != StatusInvalid
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Servable reports whether the bookkeeping allows serving the entry at now.
// The artifact itself still has to be checked.
func (e Entry) Servable(now time.Time) bool {
	return e.Status == StatusCompleted && !e.Expired(now)
}

func (e *Entry) recordHit(now time.Time) {
	e.HitCount++
	e.LastAccessTime = now
}

func (e *Entry) invalidate(now time.Time) {
	e.Status = StatusInvalid
	e.UpdatedAt = now
}
