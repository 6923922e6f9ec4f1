package cache

import (
	"context"
	"time"

	"github.com/agentuity/go-reportcache/report"
	"github.com/cockroachdb/errors"
)

// ErrDuplicateFingerprint is returned by DurableTier.Insert when a row with
// the same fingerprint already exists.
var ErrDuplicateFingerprint = errors.New("duplicate fingerprint")

// DurableStats is the aggregate view of the durable tier.
type DurableStats struct {
	TotalEntries    int64
	ValidEntries    int64
	TotalSizeBytes  int64
	AverageHitCount float64
	ByKind          map[report.Kind]int64
}

// DurableTier is the persistent record of every cache entry. The fingerprint
// is unique across all rows, valid or not.
type DurableTier interface {
	// Find returns the row for fingerprint regardless of status.
	Find(ctx context.Context, fingerprint string) (bool, Entry, error)
	// FindAvailable returns the row only if it is valid, completed and not expired at now.
	FindAvailable(ctx context.Context, fingerprint string, now time.Time) (bool, Entry, error)
	// Insert adds a new row or fails with ErrDuplicateFingerprint.
	Insert(ctx context.Context, entry Entry) error
	// Update replaces the row with entry.Fingerprint.
	Update(ctx context.Context, entry Entry) error
	// RecordHit increments the hit count and refreshes the last access time.
	RecordHit(ctx context.Context, fingerprint string, now time.Time) error
	// Invalidate marks the row invalid, reporting whether a valid row changed.
	Invalidate(ctx context.Context, fingerprint string, now time.Time) (bool, error)
	// ListByOwner returns the owner's valid rows, newest first.
	ListByOwner(ctx context.Context, owner report.Owner) ([]Entry, error)
	// ListByKind returns the valid rows of kind.
	ListByKind(ctx context.Context, kind report.Kind) ([]Entry, error)
	// ListExpired returns valid rows whose expiry is at or before now.
	ListExpired(ctx context.Context, now time.Time) ([]Entry, error)
	// ListUnusedSince returns valid rows last accessed before cutoff, least recently used first.
	ListUnusedSince(ctx context.Context, cutoff time.Time) ([]Entry, error)
	// TotalValidBytes sums SizeBytes over valid rows.
	TotalValidBytes(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (DurableStats, error)
	// PruneInvalid hard-deletes invalid rows last updated before cutoff.
	PruneInvalid(ctx context.Context, cutoff time.Time) (int, error)
}
