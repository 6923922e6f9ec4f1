package cache

import (
	"context"

	"github.com/agentuity/go-reportcache/report"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// Stats is a point-in-time summary of the cache.
type Stats struct {
	TotalEntries    int64
	ValidEntries    int64
	TotalSizeBytes  int64
	AverageHitCount float64
	ByKind          map[report.Kind]int64
	FastTierSize    int
	Enabled         bool
	Breaker         BreakerState
}

// FormattedSize renders TotalSizeBytes for humans, e.g. "1.5 MiB".
func (s Stats) FormattedSize() string {
	if s.TotalSizeBytes <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(s.TotalSizeBytes))
}

// HitRate estimates the share of lookups served from cache: each entry is
// generated once and then served AverageHitCount times.
func (s Stats) HitRate() float64 {
	if s.AverageHitCount <= 0 {
		return 0
	}
	return s.AverageHitCount / (s.AverageHitCount + 1)
}

// Stats aggregates the durable tier with the local fast tier.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		FastTierSize: s.fast.Len(),
		Enabled:      s.cfg.enabled,
		Breaker:      s.breaker.State(),
	}
	var ds DurableStats
	err := s.durableCall(func() (err error) {
		ds, err = s.durable.Stats(ctx)
		return err
	})
	if err != nil {
		return stats, errors.Wrap(err, "cache stats")
	}
	stats.TotalEntries = ds.TotalEntries
	stats.ValidEntries = ds.ValidEntries
	stats.TotalSizeBytes = ds.TotalSizeBytes
	stats.AverageHitCount = ds.AverageHitCount
	stats.ByKind = ds.ByKind
	return stats, nil
}
