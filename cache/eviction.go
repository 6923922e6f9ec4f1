package cache

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
)

// Invalidation reasons, used in logs and metrics.
const (
	ReasonOwnerQuota      = "owner_quota"
	ReasonByteBudget      = "byte_budget"
	ReasonExpired         = "expired"
	ReasonUnused          = "unused"
	ReasonArtifactMissing = "artifact_missing"
	ReasonManual          = "manual"
)

// EvictionPolicy holds the two eviction pressures applied before a write.
// Both are advisory: a write proceeds whatever they manage to free.
type EvictionPolicy struct {
	// MaxEntriesPerOwner caps valid entries per owner; zero disables the quota.
	MaxEntriesPerOwner int
	// MaxTotalBytes caps valid artifact bytes; zero disables the budget.
	MaxTotalBytes int64
	// Grace is how long an entry must have gone unused before the budget may evict it.
	Grace time.Duration
}

// OwnerVictims picks entries to invalidate so one more entry fits in the
// quota. newestFirst must be the owner's valid entries ordered by creation,
// newest first, excluding the entry about to be written.
func (p EvictionPolicy) OwnerVictims(newestFirst []Entry) []Entry {
	if p.MaxEntriesPerOwner <= 0 || len(newestFirst) < p.MaxEntriesPerOwner {
		return nil
	}
	return newestFirst[p.MaxEntriesPerOwner-1:]
}

// BudgetVictims picks entries from lru, least recently used first, until
// total drops to the budget or the candidates run out.
func (p EvictionPolicy) BudgetVictims(total int64, lru []Entry) []Entry {
	if p.MaxTotalBytes <= 0 {
		return nil
	}
	var victims []Entry
	for _, e := range lru {
		if total <= p.MaxTotalBytes {
			break
		}
		victims = append(victims, e)
		total -= e.SizeBytes
	}
	return victims
}

func without(entries []Entry, fingerprint string) []Entry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.Fingerprint != fingerprint {
			out = append(out, e)
		}
	}
	return out
}

// enforceOwnerQuota makes room for incoming in the owner's quota.
func (s *Store) enforceOwnerQuota(ctx context.Context, e Entry, incoming string) int {
	if s.policy.MaxEntriesPerOwner <= 0 {
		return 0
	}
	var entries []Entry
	err := s.durableCall(func() (err error) {
		entries, err = s.durable.ListByOwner(ctx, e.Owner)
		return err
	})
	if err != nil {
		s.logger.Warn("owner quota check skipped for %s: %v", e.Owner, err)
		return 0
	}
	victims := s.policy.OwnerVictims(without(entries, incoming))
	n := s.invalidateEntries(ctx, victims, ReasonOwnerQuota)
	if n > 0 {
		s.logger.Info("evicted %d entries of %s over the quota of %d", n, e.Owner, s.policy.MaxEntriesPerOwner)
	}
	return n
}

// enforceBudget evicts long-unused entries while valid bytes exceed the
// budget. exclude is never chosen.
func (s *Store) enforceBudget(ctx context.Context, exclude string) int {
	if s.policy.MaxTotalBytes <= 0 {
		return 0
	}
	var total int64
	err := s.durableCall(func() (err error) {
		total, err = s.durable.TotalValidBytes(ctx)
		return err
	})
	if err != nil {
		s.logger.Warn("byte budget check skipped: %v", err)
		return 0
	}
	if total <= s.policy.MaxTotalBytes {
		return 0
	}
	cutoff := s.cfg.clock.Now().Add(-s.policy.Grace)
	var candidates []Entry
	err = s.durableCall(func() (err error) {
		candidates, err = s.durable.ListUnusedSince(ctx, cutoff)
		return err
	})
	if err != nil {
		s.logger.Warn("byte budget eviction skipped: %v", err)
		return 0
	}
	victims := s.policy.BudgetVictims(total, without(candidates, exclude))
	n := s.invalidateEntries(ctx, victims, ReasonByteBudget)
	var freed int64
	for _, v := range victims {
		freed += v.SizeBytes
	}
	if remaining := total - freed; remaining > s.policy.MaxTotalBytes {
		s.logger.Warn("cache holds %s over a budget of %s with no more entries unused for %s",
			humanize.IBytes(uint64(remaining)), humanize.IBytes(uint64(s.policy.MaxTotalBytes)), s.policy.Grace)
	} else if n > 0 {
		s.logger.Info("evicted %d entries to bring the cache under %s", n, humanize.IBytes(uint64(s.policy.MaxTotalBytes)))
	}
	return n
}
