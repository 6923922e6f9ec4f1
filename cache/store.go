package cache

import (
	"context"
	"time"

	"github.com/agentuity/go-reportcache/fingerprint"
	"github.com/agentuity/go-reportcache/logger"
	"github.com/agentuity/go-reportcache/report"
	"github.com/agentuity/go-reportcache/telemetry"
	"github.com/cockroachdb/errors"
)

// Where a hit was served from.
const (
	SourceFast    = "fast"
	SourceDurable = "durable"
)

// Result is the outcome of a Lookup.
type Result struct {
	Hit              bool
	Fingerprint      string
	ArtifactLocation string
	Entry            Entry
	// Source is SourceFast or SourceDurable on a hit.
	Source string
}

// Store is the two-tier report cache. Lookups and writes never fail the
// caller's report: faults degrade to a miss or a skipped write and are logged.
type Store struct {
	durable   DurableTier
	artifacts report.ArtifactStore
	fast      FastTier
	builder   *fingerprint.Builder
	policy    EvictionPolicy
	breaker   *breaker
	cfg       config
	logger    logger.Logger
	recorder  telemetry.Recorder
}

// NewStore composes the fast tier in opts (a sharded map by default) with
// durable. artifacts is consulted to verify and delete artifacts.
func NewStore(durable DurableTier, artifacts report.ArtifactStore, opts ...Option) *Store {
	cfg := applyOptions(opts)
	log := cfg.logger.WithPrefix("[cache]")
	return &Store{
		durable:   durable,
		artifacts: artifacts,
		fast:      cfg.fast,
		builder:   fingerprint.NewBuilder(log),
		policy: EvictionPolicy{
			MaxEntriesPerOwner: cfg.maxPerOwner,
			MaxTotalBytes:      cfg.maxTotalBytes,
			Grace:              cfg.evictionGrace,
		},
		breaker:  newBreaker(cfg.breakerFailures, cfg.breakerCooldown, cfg.clock),
		cfg:      cfg,
		logger:   log,
		recorder: cfg.recorder,
	}
}

// Enabled reports whether caching is switched on.
func (s *Store) Enabled() bool {
	return s.cfg.enabled
}

// Fingerprint returns the cache key Lookup and Put use for req.
func (s *Store) Fingerprint(owner report.Owner, req report.Request) string {
	return s.builder.Build(owner, req)
}

// BreakerState returns the state of the durable tier circuit breaker.
func (s *Store) BreakerState() BreakerState {
	return s.breaker.State()
}

func (s *Store) durableCall(fn func() error) error {
	if !s.breaker.allow() {
		return ErrBreakerOpen
	}
	if err := fn(); err != nil {
		if s.breaker.failure() {
			s.logger.Error("durable tier is failing, bypassing it for %s: %v", s.cfg.breakerCooldown, err)
		}
		return err
	}
	s.breaker.success()
	return nil
}

// Lookup returns a hit when a servable artifact for req is cached.
func (s *Store) Lookup(ctx context.Context, owner report.Owner, req report.Request) Result {
	kind := string(req.Kind.Normalize())
	if !s.cfg.enabled {
		s.recorder.CacheLookup(ctx, kind, telemetry.OutcomeDisabled)
		return Result{}
	}
	fp := s.builder.Build(owner, req)
	now := s.cfg.clock.Now()

	if e, ok := s.fast.Hit(fp, now); ok {
		s.recorder.CacheLookup(ctx, kind, telemetry.OutcomeFastHit)
		return Result{Hit: true, Fingerprint: fp, ArtifactLocation: e.ArtifactLocation, Entry: e, Source: SourceFast}
	}

	miss := Result{Fingerprint: fp}
	log := s.logger.With(map[string]interface{}{"fingerprint": fp, "owner": req.CacheOwner(owner).String(), "op": "lookup"})

	var (
		found bool
		entry Entry
	)
	err := s.durableCall(func() (err error) {
		found, entry, err = s.durable.FindAvailable(ctx, fp, now)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrBreakerOpen) {
			log.Error("cache lookup failed: %v", err)
		}
		s.recorder.CacheLookup(ctx, kind, telemetry.OutcomeMiss)
		return miss
	}
	if !found {
		s.recorder.CacheLookup(ctx, kind, telemetry.OutcomeMiss)
		return miss
	}

	exists, err := s.artifacts.Exists(ctx, entry.ArtifactLocation)
	if err != nil {
		log.Warn("artifact check failed for %s: %v", entry.ArtifactLocation, err)
		s.recorder.CacheLookup(ctx, kind, telemetry.OutcomeMiss)
		return miss
	}
	if !exists {
		log.Warn("artifact %s is gone, invalidating entry", entry.ArtifactLocation)
		s.invalidateEntries(ctx, []Entry{entry}, ReasonArtifactMissing)
		s.recorder.CacheLookup(ctx, kind, telemetry.OutcomeMiss)
		return miss
	}

	if err := s.durableCall(func() error { return s.durable.RecordHit(ctx, fp, now) }); err != nil {
		log.Warn("failed to record hit: %v", err)
	}
	entry.recordHit(now)
	s.fast.Store(entry)
	s.recorder.CacheLookup(ctx, kind, telemetry.OutcomeDurableHit)
	log.Debug("served %s from cache (%d hits)", entry.ArtifactLocation, entry.HitCount)
	return Result{Hit: true, Fingerprint: fp, ArtifactLocation: entry.ArtifactLocation, Entry: entry, Source: SourceDurable}
}

// Put records the artifact at location as the cached result of req. It
// returns nil without error when caching is disabled. Storage faults are
// logged and returned; callers should not fail the report because of them.
func (s *Store) Put(ctx context.Context, owner report.Owner, req report.Request, location string, recordCount int, duration time.Duration) (*Entry, error) {
	if !s.cfg.enabled {
		return nil, nil
	}
	scope := req.CacheOwner(owner)
	if !scope.Valid() {
		return nil, errors.Wrapf(report.ErrInvalidOwner, "put %q", owner.String())
	}
	if location == "" {
		return nil, errors.New("put: empty artifact location")
	}
	kind := req.Kind.Normalize()
	fp := s.builder.Build(owner, req)
	log := s.logger.With(map[string]interface{}{"fingerprint": fp, "owner": scope.String(), "op": "put"})

	entry := Entry{
		Fingerprint:        fp,
		Owner:              scope,
		ReportKind:         kind,
		OutputFormat:       req.Format.Normalize(),
		TemplateRef:        req.TemplateRef,
		ArtifactLocation:   location,
		RecordCount:        recordCount,
		GenerationDuration: duration,
		Status:             StatusCompleted,
	}
	s.enforceOwnerQuota(ctx, entry, fp)
	s.enforceBudget(ctx, fp)

	now := s.cfg.clock.Now()
	size, err := s.artifacts.Size(ctx, location)
	if err != nil {
		log.Warn("artifact size unknown for %s: %v", location, err)
	}
	entry.SizeBytes = size
	entry.LastAccessTime = now
	entry.UpdatedAt = now
	if ttl := s.cfg.ttl.For(kind); ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	entry.Metadata = map[string]any{
		"recordCount":  recordCount,
		"generationMs": duration.Milliseconds(),
		"reportKind":   string(kind),
		"format":       string(entry.OutputFormat),
		"template":     req.TemplateRef,
		"cachedAt":     now.Format(time.RFC3339),
	}

	previous, err := s.write(ctx, &entry, now)
	if err != nil {
		log.Error("failed to cache report: %v", err)
		s.recorder.CachePut(ctx, string(kind), false)
		return nil, errors.Wrapf(err, "put %s", fp)
	}
	if previous != nil && previous.Valid() && previous.ArtifactLocation != location {
		if err := s.artifacts.Remove(ctx, previous.ArtifactLocation); err != nil {
			log.Warn("failed to remove replaced artifact %s: %v", previous.ArtifactLocation, err)
		}
	}
	s.fast.Store(entry)
	s.recorder.CachePut(ctx, string(kind), true)
	log.Debug("cached %s (%d bytes, expires %s)", location, entry.SizeBytes, entry.ExpiresAt.Format(time.RFC3339))
	return &entry, nil
}

// write inserts entry or updates the existing row with its fingerprint,
// returning the row it replaced. A valid row keeps its creation time and hit
// count; an invalid one is revived as new.
func (s *Store) write(ctx context.Context, entry *Entry, now time.Time) (*Entry, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var (
			found    bool
			existing Entry
		)
		err := s.durableCall(func() (err error) {
			found, existing, err = s.durable.Find(ctx, entry.Fingerprint)
			return err
		})
		if err != nil {
			return nil, err
		}
		if found {
			if existing.Valid() {
				entry.CreatedAt = existing.CreatedAt
				entry.HitCount = existing.HitCount
			} else {
				entry.CreatedAt = now
				entry.HitCount = 0
			}
			if err := s.durableCall(func() error { return s.durable.Update(ctx, *entry) }); err != nil {
				return nil, err
			}
			return &existing, nil
		}
		entry.CreatedAt = now
		entry.HitCount = 0
		err = s.durableCall(func() error { return s.durable.Insert(ctx, *entry) })
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, ErrDuplicateFingerprint) {
			return nil, err
		}
		s.logger.Debug("concurrent insert of %s, retrying as update", entry.Fingerprint)
	}
	return nil, errors.Wrapf(ErrDuplicateFingerprint, "write %s", entry.Fingerprint)
}

// Invalidate retires the entry with fingerprint and returns how many entries
// were invalidated (0 or 1).
func (s *Store) Invalidate(ctx context.Context, fingerprint string) int {
	s.fast.Remove(fingerprint)
	var (
		found bool
		entry Entry
	)
	err := s.durableCall(func() (err error) {
		found, entry, err = s.durable.Find(ctx, fingerprint)
		return err
	})
	if err != nil {
		s.logger.Error("invalidate %s failed: %v", fingerprint, err)
		return 0
	}
	if !found || !entry.Valid() {
		return 0
	}
	return s.invalidateEntries(ctx, []Entry{entry}, ReasonManual)
}

// InvalidateOwner retires every valid entry owned by owner.
func (s *Store) InvalidateOwner(ctx context.Context, owner report.Owner) int {
	var entries []Entry
	err := s.durableCall(func() (err error) {
		entries, err = s.durable.ListByOwner(ctx, owner)
		return err
	})
	if err != nil {
		s.logger.Error("invalidate owner %s failed: %v", owner, err)
		return 0
	}
	n := s.invalidateEntries(ctx, entries, ReasonManual)
	s.logger.Info("invalidated %d entries of %s", n, owner)
	return n
}

// InvalidateKind retires every valid entry of kind.
func (s *Store) InvalidateKind(ctx context.Context, kind report.Kind) int {
	var entries []Entry
	err := s.durableCall(func() (err error) {
		entries, err = s.durable.ListByKind(ctx, kind)
		return err
	})
	if err != nil {
		s.logger.Error("invalidate kind %s failed: %v", kind, err)
		return 0
	}
	n := s.invalidateEntries(ctx, entries, ReasonManual)
	s.logger.Info("invalidated %d %s entries", n, kind.Normalize())
	return n
}

// invalidateEntries marks entries invalid, drops them from the fast tier and
// deletes their artifacts. It returns how many rows changed.
func (s *Store) invalidateEntries(ctx context.Context, entries []Entry, reason string) int {
	if len(entries) == 0 {
		return 0
	}
	now := s.cfg.clock.Now()
	var n int
	for _, e := range entries {
		var changed bool
		err := s.durableCall(func() (err error) {
			changed, err = s.durable.Invalidate(ctx, e.Fingerprint, now)
			return err
		})
		if err != nil {
			s.logger.Error("failed to invalidate %s (%s): %v", e.Fingerprint, reason, err)
			continue
		}
		s.fast.Remove(e.Fingerprint)
		if !changed {
			continue
		}
		n++
		if err := s.artifacts.Remove(ctx, e.ArtifactLocation); err != nil {
			s.logger.Warn("failed to delete artifact %s: %v", e.ArtifactLocation, err)
		}
	}
	s.recorder.CacheInvalidated(ctx, reason, n)
	return n
}

// ListOwner returns the valid entries of owner, newest first.
func (s *Store) ListOwner(ctx context.Context, owner report.Owner) ([]Entry, error) {
	var entries []Entry
	err := s.durableCall(func() (err error) {
		entries, err = s.durable.ListByOwner(ctx, owner)
		return err
	})
	return entries, errors.Wrapf(err, "list %s", owner)
}
