package cache

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultJanitorInterval = 30 * time.Minute
	// DefaultUnusedAfter retires entries nobody has read for this long.
	DefaultUnusedAfter = 24 * time.Hour
	// DefaultLocalStaleness drops fast-tier entries idle for this long.
	DefaultLocalStaleness = 30 * time.Minute
	// DefaultPruneAfter hard-deletes invalid rows older than this.
	DefaultPruneAfter = 7 * 24 * time.Hour
)

// SweepReport counts what one janitor run did.
type SweepReport struct {
	Expired    int
	Unused     int
	FastPruned int
	Pruned     int
	OverBudget int
	Duration   time.Duration
}

// Total returns the number of entries invalidated or removed.
func (r SweepReport) Total() int {
	return r.Expired + r.Unused + r.FastPruned + r.Pruned + r.OverBudget
}

type janitorConfig struct {
	interval       time.Duration
	unusedAfter    time.Duration
	localStaleness time.Duration
	pruneAfter     time.Duration
}

type JanitorOption func(*janitorConfig)

func WithJanitorInterval(d time.Duration) JanitorOption {
	return func(c *janitorConfig) {
		c.interval = d
	}
}

func WithUnusedAfter(d time.Duration) JanitorOption {
	return func(c *janitorConfig) {
		c.unusedAfter = d
	}
}

func WithLocalStaleness(d time.Duration) JanitorOption {
	return func(c *janitorConfig) {
		c.localStaleness = d
	}
}

// WithPruneAfter sets how long invalid rows are kept; zero disables the prune.
func WithPruneAfter(d time.Duration) JanitorOption {
	return func(c *janitorConfig) {
		c.pruneAfter = d
	}
}

// Janitor periodically retires expired and unused entries from both tiers.
type Janitor struct {
	store     *Store
	cfg       janitorConfig
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	mutex     sync.Mutex
}

func NewJanitor(store *Store, opts ...JanitorOption) *Janitor {
	cfg := janitorConfig{
		interval:       DefaultJanitorInterval,
		unusedAfter:    DefaultUnusedAfter,
		localStaleness: DefaultLocalStaleness,
		pruneAfter:     DefaultPruneAfter,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Janitor{store: store, cfg: cfg}
}

// Start runs a sweep every interval until ctx is done or Stop is called.
func (j *Janitor) Start(parent context.Context) {
	j.ctx, j.cancel = context.WithCancel(parent)
	j.waitGroup.Add(1)
	go j.run()
}

// Stop ends the background loop and waits for an in-progress sweep.
func (j *Janitor) Stop() {
	j.once.Do(func() {
		if j.cancel != nil {
			j.cancel()
		}
		j.waitGroup.Wait()
	})
}

func (j *Janitor) run() {
	defer j.waitGroup.Done()
	ticker := j.store.cfg.clock.NewTicker(j.cfg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.Chan():
			j.Sweep(j.ctx)
		}
	}
}

// Sweep runs one maintenance pass now. Concurrent calls are serialized.
func (j *Janitor) Sweep(ctx context.Context) SweepReport {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	s := j.store
	log := s.logger.WithPrefix("[janitor]")
	started := s.cfg.clock.Now()
	now := started
	var report SweepReport

	var expired []Entry
	if err := s.durableCall(func() (err error) {
		expired, err = s.durable.ListExpired(ctx, now)
		return err
	}); err != nil {
		log.Error("listing expired entries: %v", err)
	} else {
		report.Expired = s.invalidateEntries(ctx, expired, ReasonExpired)
	}

	if j.cfg.unusedAfter > 0 {
		var unused []Entry
		if err := s.durableCall(func() (err error) {
			unused, err = s.durable.ListUnusedSince(ctx, now.Add(-j.cfg.unusedAfter))
			return err
		}); err != nil {
			log.Error("listing unused entries: %v", err)
		} else {
			report.Unused = s.invalidateEntries(ctx, unused, ReasonUnused)
		}
	}

	report.FastPruned = j.pruneFast(ctx, now)

	if j.cfg.pruneAfter > 0 {
		if err := s.durableCall(func() (err error) {
			report.Pruned, err = s.durable.PruneInvalid(ctx, now.Add(-j.cfg.pruneAfter))
			return err
		}); err != nil {
			log.Error("pruning invalid rows: %v", err)
		}
	}

	report.OverBudget = s.enforceBudget(ctx, "")

	report.Duration = s.cfg.clock.Since(started)
	s.recorder.JanitorSweep(ctx, report.Duration)
	if report.Total() > 0 {
		log.Info("sweep: %d expired, %d unused, %d fast-tier pruned, %d rows pruned, %d over budget",
			report.Expired, report.Unused, report.FastPruned, report.Pruned, report.OverBudget)
	} else {
		log.Debug("sweep found nothing to do")
	}
	return report
}

// pruneFast drops fast-tier entries that went idle locally or no longer have
// an available durable row.
func (j *Janitor) pruneFast(ctx context.Context, now time.Time) int {
	s := j.store
	var n int
	for _, e := range s.fast.Snapshot() {
		stale := j.cfg.localStaleness > 0 && now.Sub(e.LastAccessTime) > j.cfg.localStaleness
		if !stale && e.Servable(now) {
			var found bool
			err := s.durableCall(func() (err error) {
				found, _, err = s.durable.FindAvailable(ctx, e.Fingerprint, now)
				return err
			})
			if err != nil || found {
				continue
			}
		}
		if s.fast.Remove(e.Fingerprint) {
			n++
		}
	}
	return n
}
