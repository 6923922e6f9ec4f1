// Package generator serves a report from the cache or renders and caches it.
package generator

import (
	"context"
	"time"

	"github.com/agentuity/go-reportcache/cache"
	"github.com/agentuity/go-reportcache/logger"
	"github.com/agentuity/go-reportcache/report"
	"github.com/agentuity/go-reportcache/schedule"
	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// Result describes the artifact a Generate call produced or reused.
type Result struct {
	Location    string
	Fingerprint string
	Cached      bool
	RecordCount int
	Duration    time.Duration
}

type Generator struct {
	store     *cache.Store
	renderer  report.Renderer
	deliverer report.Deliverer
	clock     clockwork.Clock
	logger    logger.Logger
	inflight  singleflight.Group
}

type Option func(*Generator)

// WithDeliverer hands scheduled reports with an output config to d.
func WithDeliverer(d report.Deliverer) Option {
	return func(g *Generator) {
		g.deliverer = d
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(g *Generator) {
		g.clock = clock
	}
}

func WithLogger(log logger.Logger) Option {
	return func(g *Generator) {
		g.logger = log
	}
}

func New(store *cache.Store, renderer report.Renderer, opts ...Option) *Generator {
	g := &Generator{
		store:    store,
		renderer: renderer,
		clock:    clockwork.NewRealClock(),
		logger:   logger.NewConsoleLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.WithPrefix("[generator]")
	return g
}

// Generate returns a cached artifact for req when one is available and
// otherwise renders and caches a new one. Concurrent calls for the same
// report share one render.
func (g *Generator) Generate(ctx context.Context, owner report.Owner, req report.Request) (Result, error) {
	if !owner.Valid() {
		return Result{}, errors.Wrapf(report.ErrInvalidOwner, "generate for %q", owner.String())
	}
	fp := g.store.Fingerprint(owner, req)
	// the shared render outlives any single caller; each caller stops
	// waiting when its own context ends
	renderCtx := context.WithoutCancel(ctx)
	ch := g.inflight.DoChan(fp, func() (any, error) {
		return g.generate(renderCtx, owner, req)
	})
	select {
	case <-ctx.Done():
		return Result{}, errors.Wrapf(ctx.Err(), "generate %s", fp)
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		if r.Shared {
			g.logger.Debug("joined in-flight generation of %s", fp)
		}
		return r.Val.(Result), nil
	}
}

func (g *Generator) generate(ctx context.Context, owner report.Owner, req report.Request) (Result, error) {
	if hit := g.store.Lookup(ctx, owner, req); hit.Hit {
		return Result{
			Location:    hit.ArtifactLocation,
			Fingerprint: hit.Fingerprint,
			Cached:      true,
			RecordCount: hit.Entry.RecordCount,
			Duration:    hit.Entry.GenerationDuration,
		}, nil
	}

	started := g.clock.Now()
	artifact, err := g.renderer.Render(ctx, owner, req)
	if err != nil {
		return Result{}, errors.Wrapf(err, "render %s report", req.Kind.Normalize())
	}
	if artifact.Location == "" {
		return Result{}, errors.Newf("render %s report: renderer returned no location", req.Kind.Normalize())
	}
	duration := artifact.Duration
	if duration <= 0 {
		duration = g.clock.Since(started)
	}
	res := Result{
		Location:    artifact.Location,
		Fingerprint: g.store.Fingerprint(owner, req),
		RecordCount: artifact.RecordCount,
		Duration:    duration,
	}
	// the report is good even when caching it is not
	if _, err := g.store.Put(ctx, owner, req, artifact.Location, artifact.RecordCount, duration); err != nil {
		g.logger.Warn("generated %s but could not cache it: %v", artifact.Location, err)
	}
	g.logger.Debug("rendered %s for %s in %s", artifact.Location, owner, duration)
	return res, nil
}

// Run executes a scheduled job: generate the report, then deliver it when
// the job has an output config and a deliverer is set.
func (g *Generator) Run(ctx context.Context, def schedule.Definition) error {
	res, err := g.Generate(ctx, def.Owner, def.Job.Request)
	if err != nil {
		return errors.Wrapf(err, "schedule %s", def.ID)
	}
	if g.deliverer == nil || len(def.Job.Output) == 0 {
		return nil
	}
	if err := g.deliverer.Deliver(ctx, def.Owner, res.Location, def.Job.Output); err != nil {
		return errors.Wrapf(err, "deliver schedule %s", def.ID)
	}
	return nil
}
