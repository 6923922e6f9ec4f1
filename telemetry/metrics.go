package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// InstrumentationName is the meter name used by Default.
const InstrumentationName = "github.com/agentuity/go-reportcache"

// Lookup outcomes.
const (
	OutcomeFastHit    = "fast_hit"
	OutcomeDurableHit = "durable_hit"
	OutcomeMiss       = "miss"
	OutcomeDisabled   = "disabled"
)

// Recorder records cache and scheduler metrics. Implementations are safe for
// concurrent use and never fail the caller.
type Recorder interface {
	CacheLookup(ctx context.Context, kind string, outcome string)
	CachePut(ctx context.Context, kind string, stored bool)
	CacheInvalidated(ctx context.Context, reason string, n int)
	JanitorSweep(ctx context.Context, d time.Duration)
	ScheduleRun(ctx context.Context, rule string, d time.Duration, err error)
	ScheduleSkipped(ctx context.Context, reason string)
}

type recorder struct {
	lookups     metric.Int64Counter
	puts        metric.Int64Counter
	invalidated metric.Int64Counter
	sweepTime   metric.Float64Histogram
	runs        metric.Int64Counter
	runDuration metric.Float64Histogram
	skippedRuns metric.Int64Counter
}

var _ Recorder = (*recorder)(nil)

// NewRecorder creates the instruments on meter.
func NewRecorder(meter metric.Meter) (Recorder, error) {
	var r recorder
	var err error
	if r.lookups, err = meter.Int64Counter(
		"reportcache.cache.lookups",
		metric.WithDescription("Report cache lookups by outcome"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}
	if r.puts, err = meter.Int64Counter(
		"reportcache.cache.puts",
		metric.WithDescription("Report cache writes"),
		metric.WithUnit("{put}"),
	); err != nil {
		return nil, err
	}
	if r.invalidated, err = meter.Int64Counter(
		"reportcache.cache.invalidated",
		metric.WithDescription("Cache entries invalidated by reason"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if r.sweepTime, err = meter.Float64Histogram(
		"reportcache.janitor.duration_ms",
		metric.WithDescription("Janitor sweep duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if r.runs, err = meter.Int64Counter(
		"reportcache.schedule.runs",
		metric.WithDescription("Scheduled report runs by outcome"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if r.runDuration, err = meter.Float64Histogram(
		"reportcache.schedule.duration_ms",
		metric.WithDescription("Scheduled run duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if r.skippedRuns, err = meter.Int64Counter(
		"reportcache.schedule.skipped",
		metric.WithDescription("Due schedules skipped this cycle by reason"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// Default returns a Recorder on the global meter provider, falling back to
// Noop if the instruments cannot be created.
func Default() Recorder {
	r, err := NewRecorder(otel.Meter(InstrumentationName))
	if err != nil {
		return Noop()
	}
	return r
}

// Noop returns a Recorder that discards everything.
func Noop() Recorder {
	r, _ := NewRecorder(noop.NewMeterProvider().Meter(InstrumentationName))
	return r
}

func (r *recorder) CacheLookup(ctx context.Context, kind string, outcome string) {
	r.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("report.kind", kind),
		attribute.String("outcome", outcome),
	))
}

func (r *recorder) CachePut(ctx context.Context, kind string, stored bool) {
	r.puts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("report.kind", kind),
		attribute.Bool("stored", stored),
	))
}

func (r *recorder) CacheInvalidated(ctx context.Context, reason string, n int) {
	if n <= 0 {
		return
	}
	r.invalidated.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

func (r *recorder) JanitorSweep(ctx context.Context, d time.Duration) {
	r.sweepTime.Record(ctx, float64(d.Milliseconds()))
}

func (r *recorder) ScheduleRun(ctx context.Context, rule string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	opt := metric.WithAttributes(attribute.String("rule", rule), attribute.String("outcome", outcome))
	r.runs.Add(ctx, 1, opt)
	r.runDuration.Record(ctx, float64(d.Milliseconds()), opt)
}

func (r *recorder) ScheduleSkipped(ctx context.Context, reason string) {
	r.skippedRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
