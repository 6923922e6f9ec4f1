// Package scheduler runs due report schedules on a bounded worker pool.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/go-reportcache/guard"
	"github.com/agentuity/go-reportcache/logger"
	"github.com/agentuity/go-reportcache/schedule"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"
)

// Skip reasons, used in logs and metrics.
const (
	SkipRunning  = "already_running"
	SkipPoolFull = "pool_full"
	SkipGuard    = "guard_error"
	// SkipStale is used when the schedule changed after it was listed.
	SkipStale = "not_due"
)

// Runner executes one scheduled job.
type Runner interface {
	Run(ctx context.Context, def schedule.Definition) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, def schedule.Definition) error

func (f RunnerFunc) Run(ctx context.Context, def schedule.Definition) error {
	return f(ctx, def)
}

// Loop polls the schedule store and dispatches due schedules. Each run
// holds the guard for its schedule id until its bookkeeping is written.
type Loop struct {
	store  schedule.Store
	guard  guard.Guard
	runner Runner
	pool   *semaphore.Weighted
	cfg    config
	logger logger.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	runs      sync.WaitGroup
	once      sync.Once
}

func New(store schedule.Store, g guard.Guard, runner Runner, opts ...Option) *Loop {
	cfg := applyOptions(opts)
	return &Loop{
		store:  store,
		guard:  g,
		runner: runner,
		pool:   semaphore.NewWeighted(int64(cfg.workers)),
		cfg:    cfg,
		logger: cfg.logger.WithPrefix("[scheduler]"),
	}
}

// Start launches the poll loop and the periodic maintenance tasks.
func (l *Loop) Start(parent context.Context) {
	l.ctx, l.cancel = context.WithCancel(parent)
	l.every(l.cfg.pollInterval, func(ctx context.Context) { l.Poll(ctx) })
	l.every(l.cfg.neverRunInterval, func(ctx context.Context) { l.SweepNeverRun(ctx) })
	l.every(l.cfg.errorMonitorInterval, func(ctx context.Context) { l.MonitorErrors(ctx) })
	if l.cfg.statsSchedule != "" {
		l.waitGroup.Add(1)
		go l.statsLoop()
	}
	l.logger.Info("started: polling every %s with %d workers", l.cfg.pollInterval, l.cfg.workers)
}

// Stop ends the loops and waits for in-flight runs to finish.
func (l *Loop) Stop() {
	l.once.Do(func() {
		if l.cancel != nil {
			l.cancel()
		}
		l.waitGroup.Wait()
		l.runs.Wait()
		l.logger.Info("stopped")
	})
}

// Wait blocks until every dispatched run has finished.
func (l *Loop) Wait() {
	l.runs.Wait()
}

func (l *Loop) every(interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	l.waitGroup.Add(1)
	go func() {
		defer l.waitGroup.Done()
		ticker := l.cfg.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.ctx.Done():
				return
			case <-ticker.Chan():
				fn(l.ctx)
			}
		}
	}()
}

func (l *Loop) statsLoop() {
	defer l.waitGroup.Done()
	rule := schedule.Custom{Expression: l.cfg.statsSchedule}
	for {
		now := l.cfg.clock.Now()
		next, ok := schedule.NextRun(rule, now)
		if !ok {
			l.logger.Error("statistics schedule %q never fires, statistics log disabled", l.cfg.statsSchedule)
			return
		}
		timer := l.cfg.clock.NewTimer(next.Sub(now))
		select {
		case <-l.ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
			l.LogStats(l.ctx)
		}
	}
}

// Poll dispatches every due schedule and returns how many were started.
func (l *Loop) Poll(ctx context.Context) int {
	due, err := l.store.ListDue(ctx, l.cfg.clock.Now())
	if err != nil {
		l.logger.Error("listing due schedules: %v", err)
		return 0
	}
	return l.dispatch(ctx, due, schedule.Definition.Due)
}

// SweepNeverRun dispatches schedules that never ran although their first
// trigger has passed.
func (l *Loop) SweepNeverRun(ctx context.Context) int {
	missed, err := l.store.ListNeverRun(ctx, l.cfg.clock.Now())
	if err != nil {
		l.logger.Error("listing never-run schedules: %v", err)
		return 0
	}
	if len(missed) > 0 {
		l.logger.Info("found %d schedules that missed their first run", len(missed))
	}
	return l.dispatch(ctx, missed, schedule.Definition.NeverRun)
}

// dispatch starts every listed definition that still satisfies eligible
// once its claim is held. The listing may predate a run that finished
// in between, so the definition is read again under the claim.
func (l *Loop) dispatch(ctx context.Context, defs []schedule.Definition, eligible func(schedule.Definition, time.Time) bool) int {
	var started int
	for _, listed := range defs {
		ok, err := l.guard.TryAcquire(ctx, listed.ID)
		if err != nil {
			l.logger.Error("guard for schedule %s: %v", listed.ID, err)
			l.cfg.recorder.ScheduleSkipped(ctx, SkipGuard)
			continue
		}
		if !ok {
			l.logger.Debug("schedule %s is still running, skipping", listed.ID)
			l.cfg.recorder.ScheduleSkipped(ctx, SkipRunning)
			continue
		}
		def, err := l.store.Get(ctx, listed.ID)
		if err != nil || !eligible(def, l.cfg.clock.Now()) {
			l.release(ctx, listed.ID)
			if err != nil {
				l.logger.Warn("reloading schedule %s: %v", listed.ID, err)
			} else {
				l.logger.Debug("schedule %s already ran, skipping", listed.ID)
			}
			l.cfg.recorder.ScheduleSkipped(ctx, SkipStale)
			continue
		}
		if !l.pool.TryAcquire(1) {
			l.release(ctx, def.ID)
			l.logger.Warn("worker pool is full, schedule %s waits for the next cycle", def.ID)
			l.cfg.recorder.ScheduleSkipped(ctx, SkipPoolFull)
			continue
		}
		l.runs.Add(1)
		started++
		go l.execute(context.WithoutCancel(ctx), def)
	}
	return started
}

func (l *Loop) release(ctx context.Context, id string) {
	if err := l.guard.Release(ctx, id); err != nil {
		l.logger.Error("releasing schedule %s: %v", id, err)
	}
}

func (l *Loop) execute(ctx context.Context, def schedule.Definition) {
	defer l.runs.Done()
	defer l.pool.Release(1)
	defer l.release(ctx, def.ID)

	log := l.logger.With(map[string]interface{}{"schedule": def.ID, "owner": def.Owner.String()})
	started := l.cfg.clock.Now()
	log.Info("running %q (%s)", def.Name, def.Rule)
	err := l.run(ctx, def)
	l.reconcile(ctx, log, def, started, err)
}

// run calls the runner, turning a panic into an error.
func (l *Loop) run(ctx context.Context, def schedule.Definition) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
		}
	}()
	return l.runner.Run(ctx, def)
}

// reconcile records the outcome and schedules the next run. It runs before
// the guard is released so the next poll sees the new next run time.
func (l *Loop) reconcile(ctx context.Context, log logger.Logger, def schedule.Definition, started time.Time, runErr error) {
	now := l.cfg.clock.Now()
	current, err := l.store.Get(ctx, def.ID)
	if err != nil {
		log.Warn("reloading schedule before recording its run: %v", err)
		current = def
	}
	next, ok := schedule.NextRun(current.Rule, now)
	if !ok {
		log.Error("schedule has no next run")
	}
	run := schedule.Run{At: now, NextRunAt: next}
	if runErr != nil {
		run.Err = runErr.Error()
	}
	updated, err := l.store.RecordRun(ctx, def.ID, run)
	if err != nil {
		log.Error("recording run: %v", err)
	}
	duration := now.Sub(started)
	kind := ""
	if current.Rule != nil {
		kind = string(current.Rule.Kind())
	}
	l.cfg.recorder.ScheduleRun(ctx, kind, duration, runErr)
	if runErr != nil {
		log.Error("run failed after %s, status %s, next run %s: %v", duration, updated.Status, next.Format(time.RFC3339), runErr)
		return
	}
	log.Info("run finished in %s, next run %s", duration, next.Format(time.RFC3339))
}

// MonitorErrors logs every schedule in the error state and returns them.
func (l *Loop) MonitorErrors(ctx context.Context) []schedule.Definition {
	failing, err := l.store.ListByStatus(ctx, schedule.StatusError)
	if err != nil {
		l.logger.Error("listing failing schedules: %v", err)
		return nil
	}
	for _, def := range failing {
		l.logger.Warn("schedule %s %q of %s is failing since %s: %s",
			def.ID, def.Name, def.Owner, def.LastRunAt.Format(time.RFC3339), def.LastError)
	}
	if len(failing) > 0 {
		l.logger.Warn("%d schedules need attention", len(failing))
	}
	return failing
}

// LogStats logs schedule totals per status and rule kind.
func (l *Loop) LogStats(ctx context.Context) (schedule.Stats, error) {
	stats, err := l.store.Stats(ctx)
	if err != nil {
		l.logger.Error("schedule statistics: %v", err)
		return stats, err
	}
	l.logger.Info("schedules: %d total, %d active, %d error, %d disabled; %d daily, %d weekly, %d monthly, %d custom",
		stats.Total,
		stats.ByStatus[schedule.StatusActive], stats.ByStatus[schedule.StatusError], stats.ByStatus[schedule.StatusDisabled],
		stats.ByRule[schedule.KindDaily], stats.ByRule[schedule.KindWeekly], stats.ByRule[schedule.KindMonthly], stats.ByRule[schedule.KindCustom])
	return stats, nil
}
