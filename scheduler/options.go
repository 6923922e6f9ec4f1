package scheduler

import (
	"time"

	"github.com/agentuity/go-reportcache/logger"
	"github.com/agentuity/go-reportcache/telemetry"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultPollInterval         = time.Minute
	DefaultNeverRunInterval     = time.Hour
	DefaultErrorMonitorInterval = 6 * time.Hour
	// DefaultStatsSchedule logs schedule statistics at midnight.
	DefaultStatsSchedule = "0 0 * * *"
	DefaultWorkers       = 8
)

type config struct {
	pollInterval         time.Duration
	neverRunInterval     time.Duration
	errorMonitorInterval time.Duration
	statsSchedule        string
	workers              int
	clock                clockwork.Clock
	logger               logger.Logger
	recorder             telemetry.Recorder
}

type Option func(*config)

func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		c.pollInterval = d
	}
}

// WithNeverRunInterval sets how often schedules that missed their first
// trigger are looked for; zero disables the sweep.
func WithNeverRunInterval(d time.Duration) Option {
	return func(c *config) {
		c.neverRunInterval = d
	}
}

// WithErrorMonitorInterval sets how often failing schedules are reported;
// zero disables the monitor.
func WithErrorMonitorInterval(d time.Duration) Option {
	return func(c *config) {
		c.errorMonitorInterval = d
	}
}

// WithStatsSchedule sets the cron expression for the statistics log; an
// empty expression disables it.
func WithStatsSchedule(expr string) Option {
	return func(c *config) {
		c.statsSchedule = expr
	}
}

// WithWorkers bounds how many runs execute at once.
func WithWorkers(n int) Option {
	return func(c *config) {
		c.workers = n
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

func WithLogger(log logger.Logger) Option {
	return func(c *config) {
		c.logger = log
	}
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(c *config) {
		c.recorder = r
	}
}

func applyOptions(opts []Option) config {
	cfg := config{
		pollInterval:         DefaultPollInterval,
		neverRunInterval:     DefaultNeverRunInterval,
		errorMonitorInterval: DefaultErrorMonitorInterval,
		statsSchedule:        DefaultStatsSchedule,
		workers:              DefaultWorkers,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.pollInterval <= 0 {
		cfg.pollInterval = DefaultPollInterval
	}
	if cfg.workers <= 0 {
		cfg.workers = DefaultWorkers
	}
	if cfg.clock == nil {
		cfg.clock = clockwork.NewRealClock()
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	if cfg.recorder == nil {
		cfg.recorder = telemetry.Default()
	}
	return cfg
}
