// Package guard keeps at most one execution of a job in flight.
package guard

import (
	"context"
	"time"

	"github.com/agentuity/go-reportcache/logger"
	"github.com/jonboulle/clockwork"
)

// DefaultStaleAfter is how long a claim survives a holder that crashed
// without releasing it.
const DefaultStaleAfter = time.Hour

// DefaultPrefix namespaces the Redis keys of the shared guard.
const DefaultPrefix = "reportcache:running:"

// Execution is an in-flight claim on a job.
type Execution struct {
	JobID     string
	Handle    string
	StartedAt time.Time
}

// Guard hands out exclusive claims on job ids. Contention is not an error:
// TryAcquire returns false and the caller tries again later.
type Guard interface {
	TryAcquire(ctx context.Context, jobID string) (bool, error)
	// Release drops this guard's claim on jobID. Releasing a job it does not
	// hold is a no-op.
	Release(ctx context.Context, jobID string) error
	Running(ctx context.Context) ([]Execution, error)
}

type config struct {
	staleAfter time.Duration
	prefix     string
	clock      clockwork.Clock
	logger     logger.Logger
}

type Option func(*config)

// WithStaleAfter sets the crash-recovery timeout; zero keeps claims until
// they are released.
func WithStaleAfter(d time.Duration) Option {
	return func(c *config) {
		c.staleAfter = d
	}
}

// WithPrefix sets the key prefix of the Redis guard.
func WithPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
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

func applyOptions(opts []Option) config {
	cfg := config{
		staleAfter: DefaultStaleAfter,
		prefix:     DefaultPrefix,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = clockwork.NewRealClock()
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	cfg.logger = cfg.logger.WithPrefix("[guard]")
	return cfg
}
