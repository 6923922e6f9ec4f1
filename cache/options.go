package cache

import (
	"time"

	"github.com/agentuity/go-reportcache/logger"
	"github.com/agentuity/go-reportcache/telemetry"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultMaxEntriesPerOwner is the per-owner quota of valid entries.
	DefaultMaxEntriesPerOwner = 10
	// DefaultMaxTotalBytes is the global budget for valid artifact bytes.
	DefaultMaxTotalBytes int64 = 500 * 1024 * 1024
	// DefaultEvictionGrace protects recently used entries from budget eviction.
	DefaultEvictionGrace = 2 * time.Hour
	// DefaultBreakerFailures consecutive durable failures open the breaker.
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second
)

type config struct {
	enabled         bool
	ttl             TTLPolicy
	maxPerOwner     int
	maxTotalBytes   int64
	evictionGrace   time.Duration
	breakerFailures int
	breakerCooldown time.Duration
	fast            FastTier
	clock           clockwork.Clock
	logger          logger.Logger
	recorder        telemetry.Recorder
}

type Option func(*config)

// WithEnabled turns caching on or off. A disabled store always misses and
// never writes.
func WithEnabled(enabled bool) Option {
	return func(c *config) {
		c.enabled = enabled
	}
}

func WithTTLPolicy(policy TTLPolicy) Option {
	return func(c *config) {
		c.ttl = policy
	}
}

// WithMaxEntriesPerOwner sets the per-owner quota; zero or less disables it.
func WithMaxEntriesPerOwner(n int) Option {
	return func(c *config) {
		c.maxPerOwner = n
	}
}

// WithMaxTotalBytes sets the global byte budget; zero or less disables it.
func WithMaxTotalBytes(n int64) Option {
	return func(c *config) {
		c.maxTotalBytes = n
	}
}

func WithEvictionGrace(d time.Duration) Option {
	return func(c *config) {
		c.evictionGrace = d
	}
}

// WithBreaker configures the durable tier circuit breaker. failures of zero
// disables it.
func WithBreaker(failures int, cooldown time.Duration) Option {
	return func(c *config) {
		c.breakerFailures = failures
		c.breakerCooldown = cooldown
	}
}

func WithFastTier(fast FastTier) Option {
	return func(c *config) {
		c.fast = fast
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
		enabled:         true,
		ttl:             DefaultTTLPolicy(),
		maxPerOwner:     DefaultMaxEntriesPerOwner,
		maxTotalBytes:   DefaultMaxTotalBytes,
		evictionGrace:   DefaultEvictionGrace,
		breakerFailures: DefaultBreakerFailures,
		breakerCooldown: DefaultBreakerCooldown,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.fast == nil {
		cfg.fast = NewFastTier(0)
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
