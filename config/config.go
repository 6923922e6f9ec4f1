// Package config loads reportd settings from a YAML file overlaid by
// REPORTCACHE_* environment variables.
package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/agentuity/go-reportcache/cache"
	"github.com/agentuity/go-reportcache/guard"
	"github.com/agentuity/go-reportcache/logger"
	"github.com/agentuity/go-reportcache/report"
	"github.com/agentuity/go-reportcache/schedule"
	"github.com/agentuity/go-reportcache/scheduler"
	"github.com/agentuity/go-reportcache/telemetry"
	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "REPORTCACHE_"

type Config struct {
	Cache     Cache     `yaml:"cache" envPrefix:"CACHE_"`
	Janitor   Janitor   `yaml:"janitor" envPrefix:"JANITOR_"`
	Scheduler Scheduler `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Guard     Guard     `yaml:"guard" envPrefix:"GUARD_"`
	Storage   Storage   `yaml:"storage" envPrefix:"STORAGE_"`
	Log       Log       `yaml:"log" envPrefix:"LOG_"`
	Telemetry Telemetry `yaml:"telemetry" envPrefix:"OTLP_"`
}

type Cache struct {
	Enabled    bool     `yaml:"enabled" env:"ENABLED"`
	DefaultTTL Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	SystemTTL  Duration `yaml:"system_ttl" env:"SYSTEM_TTL"`
	// KindTTL overrides the TTL per report kind. File only.
	KindTTL            map[string]Duration `yaml:"kind_ttl"`
	MaxEntriesPerOwner int                 `yaml:"max_entries_per_owner" env:"MAX_ENTRIES_PER_OWNER"`
	MaxTotalSize       ByteSize            `yaml:"max_total_size" env:"MAX_TOTAL_SIZE"`
	EvictionGrace      Duration            `yaml:"eviction_grace" env:"EVICTION_GRACE"`
	BreakerFailures    int                 `yaml:"breaker_failures" env:"BREAKER_FAILURES"`
	BreakerCooldown    Duration            `yaml:"breaker_cooldown" env:"BREAKER_COOLDOWN"`
	ArtifactRoot       string              `yaml:"artifact_root" env:"ARTIFACT_ROOT"`
}

type Janitor struct {
	Interval       Duration `yaml:"interval" env:"INTERVAL"`
	UnusedAfter    Duration `yaml:"unused_after" env:"UNUSED_AFTER"`
	LocalStaleness Duration `yaml:"local_staleness" env:"LOCAL_STALENESS"`
	PruneAfter     Duration `yaml:"prune_after" env:"PRUNE_AFTER"`
}

type Scheduler struct {
	Enabled              bool     `yaml:"enabled" env:"ENABLED"`
	PollInterval         Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	NeverRunInterval     Duration `yaml:"never_run_interval" env:"NEVER_RUN_INTERVAL"`
	ErrorMonitorInterval Duration `yaml:"error_monitor_interval" env:"ERROR_MONITOR_INTERVAL"`
	StatsSchedule        string   `yaml:"stats_schedule" env:"STATS_SCHEDULE"`
	Workers              int      `yaml:"workers" env:"WORKERS"`
	MaxPerOwner          int      `yaml:"max_per_owner" env:"MAX_PER_OWNER"`
}

type Guard struct {
	StaleAfter Duration `yaml:"stale_after" env:"STALE_AFTER"`
	// RedisURL selects the shared guard; the in-process guard is used when empty.
	RedisURL string `yaml:"redis_url" env:"REDIS_URL"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

type Storage struct {
	// Path of the SQLite database.
	Path string `yaml:"path" env:"PATH"`
}

type Log struct {
	Format string `yaml:"format" env:"FORMAT"`
	Level  string `yaml:"level" env:"LEVEL"`
}

type Telemetry struct {
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	MetricsEndpoint string `yaml:"metrics_endpoint" env:"METRICS_ENDPOINT"`
	AuthToken       string `yaml:"auth_token" env:"AUTH_TOKEN"`
	ServiceName     string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the built-in settings.
func Default() Config {
	ttl := cache.DefaultTTLPolicy()
	kinds := make(map[string]Duration, len(ttl.ByKind))
	for kind, d := range ttl.ByKind {
		kinds[string(kind)] = Duration(d)
	}
	return Config{
		Cache: Cache{
			Enabled:            true,
			DefaultTTL:         Duration(ttl.Default),
			SystemTTL:          Duration(ttl.System),
			KindTTL:            kinds,
			MaxEntriesPerOwner: cache.DefaultMaxEntriesPerOwner,
			MaxTotalSize:       ByteSize(cache.DefaultMaxTotalBytes),
			EvictionGrace:      Duration(cache.DefaultEvictionGrace),
			BreakerFailures:    cache.DefaultBreakerFailures,
			BreakerCooldown:    Duration(cache.DefaultBreakerCooldown),
			ArtifactRoot:       "reports",
		},
		Janitor: Janitor{
			Interval:       Duration(cache.DefaultJanitorInterval),
			UnusedAfter:    Duration(cache.DefaultUnusedAfter),
			LocalStaleness: Duration(cache.DefaultLocalStaleness),
			PruneAfter:     Duration(cache.DefaultPruneAfter),
		},
		Scheduler: Scheduler{
			Enabled:              true,
			PollInterval:         Duration(scheduler.DefaultPollInterval),
			NeverRunInterval:     Duration(scheduler.DefaultNeverRunInterval),
			ErrorMonitorInterval: Duration(scheduler.DefaultErrorMonitorInterval),
			StatsSchedule:        scheduler.DefaultStatsSchedule,
			Workers:              scheduler.DefaultWorkers,
			MaxPerOwner:          schedule.DefaultMaxPerOwner,
		},
		Guard: Guard{
			StaleAfter: Duration(guard.DefaultStaleAfter),
			Prefix:     guard.DefaultPrefix,
		},
		Storage: Storage{Path: "reportcache.db"},
		Log:     Log{Format: "console", Level: "info"},
		Telemetry: Telemetry{
			ServiceName: "reportd",
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), then
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, errors.Wrap(err, "open config")
		}
		defer f.Close()
		if err := Decode(f, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "read %s", path)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, errors.Wrap(err, "parse env")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Decode overlays YAML from r onto cfg. Unknown keys are rejected and
// kind_ttl entries are merged over the existing ones by normalized kind.
func Decode(r io.Reader, cfg *Config) error {
	kinds := cfg.Cache.KindTTL
	cfg.Cache.KindTTL = nil
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	merged := make(map[string]Duration, len(kinds)+len(cfg.Cache.KindTTL))
	for _, m := range []map[string]Duration{kinds, cfg.Cache.KindTTL} {
		for kind, d := range m {
			merged[string(report.Kind(kind).Normalize())] = d
		}
	}
	cfg.Cache.KindTTL = merged
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var problems []string
	if c.Cache.MaxEntriesPerOwner < 0 {
		problems = append(problems, "cache.max_entries_per_owner must not be negative")
	}
	if c.Cache.MaxTotalSize < 0 {
		problems = append(problems, "cache.max_total_size must not be negative")
	}
	for kind := range c.Cache.KindTTL {
		if strings.TrimSpace(kind) == "" {
			problems = append(problems, "cache.kind_ttl has an empty kind")
		}
	}
	if c.Janitor.Interval <= 0 {
		problems = append(problems, "janitor.interval must be positive")
	}
	if c.Scheduler.PollInterval <= 0 {
		problems = append(problems, "scheduler.poll_interval must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		problems = append(problems, "scheduler.workers must be positive")
	}
	if c.Scheduler.MaxPerOwner <= 0 {
		problems = append(problems, "scheduler.max_per_owner must be positive")
	}
	if c.Scheduler.StatsSchedule != "" {
		if err := (schedule.Custom{Expression: c.Scheduler.StatsSchedule}).Validate(); err != nil {
			problems = append(problems, "scheduler.stats_schedule: "+err.Error())
		}
	}
	if c.Storage.Path == "" {
		problems = append(problems, "storage.path is required")
	}
	if _, err := logger.New(c.Log.Format, logger.LevelInfo); err != nil {
		problems = append(problems, "log.format: "+err.Error())
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, "log.level: "+err.Error())
	}
	if len(problems) > 0 {
		return errors.Newf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// TTLPolicy builds the cache TTL table.
func (c Cache) TTLPolicy() cache.TTLPolicy {
	policy := cache.TTLPolicy{
		Default: c.DefaultTTL.Std(),
		System:  c.SystemTTL.Std(),
		ByKind:  make(map[report.Kind]time.Duration, len(c.KindTTL)),
	}
	for kind, d := range c.KindTTL {
		policy.ByKind[report.Kind(kind).Normalize()] = d.Std()
	}
	return policy
}

// StoreOptions returns the cache.Store options for these settings.
func (c Cache) StoreOptions() []cache.Option {
	return []cache.Option{
		cache.WithEnabled(c.Enabled),
		cache.WithTTLPolicy(c.TTLPolicy()),
		cache.WithMaxEntriesPerOwner(c.MaxEntriesPerOwner),
		cache.WithMaxTotalBytes(int64(c.MaxTotalSize)),
		cache.WithEvictionGrace(c.EvictionGrace.Std()),
		cache.WithBreaker(c.BreakerFailures, c.BreakerCooldown.Std()),
	}
}

func (j Janitor) Options() []cache.JanitorOption {
	return []cache.JanitorOption{
		cache.WithJanitorInterval(j.Interval.Std()),
		cache.WithUnusedAfter(j.UnusedAfter.Std()),
		cache.WithLocalStaleness(j.LocalStaleness.Std()),
		cache.WithPruneAfter(j.PruneAfter.Std()),
	}
}

func (s Scheduler) Options() []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithPollInterval(s.PollInterval.Std()),
		scheduler.WithNeverRunInterval(s.NeverRunInterval.Std()),
		scheduler.WithErrorMonitorInterval(s.ErrorMonitorInterval.Std()),
		scheduler.WithStatsSchedule(s.StatsSchedule),
		scheduler.WithWorkers(s.Workers),
	}
}

func (g Guard) Options() []guard.Option {
	opts := []guard.Option{guard.WithStaleAfter(g.StaleAfter.Std())}
	if g.Prefix != "" {
		opts = append(opts, guard.WithPrefix(g.Prefix))
	}
	return opts
}

// NewLogger builds the configured console or JSON logger.
func (l Log) NewLogger() (logger.Logger, logger.LogLevel, error) {
	level, err := logger.ParseLevel(l.Level)
	if err != nil {
		return nil, level, err
	}
	log, err := logger.New(l.Format, level)
	return log, level, err
}

// Enabled reports whether OTLP export is configured.
func (t Telemetry) Enabled() bool {
	return t.Endpoint != ""
}

// Options converts the settings for telemetry.New.
func (t Telemetry) Options(level logger.LogLevel) telemetry.Options {
	return telemetry.Options{
		Endpoint:        t.Endpoint,
		MetricsEndpoint: t.MetricsEndpoint,
		AuthToken:       t.AuthToken,
		ServiceName:     t.ServiceName,
		LogLevel:        level,
	}
}
