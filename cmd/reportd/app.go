package main

import (
	"context"
	"database/sql"
	"strings"

	"github.com/agentuity/go-reportcache/cache"
	"github.com/agentuity/go-reportcache/config"
	"github.com/agentuity/go-reportcache/generator"
	"github.com/agentuity/go-reportcache/guard"
	"github.com/agentuity/go-reportcache/logger"
	"github.com/agentuity/go-reportcache/report"
	"github.com/agentuity/go-reportcache/schedule"
	"github.com/agentuity/go-reportcache/storage"
	"github.com/agentuity/go-reportcache/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// app holds everything a command needs, built from the config.
type app struct {
	cfg       config.Config
	logger    logger.Logger
	db        *sql.DB
	artifacts *report.FileStore
	cache     *cache.Store
	janitor   *cache.Janitor
	schedules schedule.Store
	service   *schedule.Service
	closers   []func()
}

func newApp(cmd *cobra.Command, withTelemetry bool) (*app, error) {
	ctx := cmd.Context()
	envFile, _ := cmd.Flags().GetString("env-file")
	if _, err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(config.FlagOrEnv(cmd, "config", "REPORTCACHE_CONFIG", ""))
	if err != nil {
		return nil, err
	}
	log, level, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log}

	noTelemetry, _ := cmd.Flags().GetBool("no-telemetry")
	if withTelemetry && !noTelemetry && cfg.Telemetry.Enabled() {
		otelLog, shutdown, err := telemetry.New(ctx, cfg.Telemetry.Options(level))
		if err != nil {
			return nil, err
		}
		a.logger = log.Stack(otelLog)
		a.closers = append(a.closers, shutdown)
	}

	a.db, err = storage.Open(ctx, cfg.Storage.Path)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() { a.db.Close() })

	durable, err := cache.NewSQLiteDurable(ctx, a.db)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.schedules, err = schedule.NewSQLiteStore(ctx, a.db)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.artifacts = report.NewFileStore(cfg.Cache.ArtifactRoot)
	recorder := telemetry.Default()
	opts := append(cfg.Cache.StoreOptions(), cache.WithLogger(a.logger), cache.WithRecorder(recorder))
	a.cache = cache.NewStore(durable, a.artifacts, opts...)
	a.janitor = cache.NewJanitor(a.cache, cfg.Janitor.Options()...)
	a.service = schedule.NewService(a.schedules,
		schedule.WithServiceLogger(a.logger),
		schedule.WithMaxPerOwner(cfg.Scheduler.MaxPerOwner))
	return a, nil
}

// newGuard returns the Redis guard when a Redis URL is configured and the
// in-process guard otherwise.
func (a *app) newGuard(ctx context.Context) (guard.Guard, error) {
	opts := append(a.cfg.Guard.Options(), guard.WithLogger(a.logger))
	if a.cfg.Guard.RedisURL == "" {
		a.logger.Warn("no redis configured, schedules are only guarded within this process")
		return guard.NewLocal(opts...), nil
	}
	redisOpts, err := redis.ParseURL(a.cfg.Guard.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "connect to redis")
	}
	a.closers = append(a.closers, func() { client.Close() })
	return guard.NewRedis(client, opts...), nil
}

func (a *app) newGenerator() *generator.Generator {
	return generator.New(a.cache, newPlaceholderRenderer(a.artifacts.Root),
		generator.WithLogger(a.logger),
		generator.WithDeliverer(&logDeliverer{logger: a.logger.WithPrefix("[delivery]")}))
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// parseOwner accepts "system", a canonical owner string, or a bare user id.
func parseOwner(s string) (report.Owner, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return report.Owner{}, errors.New("--owner is required")
	case strings.EqualFold(s, "system"):
		return report.System(), nil
	case strings.Contains(s, ":"):
		return report.ParseOwner(s)
	}
	return report.User(s), nil
}

func shortID(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
