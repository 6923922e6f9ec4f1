package guard

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/agentuity/go-reportcache/shardmap"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the claim only while it still carries our token.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. "|" then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Guard shared by every process using the same Redis. Claims
// expire after the stale timeout so a crashed holder cannot block a job
// forever.
type Redis struct {
	client redis.UniversalClient
	tokens *shardmap.Map[string]
	cfg    config
}

var _ Guard = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	return &Redis{
		client: client,
		tokens: shardmap.New[string](0),
		cfg:    applyOptions(opts),
	}
}

func (g *Redis) key(jobID string) string {
	return g.cfg.prefix + jobID
}

func (g *Redis) TryAcquire(ctx context.Context, jobID string) (bool, error) {
	token := uuid.NewString()
	value := token + "|" + strconv.FormatInt(g.cfg.clock.Now().UnixNano(), 10)
	ttl := g.cfg.staleAfter
	if ttl < 0 {
		ttl = 0
	}
	ok, err := g.client.SetNX(ctx, g.key(jobID), value, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "acquire %s", jobID)
	}
	if ok {
		g.tokens.Store(jobID, token)
	}
	return ok, nil
}

func (g *Redis) Release(ctx context.Context, jobID string) error {
	token, ok := g.tokens.Load(jobID)
	if !ok {
		return nil
	}
	g.tokens.Delete(jobID)
	n, err := releaseScript.Run(ctx, g.client, []string{g.key(jobID)}, token).Int()
	if err != nil {
		return errors.Wrapf(err, "release %s", jobID)
	}
	if n == 0 {
		g.cfg.logger.Warn("claim on %s expired before release", jobID)
	}
	return nil
}

// Running returns every claim held in Redis, oldest first.
func (g *Redis) Running(ctx context.Context) ([]Execution, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := g.client.Scan(ctx, cursor, g.cfg.prefix+"*", 100).Result()
		if err != nil {
			return nil, errors.Wrap(err, "scan running jobs")
		}
		keys = append(keys, batch...)
		if cursor = next; cursor == 0 {
			break
		}
	}
	out := make([]Execution, 0, len(keys))
	for _, key := range keys {
		value, err := g.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", key)
		}
		out = append(out, parseExecution(strings.TrimPrefix(key, g.cfg.prefix), value))
	}
	slices.SortFunc(out, func(a, b Execution) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.JobID, b.JobID)
	})
	return out, nil
}

func parseExecution(jobID, value string) Execution {
	e := Execution{JobID: jobID, Handle: value}
	if token, started, ok := strings.Cut(value, "|"); ok {
		e.Handle = token
		if nanos, err := strconv.ParseInt(started, 10, 64); err == nil {
			e.StartedAt = time.Unix(0, nanos).UTC()
		}
	}
	return e
}
