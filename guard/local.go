package guard

import (
	"cmp"
	"context"
	"slices"

	"github.com/agentuity/go-reportcache/shardmap"
	"github.com/google/uuid"
)

// Local is a Guard for a single process.
type Local struct {
	running *shardmap.Map[Execution]
	cfg     config
}

var _ Guard = (*Local)(nil)

func NewLocal(opts ...Option) *Local {
	return &Local{
		running: shardmap.New[Execution](0),
		cfg:     applyOptions(opts),
	}
}

func (g *Local) TryAcquire(_ context.Context, jobID string) (bool, error) {
	now := g.cfg.clock.Now()
	var (
		acquired bool
		stale    Execution
	)
	g.running.Update(jobID, func(cur Execution, exists bool) (Execution, bool) {
		if exists && (g.cfg.staleAfter <= 0 || now.Sub(cur.StartedAt) < g.cfg.staleAfter) {
			return cur, true
		}
		if exists {
			stale = cur
		}
		acquired = true
		return Execution{JobID: jobID, Handle: uuid.NewString(), StartedAt: now}, true
	})
	if stale.Handle != "" {
		g.cfg.logger.Warn("taking over %s from execution %s started %s ago", jobID, stale.Handle, now.Sub(stale.StartedAt))
	}
	return acquired, nil
}

func (g *Local) Release(_ context.Context, jobID string) error {
	g.running.Delete(jobID)
	return nil
}

// Running returns the in-flight executions, oldest first.
func (g *Local) Running(_ context.Context) ([]Execution, error) {
	var out []Execution
	g.running.Range(func(_ string, e Execution) bool {
		out = append(out, e)
		return true
	})
	slices.SortFunc(out, func(a, b Execution) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.JobID, b.JobID)
	})
	return out, nil
}
