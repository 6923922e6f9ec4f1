package schedule

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/agentuity/go-reportcache/report"
	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned for unknown or deleted schedules.
var ErrNotFound = errors.New("schedule not found")

// Store persists schedule definitions. List methods only return active
// (not deleted) definitions.
type Store interface {
	Get(ctx context.Context, id string) (Definition, error)
	Create(ctx context.Context, def Definition) error
	// Update applies an owner change and returns the result.
	Update(ctx context.Context, id string, patch Patch) (Definition, error)
	// RecordRun applies run to the definition and returns the result.
	RecordRun(ctx context.Context, id string, run Run) (Definition, error)
	ListByOwner(ctx context.Context, owner report.Owner) ([]Definition, error)
	// FindByName returns the owner's active definition called name.
	FindByName(ctx context.Context, owner report.Owner, name string) (bool, Definition, error)
	CountActive(ctx context.Context, owner report.Owner) (int, error)
	// ListDue returns definitions due at now, earliest first.
	ListDue(ctx context.Context, now time.Time) ([]Definition, error)
	// ListNeverRun returns active definitions that never ran and whose
	// first trigger is before now.
	ListNeverRun(ctx context.Context, now time.Time) ([]Definition, error)
	ListByStatus(ctx context.Context, status Status) ([]Definition, error)
	Stats(ctx context.Context) (Stats, error)
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mutex sync.Mutex
	defs  map[string]Definition
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[string]Definition)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (Definition, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	def, ok := m.defs[id]
	if !ok {
		return Definition{}, errors.Wrapf(ErrNotFound, "get %s", id)
	}
	return def, nil
}

func (m *MemoryStore) Create(_ context.Context, def Definition) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.defs[def.ID]; ok {
		return errors.Newf("create %s: already exists", def.ID)
	}
	m.defs[def.ID] = def
	return nil
}

func (m *MemoryStore) Update(_ context.Context, id string, patch Patch) (Definition, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	def, ok := m.defs[id]
	if !ok {
		return Definition{}, errors.Wrapf(ErrNotFound, "update %s", id)
	}
	patch.apply(&def)
	m.defs[id] = def
	return def, nil
}

func (m *MemoryStore) RecordRun(_ context.Context, id string, run Run) (Definition, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	def, ok := m.defs[id]
	if !ok {
		return Definition{}, errors.Wrapf(ErrNotFound, "record run %s", id)
	}
	def.apply(run)
	m.defs[id] = def
	return def, nil
}

func (m *MemoryStore) filter(keep func(Definition) bool, compare func(a, b Definition) int) []Definition {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var out []Definition
	for _, def := range m.defs {
		if def.Active && keep(def) {
			out = append(out, def)
		}
	}
	slices.SortFunc(out, compare)
	return out
}

func byCreated(a, b Definition) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func byNextRun(a, b Definition) int {
	if c := a.NextRunAt.Compare(b.NextRunAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func (m *MemoryStore) ListByOwner(_ context.Context, owner report.Owner) ([]Definition, error) {
	return m.filter(func(d Definition) bool { return d.Owner == owner }, byCreated), nil
}

func (m *MemoryStore) FindByName(_ context.Context, owner report.Owner, name string) (bool, Definition, error) {
	found := m.filter(func(d Definition) bool { return d.Owner == owner && d.Name == name }, byCreated)
	if len(found) == 0 {
		return false, Definition{}, nil
	}
	return true, found[0], nil
}

func (m *MemoryStore) CountActive(ctx context.Context, owner report.Owner) (int, error) {
	defs, err := m.ListByOwner(ctx, owner)
	return len(defs), err
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time) ([]Definition, error) {
	return m.filter(func(d Definition) bool { return d.Due(now) }, byNextRun), nil
}

func (m *MemoryStore) ListNeverRun(_ context.Context, now time.Time) ([]Definition, error) {
	return m.filter(func(d Definition) bool { return d.NeverRun(now) }, byNextRun), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]Definition, error) {
	return m.filter(func(d Definition) bool { return d.Status == status }, byCreated), nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	stats := Stats{ByStatus: make(map[Status]int), ByRule: make(map[RuleKind]int)}
	for _, def := range m.filter(func(Definition) bool { return true }, byCreated) {
		stats.Total++
		stats.ByStatus[def.Status]++
		if def.Rule != nil {
			stats.ByRule[def.Rule.Kind()]++
		}
	}
	return stats, nil
}
