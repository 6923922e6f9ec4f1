package cache

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/agentuity/go-reportcache/report"
	"github.com/cockroachdb/errors"
)

type memoryRow struct {
	entry Entry
	seq   int64
}

// MemoryDurable is a DurableTier kept in process memory. It is used by tests
// and by deployments that accept losing the cache index on restart.
type MemoryDurable struct {
	mutex sync.Mutex
	rows  map[string]*memoryRow
	seq   int64
	fail  error
}

var _ DurableTier = (*MemoryDurable)(nil)

// NewMemoryDurable returns an empty in-memory durable tier.
func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{rows: make(map[string]*memoryRow)}
}

// FailWith makes every subsequent call return err until it is called with nil.
func (m *MemoryDurable) FailWith(err error) {
	m.mutex.Lock()
	m.fail = err
	m.mutex.Unlock()
}

func cloneEntry(e Entry) Entry {
	e.Metadata = maps.Clone(e.Metadata)
	return e
}

func (m *MemoryDurable) Find(_ context.Context, fingerprint string) (bool, Entry, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.fail != nil {
		return false, Entry{}, m.fail
	}
	row, ok := m.rows[fingerprint]
	if !ok {
		return false, Entry{}, nil
	}
	return true, cloneEntry(row.entry), nil
}

func (m *MemoryDurable) FindAvailable(ctx context.Context, fingerprint string, now time.Time) (bool, Entry, error) {
	found, entry, err := m.Find(ctx, fingerprint)
	if err != nil || !found {
		return false, Entry{}, err
	}
	if !entry.Valid() || !entry.Servable(now) {
		return false, Entry{}, nil
	}
	return true, entry, nil
}

func (m *MemoryDurable) Insert(_ context.Context, entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.rows[entry.Fingerprint]; ok {
		return errors.Wrapf(ErrDuplicateFingerprint, "insert %s", entry.Fingerprint)
	}
	m.seq++
	m.rows[entry.Fingerprint] = &memoryRow{entry: cloneEntry(entry), seq: m.seq}
	return nil
}

func (m *MemoryDurable) Update(_ context.Context, entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.fail != nil {
		return m.fail
	}
	row, ok := m.rows[entry.Fingerprint]
	if !ok {
		return errors.Newf("update %s: no such entry", entry.Fingerprint)
	}
	row.entry = cloneEntry(entry)
	return nil
}

func (m *MemoryDurable) RecordHit(_ context.Context, fingerprint string, now time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if row, ok := m.rows[fingerprint]; ok {
		row.entry.recordHit(now)
	}
	return nil
}

func (m *MemoryDurable) Invalidate(_ context.Context, fingerprint string, now time.Time) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	row, ok := m.rows[fingerprint]
	if !ok || !row.entry.Valid() {
		return false, nil
	}
	row.entry.invalidate(now)
	return true, nil
}

// collect returns clones of the valid rows matching keep, ordered by compare.
func (m *MemoryDurable) collect(keep func(Entry) bool, compare func(a, b *memoryRow) int) ([]Entry, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	rows := make([]*memoryRow, 0, len(m.rows))
	for _, row := range m.rows {
		if row.entry.Valid() && keep(row.entry) {
			rows = append(rows, row)
		}
	}
	slices.SortFunc(rows, compare)
	out := make([]Entry, len(rows))
	for i, row := range rows {
		out[i] = cloneEntry(row.entry)
	}
	return out, nil
}

func newestFirst(a, b *memoryRow) int {
	if c := b.entry.CreatedAt.Compare(a.entry.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.seq, a.seq)
}

func leastRecentlyUsed(a, b *memoryRow) int {
	if c := a.entry.LastAccessTime.Compare(b.entry.LastAccessTime); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

func (m *MemoryDurable) ListByOwner(_ context.Context, owner report.Owner) ([]Entry, error) {
	return m.collect(func(e Entry) bool { return e.Owner == owner }, newestFirst)
}

func (m *MemoryDurable) ListByKind(_ context.Context, kind report.Kind) ([]Entry, error) {
	kind = kind.Normalize()
	return m.collect(func(e Entry) bool { return e.ReportKind == kind }, newestFirst)
}

func (m *MemoryDurable) ListExpired(_ context.Context, now time.Time) ([]Entry, error) {
	return m.collect(func(e Entry) bool { return e.Expired(now) }, leastRecentlyUsed)
}

func (m *MemoryDurable) ListUnusedSince(_ context.Context, cutoff time.Time) ([]Entry, error) {
	return m.collect(func(e Entry) bool { return e.LastAccessTime.Before(cutoff) }, leastRecentlyUsed)
}

func (m *MemoryDurable) TotalValidBytes(_ context.Context) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	var total int64
	for _, row := range m.rows {
		if row.entry.Valid() {
			total += row.entry.SizeBytes
		}
	}
	return total, nil
}

func (m *MemoryDurable) Stats(_ context.Context) (DurableStats, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.fail != nil {
		return DurableStats{}, m.fail
	}
	stats := DurableStats{ByKind: make(map[report.Kind]int64)}
	var hits int64
	for _, row := range m.rows {
		stats.TotalEntries++
		if !row.entry.Valid() {
			continue
		}
		stats.TotalSizeBytes += row.entry.SizeBytes
		stats.ByKind[row.entry.ReportKind]++
		hits += row.entry.HitCount
		if row.entry.Status == StatusCompleted {
			stats.ValidEntries++
		}
	}
	if valid := totalValid(stats.ByKind); valid > 0 {
		stats.AverageHitCount = float64(hits) / float64(valid)
	}
	return stats, nil
}

func totalValid(byKind map[report.Kind]int64) int64 {
	var n int64
	for _, c := range byKind {
		n += c
	}
	return n
}

func (m *MemoryDurable) PruneInvalid(_ context.Context, cutoff time.Time) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	var n int
	for fp, row := range m.rows {
		if !row.entry.Valid() && row.entry.UpdatedAt.Before(cutoff) {
			delete(m.rows, fp)
			n++
		}
	}
	return n, nil
}
