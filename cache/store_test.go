package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentuity/go-reportcache/logger"
	"github.com/agentuity/go-reportcache/report"
	"github.com/agentuity/go-reportcache/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	ctx     context.Context
	clock   *clockwork.FakeClock
	durable *MemoryDurable
	files   *report.FileStore
	log     *logger.TestLogger
	store   *Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		ctx:     context.Background(),
		clock:   clockwork.NewFakeClockAt(epoch),
		durable: NewMemoryDurable(),
		files:   report.NewFileStore(t.TempDir()),
		log:     logger.NewTestLogger(),
	}
	f.store = f.newStore(opts...)
	return f
}

// newStore returns another store over the same durable tier with its own
// empty fast tier, like a second process.
func (f *fixture) newStore(opts ...Option) *Store {
	base := []Option{
		WithClock(f.clock),
		WithLogger(f.log),
		WithRecorder(telemetry.Noop()),
	}
	return NewStore(f.durable, f.files, append(base, opts...)...)
}

func (f *fixture) artifact(t *testing.T, name string, size int) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.files.Root, name), []byte(strings.Repeat("x", size)), 0o644))
	return name
}

func (f *fixture) exists(t *testing.T, location string) bool {
	t.Helper()
	ok, err := f.files.Exists(f.ctx, location)
	require.NoError(t, err)
	return ok
}

func (f *fixture) row(t *testing.T, fingerprint string) Entry {
	t.Helper()
	found, e, err := f.durable.Find(f.ctx, fingerprint)
	require.NoError(t, err)
	require.True(t, found, "no durable row for %s", fingerprint)
	return e
}

func bookList(template string) report.Request {
	return report.Request{
		Kind:        report.KindBookList,
		Format:      report.FormatPDF,
		TemplateRef: template,
		Filters:     &report.Filters{Genre: "fantasy"},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	alice := report.User("alice")
	req := bookList("default")
	loc := f.artifact(t, "a.pdf", 42)

	miss := f.store.Lookup(f.ctx, alice, req)
	assert.False(t, miss.Hit)
	assert.Len(t, miss.Fingerprint, 32)

	entry, err := f.store.Put(f.ctx, alice, req, loc, 7, 1500*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.Equal(t, int64(42), entry.SizeBytes)
	assert.Equal(t, epoch.Add(time.Hour), entry.ExpiresAt)
	assert.Equal(t, miss.Fingerprint, entry.Fingerprint)
	assert.EqualValues(t, 7, entry.Metadata["recordCount"])
	assert.EqualValues(t, 1500, entry.Metadata["generationMs"])

	res := f.store.Lookup(f.ctx, alice, req)
	require.True(t, res.Hit)
	assert.Equal(t, SourceFast, res.Source)
	assert.Equal(t, loc, res.ArtifactLocation)
	assert.Equal(t, int64(1), res.Entry.HitCount)

	res = f.store.Lookup(f.ctx, alice, req)
	assert.Equal(t, int64(2), res.Entry.HitCount)

	// a cold process goes through the durable tier
	other := f.newStore()
	res = other.Lookup(f.ctx, alice, req)
	require.True(t, res.Hit)
	assert.Equal(t, SourceDurable, res.Source)
	assert.Equal(t, int64(1), res.Entry.HitCount)
	assert.Equal(t, int64(1), f.row(t, res.Fingerprint).HitCount)

	res = other.Lookup(f.ctx, alice, req)
	assert.Equal(t, SourceFast, res.Source)
}

func TestStoreOwnersDoNotShare(t *testing.T) {
	f := newFixture(t)
	req := bookList("default")
	_, err := f.store.Put(f.ctx, report.User("alice"), req, f.artifact(t, "a.pdf", 1), 1, time.Second)
	require.NoError(t, err)

	assert.False(t, f.store.Lookup(f.ctx, report.User("bob"), req).Hit)
	assert.True(t, f.store.Lookup(f.ctx, report.User("alice"), req).Hit)
}

func TestStoreSystemReportsShared(t *testing.T) {
	f := newFixture(t)
	req := report.Request{Kind: report.KindSystem, Format: report.FormatExcel}
	entry, err := f.store.Put(f.ctx, report.User("admin"), req, f.artifact(t, "s.xlsx", 1), 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, report.System(), entry.Owner)

	res := f.newStore().Lookup(f.ctx, report.User("someone-else"), req)
	assert.True(t, res.Hit)
}

func TestStoreTTLExpiry(t *testing.T) {
	f := newFixture(t)
	alice := report.User("alice")
	req := report.Request{Kind: report.KindReadingStats, Format: report.FormatPDF}
	loc := f.artifact(t, "stats.pdf", 10)

	entry, err := f.store.Put(f.ctx, alice, req, loc, 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(2*time.Hour), entry.ExpiresAt)

	f.clock.Advance(2*time.Hour - time.Second)
	assert.True(t, f.store.Lookup(f.ctx, alice, req).Hit)

	f.clock.Advance(time.Second)
	assert.False(t, f.store.Lookup(f.ctx, alice, req).Hit)
	assert.False(t, f.newStore().Lookup(f.ctx, alice, req).Hit)

	sweep := NewJanitor(f.store).Sweep(f.ctx)
	assert.Equal(t, 1, sweep.Expired)
	assert.Equal(t, StatusInvalid, f.row(t, entry.Fingerprint).Status)
	assert.False(t, f.exists(t, loc))
}

func TestStoreNoExpiry(t *testing.T) {
	f := newFixture(t, WithTTLPolicy(TTLPolicy{}))
	entry, err := f.store.Put(f.ctx, report.User("alice"), bookList("x"), f.artifact(t, "a.pdf", 1), 1, time.Second)
	require.NoError(t, err)
	assert.True(t, entry.ExpiresAt.IsZero())

	f.clock.Advance(23 * time.Hour)
	assert.True(t, f.newStore().Lookup(f.ctx, report.User("alice"), bookList("x")).Hit)
}

func TestStoreOwnerQuota(t *testing.T) {
	f := newFixture(t, WithMaxEntriesPerOwner(3))
	alice := report.User("alice")

	var fps, locs []string
	for i, template := range []string{"t1", "t2", "t3", "t4"} {
		loc := f.artifact(t, template+".pdf", 1)
		entry, err := f.store.Put(f.ctx, alice, bookList(template), loc, i, time.Second)
		require.NoError(t, err)
		fps = append(fps, entry.Fingerprint)
		locs = append(locs, loc)
		f.clock.Advance(time.Minute)
	}

	entries, err := f.store.ListOwner(f.ctx, alice)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, fps[3], entries[0].Fingerprint)

	assert.Equal(t, StatusInvalid, f.row(t, fps[0]).Status)
	assert.False(t, f.exists(t, locs[0]))
	assert.False(t, f.store.Lookup(f.ctx, alice, bookList("t1")).Hit)
	for i := 1; i < 4; i++ {
		assert.Equal(t, StatusCompleted, f.row(t, fps[i]).Status)
	}
}

func TestStoreOwnerQuotaIgnoresRewrite(t *testing.T) {
	f := newFixture(t, WithMaxEntriesPerOwner(2))
	alice := report.User("alice")
	first, err := f.store.Put(f.ctx, alice, bookList("t1"), f.artifact(t, "1.pdf", 1), 1, time.Second)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.store.Put(f.ctx, alice, bookList("t2"), f.artifact(t, "2.pdf", 1), 1, time.Second)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	// rewriting an existing fingerprint does not need a free slot
	_, err = f.store.Put(f.ctx, alice, bookList("t1"), f.artifact(t, "1b.pdf", 1), 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, f.row(t, first.Fingerprint).Status)

	entries, err := f.store.ListOwner(f.ctx, alice)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStoreByteBudget(t *testing.T) {
	f := newFixture(t, WithMaxTotalBytes(100), WithEvictionGrace(time.Hour))
	alice := report.User("alice")

	a, err := f.store.Put(f.ctx, alice, bookList("a"), f.artifact(t, "a.pdf", 60), 1, time.Second)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	b, err := f.store.Put(f.ctx, alice, bookList("b"), f.artifact(t, "b.pdf", 60), 1, time.Second)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	c, err := f.store.Put(f.ctx, alice, bookList("c"), f.artifact(t, "c.pdf", 60), 1, time.Second)
	require.NoError(t, err)

	assert.Equal(t, StatusInvalid, f.row(t, a.Fingerprint).Status)
	assert.Equal(t, StatusCompleted, f.row(t, b.Fingerprint).Status)
	assert.Equal(t, StatusCompleted, f.row(t, c.Fingerprint).Status)
	assert.False(t, f.exists(t, "a.pdf"))

	// nothing is old enough to evict, so the write still lands over budget
	f.clock.Advance(time.Minute)
	d, err := f.store.Put(f.ctx, alice, bookList("d"), f.artifact(t, "d.pdf", 60), 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, f.row(t, d.Fingerprint).Status)
	assert.True(t, f.log.Contains("WARNING", "over a budget"))
}

func TestStoreMissingArtifactSelfHeals(t *testing.T) {
	f := newFixture(t)
	alice := report.User("alice")
	req := bookList("default")
	loc := f.artifact(t, "gone.pdf", 5)

	entry, err := f.store.Put(f.ctx, alice, req, loc, 1, time.Second)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(f.files.Root, loc)))

	other := f.newStore()
	assert.False(t, other.Lookup(f.ctx, alice, req).Hit)
	assert.Equal(t, StatusInvalid, f.row(t, entry.Fingerprint).Status)
	assert.True(t, f.log.Contains("WARNING", "is gone"))

	assert.False(t, other.Lookup(f.ctx, alice, req).Hit)
}

func TestStorePutUpdatesInPlace(t *testing.T) {
	f := newFixture(t)
	alice := report.User("alice")
	req := bookList("default")

	first, err := f.store.Put(f.ctx, alice, req, f.artifact(t, "v1.pdf", 5), 1, time.Second)
	require.NoError(t, err)
	require.True(t, f.newStore().Lookup(f.ctx, alice, req).Hit)

	f.clock.Advance(10 * time.Minute)
	second, err := f.store.Put(f.ctx, alice, req, f.artifact(t, "v2.pdf", 8), 2, time.Second)
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, epoch, second.CreatedAt)
	assert.Equal(t, int64(1), second.HitCount)
	assert.Equal(t, f.clock.Now(), second.LastAccessTime)
	assert.Equal(t, f.clock.Now().Add(time.Hour), second.ExpiresAt)
	assert.False(t, f.exists(t, "v1.pdf"), "replaced artifact is removed")

	row := f.row(t, first.Fingerprint)
	assert.Equal(t, "v2.pdf", row.ArtifactLocation)
	assert.Equal(t, int64(8), row.SizeBytes)
}

func TestStorePutRevivesInvalidEntry(t *testing.T) {
	f := newFixture(t)
	alice := report.User("alice")
	req := bookList("default")

	first, err := f.store.Put(f.ctx, alice, req, f.artifact(t, "v1.pdf", 5), 1, time.Second)
	require.NoError(t, err)
	f.store.Lookup(f.ctx, alice, req)
	assert.Equal(t, 1, f.store.Invalidate(f.ctx, first.Fingerprint))
	assert.Equal(t, 0, f.store.Invalidate(f.ctx, first.Fingerprint))

	f.clock.Advance(time.Hour)
	revived, err := f.store.Put(f.ctx, alice, req, f.artifact(t, "v2.pdf", 5), 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, revived.Fingerprint)
	assert.Equal(t, f.clock.Now(), revived.CreatedAt)
	assert.Equal(t, int64(0), revived.HitCount)
	assert.Equal(t, StatusCompleted, f.row(t, first.Fingerprint).Status)
	assert.True(t, f.store.Lookup(f.ctx, alice, req).Hit)
}

// racyDurable hides rows from the first Find, as if another process
// inserted the same fingerprint between our read and write.
type racyDurable struct {
	*MemoryDurable
	hidden int
}

func (r *racyDurable) Find(ctx context.Context, fingerprint string) (bool, Entry, error) {
	if r.hidden > 0 {
		r.hidden--
		return false, Entry{}, nil
	}
	return r.MemoryDurable.Find(ctx, fingerprint)
}

func TestStorePutDuplicateRace(t *testing.T) {
	f := newFixture(t)
	alice := report.User("alice")
	req := bookList("default")
	fp := f.store.Fingerprint(alice, req)

	require.NoError(t, f.durable.Insert(f.ctx, Entry{
		Fingerprint:      fp,
		Owner:            alice,
		ReportKind:       report.KindBookList,
		ArtifactLocation: "elsewhere.pdf",
		HitCount:         3,
		CreatedAt:        epoch.Add(-time.Hour),
		LastAccessTime:   epoch.Add(-time.Hour),
		Status:           StatusCompleted,
	}))

	racy := &racyDurable{MemoryDurable: f.durable, hidden: 1}
	store := NewStore(racy, f.files, WithClock(f.clock), WithLogger(f.log), WithRecorder(telemetry.Noop()))
	entry, err := store.Put(f.ctx, alice, req, f.artifact(t, "mine.pdf", 3), 1, time.Second)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(3), entry.HitCount)
	assert.Equal(t, "mine.pdf", f.row(t, fp).ArtifactLocation)
}

func TestStorePutRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	entry, err := f.store.Put(f.ctx, report.User(""), bookList("x"), "a.pdf", 1, time.Second)
	assert.Nil(t, entry)
	assert.True(t, errors.Is(err, report.ErrInvalidOwner))

	entry, err = f.store.Put(f.ctx, report.User("alice"), bookList("x"), "", 1, time.Second)
	assert.Nil(t, entry)
	assert.Error(t, err)
}

func TestStoreDurableFailureDegrades(t *testing.T) {
	f := newFixture(t, WithBreaker(0, 0))
	alice := report.User("alice")
	f.durable.FailWith(errors.New("disk on fire"))

	entry, err := f.store.Put(f.ctx, alice, bookList("x"), f.artifact(t, "a.pdf", 1), 1, time.Second)
	assert.Nil(t, entry)
	assert.Error(t, err)
	assert.False(t, f.store.Lookup(f.ctx, alice, bookList("x")).Hit)
	assert.True(t, f.log.Contains("ERROR", "disk on fire"))
}

func TestStoreDisabled(t *testing.T) {
	f := newFixture(t, WithEnabled(false))
	alice := report.User("alice")
	entry, err := f.store.Put(f.ctx, alice, bookList("x"), f.artifact(t, "a.pdf", 1), 1, time.Second)
	assert.NoError(t, err)
	assert.Nil(t, entry)
	assert.False(t, f.store.Lookup(f.ctx, alice, bookList("x")).Hit)
	assert.False(t, f.store.Enabled())

	stats, err := f.store.Stats(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
	assert.False(t, stats.Enabled)
}

func TestStoreBreaker(t *testing.T) {
	f := newFixture(t, WithBreaker(2, time.Minute))
	alice := report.User("alice")
	req := bookList("x")
	f.durable.FailWith(errors.New("db down"))

	f.store.Lookup(f.ctx, alice, req)
	assert.Equal(t, BreakerClosed, f.store.BreakerState())
	f.store.Lookup(f.ctx, alice, req)
	assert.Equal(t, BreakerOpen, f.store.BreakerState())
	assert.True(t, f.log.Contains("ERROR", "bypassing it for 1m0s"))

	// recovered but still cooling down
	f.durable.FailWith(nil)
	_, err := f.store.Put(f.ctx, alice, req, f.artifact(t, "a.pdf", 1), 1, time.Second)
	assert.True(t, errors.Is(err, ErrBreakerOpen))

	f.clock.Advance(time.Minute)
	_, err = f.store.Put(f.ctx, alice, req, f.artifact(t, "b.pdf", 1), 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, f.store.BreakerState())
}

func TestStoreInvalidateOwnerAndKind(t *testing.T) {
	f := newFixture(t)
	alice, bob := report.User("alice"), report.User("bob")
	stats := report.Request{Kind: report.KindReadingStats, Format: report.FormatPDF}

	_, err := f.store.Put(f.ctx, alice, bookList("1"), f.artifact(t, "a1.pdf", 1), 1, time.Second)
	require.NoError(t, err)
	_, err = f.store.Put(f.ctx, alice, stats, f.artifact(t, "a2.pdf", 1), 1, time.Second)
	require.NoError(t, err)
	_, err = f.store.Put(f.ctx, bob, bookList("1"), f.artifact(t, "b1.pdf", 1), 1, time.Second)
	require.NoError(t, err)

	assert.Equal(t, 2, f.store.InvalidateKind(f.ctx, "book_list"))
	assert.False(t, f.store.Lookup(f.ctx, bob, bookList("1")).Hit)
	assert.True(t, f.store.Lookup(f.ctx, alice, stats).Hit)

	assert.Equal(t, 1, f.store.InvalidateOwner(f.ctx, alice))
	assert.Equal(t, 0, f.store.InvalidateOwner(f.ctx, alice))
	assert.False(t, f.store.Lookup(f.ctx, alice, stats).Hit)
	for _, loc := range []string{"a1.pdf", "a2.pdf", "b1.pdf"} {
		assert.False(t, f.exists(t, loc), loc)
	}
}

func TestStoreStats(t *testing.T) {
	f := newFixture(t)
	alice := report.User("alice")
	_, err := f.store.Put(f.ctx, alice, bookList("1"), f.artifact(t, "1.pdf", 1024), 1, time.Second)
	require.NoError(t, err)
	second, err := f.store.Put(f.ctx, alice, bookList("2"), f.artifact(t, "2.pdf", 512), 1, time.Second)
	require.NoError(t, err)
	_, err = f.store.Put(f.ctx, alice, report.Request{Kind: report.KindReadingStats, Format: report.FormatPDF},
		f.artifact(t, "3.pdf", 512), 1, time.Second)
	require.NoError(t, err)
	f.store.Invalidate(f.ctx, second.Fingerprint)
	require.True(t, f.newStore().Lookup(f.ctx, alice, bookList("1")).Hit)

	stats, err := f.store.Stats(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.ValidEntries)
	assert.Equal(t, int64(1536), stats.TotalSizeBytes)
	assert.Equal(t, "1.5 KiB", stats.FormattedSize())
	assert.Equal(t, 0.5, stats.AverageHitCount)
	assert.InDelta(t, 1.0/3, stats.HitRate(), 1e-9)
	assert.Equal(t, int64(1), stats.ByKind[report.KindBookList])
	assert.Equal(t, int64(1), stats.ByKind[report.KindReadingStats])
	assert.Equal(t, 2, stats.FastTierSize)
	assert.True(t, stats.Enabled)
	assert.Equal(t, BreakerClosed, stats.Breaker)
}
