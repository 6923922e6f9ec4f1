package cache

import (
	"testing"
	"time"

	"github.com/agentuity/go-reportcache/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJanitorUnused(t *testing.T) {
	f := newFixture(t, WithTTLPolicy(TTLPolicy{}))
	alice := report.User("alice")
	old, err := f.store.Put(f.ctx, alice, bookList("old"), f.artifact(t, "old.pdf", 1), 1, time.Second)
	require.NoError(t, err)
	f.clock.Advance(20 * time.Hour)
	fresh, err := f.store.Put(f.ctx, alice, bookList("fresh"), f.artifact(t, "fresh.pdf", 1), 1, time.Second)
	require.NoError(t, err)
	f.clock.Advance(5 * time.Hour)

	sweep := NewJanitor(f.store).Sweep(f.ctx)
	assert.Equal(t, 0, sweep.Expired)
	assert.Equal(t, 1, sweep.Unused)
	assert.Equal(t, StatusInvalid, f.row(t, old.Fingerprint).Status)
	assert.Equal(t, StatusCompleted, f.row(t, fresh.Fingerprint).Status)
	assert.False(t, f.exists(t, "old.pdf"))
}

func TestJanitorPrunesFastTier(t *testing.T) {
	f := newFixture(t)
	alice := report.User("alice")
	kept, err := f.store.Put(f.ctx, alice, bookList("kept"), f.artifact(t, "kept.pdf", 1), 1, time.Second)
	require.NoError(t, err)
	dropped, err := f.store.Put(f.ctx, alice, bookList("dropped"), f.artifact(t, "dropped.pdf", 1), 1, time.Second)
	require.NoError(t, err)

	// another process invalidates behind our fast tier's back
	other := f.newStore()
	require.Equal(t, 1, other.Invalidate(f.ctx, dropped.Fingerprint))
	require.Equal(t, 2, f.store.fast.Len())

	sweep := NewJanitor(f.store).Sweep(f.ctx)
	assert.Equal(t, 1, sweep.FastPruned)
	assert.Equal(t, 1, f.store.fast.Len())
	_, ok := f.store.fast.Hit(kept.Fingerprint, f.clock.Now())
	assert.True(t, ok)
}

func TestJanitorLocalStaleness(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Put(f.ctx, report.User("alice"), bookList("x"), f.artifact(t, "x.pdf", 1), 1, time.Second)
	require.NoError(t, err)

	janitor := NewJanitor(f.store, WithLocalStaleness(10*time.Minute))
	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, 0, janitor.Sweep(f.ctx).FastPruned)

	f.clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, janitor.Sweep(f.ctx).FastPruned)
	assert.Equal(t, 0, f.store.fast.Len())

	// the durable row is untouched and refills the fast tier
	res := f.store.Lookup(f.ctx, report.User("alice"), bookList("x"))
	assert.True(t, res.Hit)
	assert.Equal(t, SourceDurable, res.Source)
}

func TestJanitorPrunesOldInvalidRows(t *testing.T) {
	f := newFixture(t)
	entry, err := f.store.Put(f.ctx, report.User("alice"), bookList("x"), f.artifact(t, "x.pdf", 1), 1, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, f.store.Invalidate(f.ctx, entry.Fingerprint))

	janitor := NewJanitor(f.store, WithPruneAfter(7*24*time.Hour))
	f.clock.Advance(24 * time.Hour)
	assert.Equal(t, 0, janitor.Sweep(f.ctx).Pruned)

	f.clock.Advance(7 * 24 * time.Hour)
	assert.Equal(t, 1, janitor.Sweep(f.ctx).Pruned)
	found, _, err := f.durable.Find(f.ctx, entry.Fingerprint)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestJanitorBackground(t *testing.T) {
	f := newFixture(t)
	entry, err := f.store.Put(f.ctx, report.User("alice"), bookList("x"), f.artifact(t, "x.pdf", 1), 1, time.Second)
	require.NoError(t, err)

	janitor := NewJanitor(f.store, WithJanitorInterval(time.Hour))
	janitor.Start(f.ctx)
	defer janitor.Stop()

	require.NoError(t, f.clock.BlockUntilContext(f.ctx, 1))
	f.clock.Advance(time.Hour)

	require.Eventually(t, func() bool {
		_, e, err := f.durable.Find(f.ctx, entry.Fingerprint)
		return err == nil && e.Status == StatusInvalid
	}, 5*time.Second, 10*time.Millisecond)

	janitor.Stop()
	janitor.Stop()
}
