package cache

import (
	"time"

	"github.com/agentuity/go-reportcache/shardmap"
)

// FastTier is the in-process front of the cache. It is advisory: anything it
// holds can be dropped at any time and is rebuilt from the durable tier.
type FastTier interface {
	// Hit returns the entry for fingerprint if it is present and servable at
	// now, counting the hit. Expired entries are dropped.
	Hit(fingerprint string, now time.Time) (Entry, bool)
	// Store inserts or replaces an entry.
	Store(entry Entry)
	// Remove drops fingerprint and reports whether it was present.
	Remove(fingerprint string) bool
	// Snapshot returns a copy of every entry.
	Snapshot() []Entry
	Len() int
}

// ShardedFastTier is a FastTier on a sharded concurrent map.
type ShardedFastTier struct {
	items *shardmap.Map[Entry]
}

var _ FastTier = (*ShardedFastTier)(nil)

// NewFastTier returns an empty fast tier with the given number of shards.
func NewFastTier(shards int) *ShardedFastTier {
	return &ShardedFastTier{items: shardmap.New[Entry](shards)}
}

func (f *ShardedFastTier) Hit(fingerprint string, now time.Time) (Entry, bool) {
	var found bool
	entry, _ := f.items.Update(fingerprint, func(e Entry, exists bool) (Entry, bool) {
		if !exists || !e.Valid() || !e.Servable(now) {
			return e, false
		}
		e.recordHit(now)
		found = true
		return e, true
	})
	if !found {
		return Entry{}, false
	}
	return entry, true
}

func (f *ShardedFastTier) Store(entry Entry) {
	f.items.Store(entry.Fingerprint, entry)
}

func (f *ShardedFastTier) Remove(fingerprint string) bool {
	return f.items.Delete(fingerprint)
}

func (f *ShardedFastTier) Snapshot() []Entry {
	out := make([]Entry, 0, f.items.Len())
	f.items.Range(func(_ string, e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func (f *ShardedFastTier) Len() int {
	return f.items.Len()
}
