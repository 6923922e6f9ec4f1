// Package cache is the two-tier report cache.
//
// A [Store] fronts a [DurableTier] (the persistent record of every entry,
// backed by SQLite in production) with a [FastTier] held in process memory.
// Lookups try the fast tier first and fall back to the durable tier, checking
// that the artifact still exists through a [report.ArtifactStore]. An entry
// whose artifact disappeared is invalidated on the spot.
//
// Entries move through [StatusGenerating], [StatusCompleted] and
// [StatusInvalid]. Invalid rows stay in the durable tier so the fingerprint
// can be revived by a later write; the [Janitor] hard-deletes them once they
// are old enough.
//
// Two eviction pressures run before every write: a per-owner quota of valid
// entries and a global byte budget that only touches entries unused for the
// eviction grace window. Neither ever blocks the write.
//
// Cache faults never fail a report. A failing durable tier degrades lookups
// to misses, and after [DefaultBreakerFailures] consecutive failures a
// circuit breaker skips the durable tier until [DefaultBreakerCooldown] has
// passed.
package cache
