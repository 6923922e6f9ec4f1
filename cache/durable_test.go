package cache

import (
	"context"
	"testing"
	"time"

	"github.com/agentuity/go-reportcache/report"
	"github.com/agentuity/go-reportcache/storage"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func durableTiers(t *testing.T) map[string]func(t *testing.T) DurableTier {
	return map[string]func(t *testing.T) DurableTier{
		"memory": func(t *testing.T) DurableTier {
			return NewMemoryDurable()
		},
		"sqlite": func(t *testing.T) DurableTier {
			ctx := context.Background()
			db, err := storage.Open(ctx, storage.Memory)
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			d, err := NewSQLiteDurable(ctx, db)
			require.NoError(t, err)
			return d
		},
	}
}

func testEntry(fp string, owner report.Owner, created time.Time) Entry {
	return Entry{
		Fingerprint:        fp,
		Owner:              owner,
		ReportKind:         report.KindBookList,
		OutputFormat:       report.FormatPDF,
		TemplateRef:        "default",
		ArtifactLocation:   fp + ".pdf",
		SizeBytes:          100,
		RecordCount:        3,
		GenerationDuration: 250 * time.Millisecond,
		LastAccessTime:     created,
		CreatedAt:          created,
		UpdatedAt:          created,
		ExpiresAt:          created.Add(time.Hour),
		Status:             StatusCompleted,
	}
}

func TestDurableTiers(t *testing.T) {
	for name, open := range durableTiers(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("insert and find", func(t *testing.T) {
				d := open(t)
				ctx := context.Background()
				e := testEntry("fp1", report.User("alice"), epoch)
				e.Metadata = map[string]any{"recordCount": 3, "format": "PDF"}
				require.NoError(t, d.Insert(ctx, e))

				found, got, err := d.Find(ctx, "fp1")
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, e.Owner, got.Owner)
				assert.Equal(t, e.ExpiresAt, got.ExpiresAt)
				assert.Equal(t, e.CreatedAt, got.CreatedAt)
				assert.Equal(t, e.GenerationDuration, got.GenerationDuration)
				assert.Equal(t, "fp1.pdf", got.ArtifactLocation)
				assert.EqualValues(t, 3, got.Metadata["recordCount"])
				assert.Equal(t, "PDF", got.Metadata["format"])

				found, _, err = d.Find(ctx, "missing")
				require.NoError(t, err)
				assert.False(t, found)

				err = d.Insert(ctx, e)
				assert.True(t, errors.Is(err, ErrDuplicateFingerprint))
			})

			t.Run("find available", func(t *testing.T) {
				d := open(t)
				ctx := context.Background()
				require.NoError(t, d.Insert(ctx, testEntry("fp1", report.User("alice"), epoch)))

				found, _, err := d.FindAvailable(ctx, "fp1", epoch.Add(59*time.Minute))
				require.NoError(t, err)
				assert.True(t, found)
				found, _, err = d.FindAvailable(ctx, "fp1", epoch.Add(time.Hour))
				require.NoError(t, err)
				assert.False(t, found, "expired")

				changed, err := d.Invalidate(ctx, "fp1", epoch)
				require.NoError(t, err)
				assert.True(t, changed)
				changed, err = d.Invalidate(ctx, "fp1", epoch)
				require.NoError(t, err)
				assert.False(t, changed)
				found, _, err = d.FindAvailable(ctx, "fp1", epoch)
				require.NoError(t, err)
				assert.False(t, found, "invalid")
			})

			t.Run("no expiry", func(t *testing.T) {
				d := open(t)
				ctx := context.Background()
				e := testEntry("fp1", report.User("alice"), epoch)
				e.ExpiresAt = time.Time{}
				require.NoError(t, d.Insert(ctx, e))
				found, got, err := d.FindAvailable(ctx, "fp1", epoch.Add(1000*time.Hour))
				require.NoError(t, err)
				assert.True(t, found)
				assert.True(t, got.ExpiresAt.IsZero())
			})

			t.Run("update and hits", func(t *testing.T) {
				d := open(t)
				ctx := context.Background()
				e := testEntry("fp1", report.User("alice"), epoch)
				require.NoError(t, d.Insert(ctx, e))
				require.NoError(t, d.RecordHit(ctx, "fp1", epoch.Add(time.Minute)))
				require.NoError(t, d.RecordHit(ctx, "fp1", epoch.Add(2*time.Minute)))

				_, got, err := d.Find(ctx, "fp1")
				require.NoError(t, err)
				assert.Equal(t, int64(2), got.HitCount)
				assert.Equal(t, epoch.Add(2*time.Minute), got.LastAccessTime)

				got.ArtifactLocation = "v2.pdf"
				got.SizeBytes = 7
				require.NoError(t, d.Update(ctx, got))
				_, got, err = d.Find(ctx, "fp1")
				require.NoError(t, err)
				assert.Equal(t, "v2.pdf", got.ArtifactLocation)
				assert.Equal(t, int64(7), got.SizeBytes)

				assert.Error(t, d.Update(ctx, testEntry("nope", report.User("alice"), epoch)))
			})

			t.Run("listing", func(t *testing.T) {
				d := open(t)
				ctx := context.Background()
				alice := report.User("alice")
				a := testEntry("a", alice, epoch)
				b := testEntry("b", alice, epoch.Add(time.Minute))
				b.LastAccessTime = epoch.Add(3 * time.Hour)
				c := testEntry("c", alice, epoch.Add(2*time.Minute))
				c.ReportKind = report.KindReadingStats
				c.SizeBytes = 50
				other := testEntry("x", report.System(), epoch)
				for _, e := range []Entry{a, b, c, other} {
					require.NoError(t, d.Insert(ctx, e))
				}

				list, err := d.ListByOwner(ctx, alice)
				require.NoError(t, err)
				assert.Equal(t, []string{"c", "b", "a"}, fingerprints(list))

				list, err = d.ListByKind(ctx, "book_list")
				require.NoError(t, err)
				assert.ElementsMatch(t, []string{"a", "b", "x"}, fingerprints(list))

				list, err = d.ListExpired(ctx, epoch.Add(time.Hour+time.Minute))
				require.NoError(t, err)
				assert.Equal(t, []string{"a", "x", "b"}, fingerprints(list))

				list, err = d.ListUnusedSince(ctx, epoch.Add(time.Hour))
				require.NoError(t, err)
				assert.Equal(t, []string{"a", "x", "c"}, fingerprints(list))

				total, err := d.TotalValidBytes(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(350), total)

				_, err = d.Invalidate(ctx, "a", epoch.Add(time.Hour))
				require.NoError(t, err)
				list, err = d.ListByOwner(ctx, alice)
				require.NoError(t, err)
				assert.Equal(t, []string{"c", "b"}, fingerprints(list))
				total, err = d.TotalValidBytes(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(250), total)
			})

			t.Run("stats and prune", func(t *testing.T) {
				d := open(t)
				ctx := context.Background()
				alice := report.User("alice")
				require.NoError(t, d.Insert(ctx, testEntry("a", alice, epoch)))
				require.NoError(t, d.Insert(ctx, testEntry("b", alice, epoch)))
				c := testEntry("c", alice, epoch)
				c.ReportKind = report.KindReadingStats
				require.NoError(t, d.Insert(ctx, c))
				require.NoError(t, d.RecordHit(ctx, "a", epoch))
				require.NoError(t, d.RecordHit(ctx, "a", epoch))
				require.NoError(t, d.RecordHit(ctx, "c", epoch))
				_, err := d.Invalidate(ctx, "b", epoch)
				require.NoError(t, err)

				stats, err := d.Stats(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(3), stats.TotalEntries)
				assert.Equal(t, int64(2), stats.ValidEntries)
				assert.Equal(t, int64(200), stats.TotalSizeBytes)
				assert.InDelta(t, 1.5, stats.AverageHitCount, 1e-9)
				assert.Equal(t, map[report.Kind]int64{report.KindBookList: 1, report.KindReadingStats: 1}, stats.ByKind)

				n, err := d.PruneInvalid(ctx, epoch)
				require.NoError(t, err)
				assert.Equal(t, 0, n)
				n, err = d.PruneInvalid(ctx, epoch.Add(time.Second))
				require.NoError(t, err)
				assert.Equal(t, 1, n)
				found, _, err := d.Find(ctx, "b")
				require.NoError(t, err)
				assert.False(t, found)
			})
		})
	}
}

func TestMemoryDurableFailWith(t *testing.T) {
	d := NewMemoryDurable()
	ctx := context.Background()
	d.FailWith(errors.New("boom"))
	_, _, err := d.Find(ctx, "x")
	assert.EqualError(t, err, "boom")
	assert.Error(t, d.Insert(ctx, testEntry("x", report.User("a"), epoch)))
	d.FailWith(nil)
	assert.NoError(t, d.Insert(ctx, testEntry("x", report.User("a"), epoch)))
}
