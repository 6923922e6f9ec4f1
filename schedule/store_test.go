package schedule

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

var epoch = date(2024, 3, 5, 8, 0)

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			ctx := context.Background()
			db, err := storage.Open(ctx, storage.Memory)
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			s, err := NewSQLiteStore(ctx, db)
			require.NoError(t, err)
			return s
		},
	}
}

func definition(id string, owner report.Owner, next time.Time) Definition {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return Definition{
		ID:    id,
		Name:  "schedule " + id,
		Owner: owner,
		Job: Job{
			Request: report.Request{
				Kind:    report.KindBookList,
				Format:  report.FormatPDF,
				Filters: &report.Filters{ReadStatus: []string{"READ"}, Genre: "fantasy"},
				Options: &report.Options{SortBy: "title"},
			},
			Output: map[string]string{"email": "alice@example.com"},
		},
		Rule:      Daily{Hour: 9},
		NextRunAt: next,
		Status:    StatusActive,
		Active:    true,
		CreatedAt: start.Add(time.Duration(len(id)) * time.Minute),
		UpdatedAt: start,
	}
}

func TestStores(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				def := definition("a", report.User("alice"), epoch)
				def.Rule = Monthly{Day: 31, Hour: 9}
				require.NoError(t, s.Create(ctx, def))

				got, err := s.Get(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, def.Name, got.Name)
				assert.Equal(t, def.Owner, got.Owner)
				assert.Equal(t, def.Rule, got.Rule)
				assert.Equal(t, def.NextRunAt, got.NextRunAt)
				assert.True(t, got.LastRunAt.IsZero())
				assert.Equal(t, def.Job.Output, got.Job.Output)
				assert.Equal(t, report.KindBookList, got.Job.Request.Kind)
				assert.Equal(t, []string{"READ"}, got.Job.Request.Filters.ReadStatus)
				assert.Equal(t, "title", got.Job.Request.Options.SortBy)
				assert.True(t, got.Active)

				_, err = s.Get(ctx, "missing")
				assert.True(t, errors.Is(err, ErrNotFound))
				_, err = s.Update(ctx, "missing", Patch{UpdatedAt: epoch})
				assert.True(t, errors.Is(err, ErrNotFound))
			})

			t.Run("due and never run", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				alice := report.User("alice")
				due := definition("due", alice, epoch.Add(-time.Minute))
				now := definition("now", alice, epoch)
				later := definition("later", alice, epoch.Add(time.Minute))
				failed := definition("failed", alice, epoch.Add(-time.Hour))
				failed.Status = StatusError
				deleted := definition("deleted", alice, epoch.Add(-time.Hour))
				deleted.Active = false
				ran := definition("ran", alice, epoch.Add(-2*time.Hour))
				ran.LastRunAt = epoch.Add(-26 * time.Hour)
				for _, d := range []Definition{due, now, later, failed, deleted, ran} {
					require.NoError(t, s.Create(ctx, d))
				}

				list, err := s.ListDue(ctx, epoch)
				require.NoError(t, err)
				assert.Equal(t, []string{"ran", "due", "now"}, ids(list))

				list, err = s.ListNeverRun(ctx, epoch)
				require.NoError(t, err)
				assert.Equal(t, []string{"due"}, ids(list))

				list, err = s.ListByStatus(ctx, StatusError)
				require.NoError(t, err)
				assert.Equal(t, []string{"failed"}, ids(list))
			})

			t.Run("record run", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				def := definition("a", report.User("alice"), epoch)
				require.NoError(t, s.Create(ctx, def))

				got, err := s.RecordRun(ctx, "a", Run{At: epoch.Add(time.Second), NextRunAt: epoch.Add(24 * time.Hour)})
				require.NoError(t, err)
				assert.Equal(t, StatusActive, got.Status)
				assert.Equal(t, epoch.Add(time.Second), got.LastRunAt)
				assert.Equal(t, epoch.Add(24*time.Hour), got.NextRunAt)

				got, err = s.RecordRun(ctx, "a", Run{At: epoch.Add(25 * time.Hour), NextRunAt: epoch.Add(48 * time.Hour), Err: "renderer exploded"})
				require.NoError(t, err)
				assert.Equal(t, StatusError, got.Status)
				assert.Equal(t, "renderer exploded", got.LastError)
				assert.Equal(t, epoch.Add(48*time.Hour), got.NextRunAt)

				// a disabled schedule keeps its status whatever the outcome
				disabled := StatusDisabled
				_, err = s.Update(ctx, "a", Patch{Status: &disabled, UpdatedAt: epoch.Add(26 * time.Hour)})
				require.NoError(t, err)
				got, err = s.RecordRun(ctx, "a", Run{At: epoch.Add(49 * time.Hour), NextRunAt: epoch.Add(72 * time.Hour), Err: "again"})
				require.NoError(t, err)
				assert.Equal(t, StatusDisabled, got.Status)

				_, err = s.RecordRun(ctx, "missing", Run{At: epoch})
				assert.True(t, errors.Is(err, ErrNotFound))
			})

			t.Run("update writes only patched fields", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				require.NoError(t, s.Create(ctx, definition("a", report.User("alice"), epoch)))
				_, err := s.RecordRun(ctx, "a", Run{At: epoch, NextRunAt: epoch.Add(25 * time.Hour), Err: "late"})
				require.NoError(t, err)

				name := "renamed"
				job := Job{Request: report.Request{Kind: report.KindReadingStats, Format: report.FormatExcel}}
				got, err := s.Update(ctx, "a", Patch{Name: &name, Job: &job, Rule: Weekly{Weekday: 2, Hour: 7}, UpdatedAt: epoch.Add(time.Hour)})
				require.NoError(t, err)
				assert.Equal(t, "renamed", got.Name)
				assert.Equal(t, report.KindReadingStats, got.Job.Request.Kind)
				assert.Equal(t, Weekly{Weekday: 2, Hour: 7}, got.Rule)
				assert.Equal(t, epoch.Add(time.Hour), got.UpdatedAt)
				assert.Equal(t, epoch, got.LastRunAt)
				assert.Equal(t, epoch.Add(25*time.Hour), got.NextRunAt)
				assert.Equal(t, StatusError, got.Status)
				assert.Equal(t, "late", got.LastError)

				inactive := false
				_, err = s.Update(ctx, "a", Patch{Active: &inactive, UpdatedAt: epoch.Add(2 * time.Hour)})
				require.NoError(t, err)
				stored, err := s.Get(ctx, "a")
				require.NoError(t, err)
				assert.False(t, stored.Active)
				assert.Equal(t, "renamed", stored.Name)
			})

			t.Run("owners and stats", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				alice, bob := report.User("alice"), report.User("bob")
				a1 := definition("a1", alice, epoch)
				a2 := definition("a22", alice, epoch)
				a2.Rule = Custom{Expression: "0 9 * * *"}
				a2.Status = StatusError
				gone := definition("a333", alice, epoch)
				gone.Active = false
				b1 := definition("b1", bob, epoch)
				b1.Rule = Weekly{Weekday: 1, Hour: 9}
				for _, d := range []Definition{a1, a2, gone, b1} {
					require.NoError(t, s.Create(ctx, d))
				}

				list, err := s.ListByOwner(ctx, alice)
				require.NoError(t, err)
				assert.Equal(t, []string{"a1", "a22"}, ids(list))

				n, err := s.CountActive(ctx, alice)
				require.NoError(t, err)
				assert.Equal(t, 2, n)

				found, got, err := s.FindByName(ctx, alice, "schedule a22")
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, "a22", got.ID)
				found, _, err = s.FindByName(ctx, alice, "schedule a333")
				require.NoError(t, err)
				assert.False(t, found, "deleted schedules free their name")
				found, _, err = s.FindByName(ctx, bob, "schedule a1")
				require.NoError(t, err)
				assert.False(t, found)

				stats, err := s.Stats(ctx)
				require.NoError(t, err)
				assert.Equal(t, 3, stats.Total)
				assert.Equal(t, map[Status]int{StatusActive: 2, StatusError: 1}, stats.ByStatus)
				assert.Equal(t, map[RuleKind]int{KindDaily: 1, KindCustom: 1, KindWeekly: 1}, stats.ByRule)
			})
		})
	}
}

func ids(defs []Definition) []string {
	var out []string
	for _, d := range defs {
		out = append(out, d.ID)
	}
	return out
}
