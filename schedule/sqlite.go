package schedule

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/agentuity/go-reportcache/report"
	"github.com/agentuity/go-reportcache/storage"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const scheduleSchema = `
CREATE TABLE IF NOT EXISTS report_schedules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owner TEXT NOT NULL,
	job BLOB NOT NULL,
	rule_kind TEXT NOT NULL,
	rule BLOB NOT NULL,
	next_run_at INTEGER,
	last_run_at INTEGER,
	status TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_report_schedules_due ON report_schedules(status, next_run_at);
CREATE INDEX IF NOT EXISTS idx_report_schedules_owner ON report_schedules(owner, active);
`

const scheduleColumns = `id, name, owner, job, rule_kind, rule, next_run_at, last_run_at, status, active,
	last_error, created_at, updated_at`

// SQLiteStore is a Store in the report_schedules table. It does not own the
// database handle.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the report_schedules table and indexes if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("sqlite schedule store: nil database")
	}
	for _, stmt := range strings.Split(scheduleSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, errors.Wrap(err, "create report_schedules schema")
		}
	}
	return &SQLiteStore{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (Definition, error) {
	var (
		d                Definition
		owner, ruleKind  string
		status           string
		job, rule        []byte
		next, last       sql.NullInt64
		active           bool
		created, updated int64
	)
	if err := row.Scan(&d.ID, &d.Name, &owner, &job, &ruleKind, &rule, &next, &last, &status, &active,
		&d.LastError, &created, &updated); err != nil {
		return Definition{}, err
	}
	var err error
	if d.Owner, err = report.ParseOwner(owner); err != nil {
		return Definition{}, err
	}
	if d.Status, err = ParseStatus(status); err != nil {
		return Definition{}, err
	}
	if err := msgpack.Unmarshal(job, &d.Job); err != nil {
		return Definition{}, errors.Wrap(err, "decode job")
	}
	if d.Rule, err = decodeRule(rule); err != nil {
		return Definition{}, err
	}
	d.NextRunAt = storage.TimeFrom(next)
	d.LastRunAt = storage.TimeFrom(last)
	d.Active = active
	d.CreatedAt = time.Unix(0, created).UTC()
	d.UpdatedAt = time.Unix(0, updated).UTC()
	return d, nil
}

// definitionArgs returns the column values in scheduleColumns order.
func definitionArgs(d Definition) ([]any, error) {
	if d.Rule == nil {
		return nil, errors.Wrapf(ErrInvalidRule, "schedule %s has no rule", d.ID)
	}
	job, err := msgpack.Marshal(d.Job)
	if err != nil {
		return nil, errors.Wrap(err, "encode job")
	}
	rule, err := encodeRule(d.Rule)
	if err != nil {
		return nil, err
	}
	return []any{
		d.ID, d.Name, d.Owner.String(), job, string(d.Rule.Kind()), rule,
		storage.NullTime(d.NextRunAt), storage.NullTime(d.LastRunAt), string(d.Status), d.Active,
		d.LastError, d.CreatedAt.UnixNano(), d.UpdatedAt.UnixNano(),
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Definition, error) {
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM report_schedules WHERE id = ?`, id)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Definition{}, errors.Wrapf(ErrNotFound, "get %s", id)
	}
	return d, errors.Wrapf(err, "get %s", id)
}

func (s *SQLiteStore) Create(ctx context.Context, d Definition) error {
	args, err := definitionArgs(d)
	if err != nil {
		return err
	}
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `INSERT INTO report_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	return errors.Wrapf(err, "create %s", d.ID)
}

func (s *SQLiteStore) Update(ctx context.Context, id string, p Patch) (Definition, error) {
	sets := []string{"updated_at = ?"}
	args := []any{p.UpdatedAt.UnixNano()}
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if p.Name != nil {
		set("name", *p.Name)
	}
	if p.Job != nil {
		job, err := msgpack.Marshal(*p.Job)
		if err != nil {
			return Definition{}, errors.Wrap(err, "encode job")
		}
		set("job", job)
	}
	if p.Rule != nil {
		rule, err := encodeRule(p.Rule)
		if err != nil {
			return Definition{}, err
		}
		set("rule_kind", string(p.Rule.Kind()))
		set("rule", rule)
	}
	if p.Status != nil {
		set("status", string(*p.Status))
	}
	if p.LastError != nil {
		set("last_error", *p.LastError)
	}
	if p.NextRunAt != nil {
		set("next_run_at", storage.NullTime(*p.NextRunAt))
	}
	if p.Active != nil {
		set("active", *p.Active)
	}

	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE report_schedules SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		append(args, id)...)
	if err != nil {
		return Definition{}, errors.Wrapf(err, "update %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Definition{}, errors.Wrapf(ErrNotFound, "update %s", id)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM report_schedules WHERE id = ?`, id)
	d, err := scanDefinition(row)
	return d, errors.Wrapf(err, "update %s", id)
}

func (s *SQLiteStore) RecordRun(ctx context.Context, id string, run Run) (Definition, error) {
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE report_schedules SET
		last_run_at = ?, next_run_at = ?, last_error = ?, updated_at = ?,
		status = CASE WHEN ? != '' AND status = ? THEN ? ELSE status END
		WHERE id = ?`,
		run.At.UnixNano(), storage.NullTime(run.NextRunAt), run.Err, run.At.UnixNano(),
		run.Err, string(StatusActive), string(StatusError), id)
	if err != nil {
		return Definition{}, errors.Wrapf(err, "record run %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Definition{}, errors.Wrapf(ErrNotFound, "record run %s", id)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM report_schedules WHERE id = ?`, id)
	d, err := scanDefinition(row)
	return d, errors.Wrapf(err, "record run %s", id)
}

func (s *SQLiteStore) list(ctx context.Context, where string, order string, args ...any) ([]Definition, error) {
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	query := `SELECT ` + scheduleColumns + ` FROM report_schedules WHERE active = 1 AND ` + where + ` ORDER BY ` + order
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const (
	orderCreated = "created_at ASC, id ASC"
	orderNextRun = "next_run_at ASC, id ASC"
)

func (s *SQLiteStore) ListByOwner(ctx context.Context, owner report.Owner) ([]Definition, error) {
	out, err := s.list(ctx, "owner = ?", orderCreated, owner.String())
	return out, errors.Wrapf(err, "list schedules of %s", owner)
}

func (s *SQLiteStore) FindByName(ctx context.Context, owner report.Owner, name string) (bool, Definition, error) {
	out, err := s.list(ctx, "owner = ? AND name = ?", orderCreated, owner.String(), name)
	if err != nil {
		return false, Definition{}, errors.Wrapf(err, "find schedule %q of %s", name, owner)
	}
	if len(out) == 0 {
		return false, Definition{}, nil
	}
	return true, out[0], nil
}

func (s *SQLiteStore) CountActive(ctx context.Context, owner report.Owner) (int, error) {
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM report_schedules WHERE active = 1 AND owner = ?`,
		owner.String()).Scan(&n)
	return n, errors.Wrapf(err, "count schedules of %s", owner)
}

func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time) ([]Definition, error) {
	out, err := s.list(ctx, "status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", orderNextRun,
		string(StatusActive), now.UnixNano())
	return out, errors.Wrap(err, "list due schedules")
}

func (s *SQLiteStore) ListNeverRun(ctx context.Context, now time.Time) ([]Definition, error) {
	out, err := s.list(ctx, "status = ? AND last_run_at IS NULL AND next_run_at IS NOT NULL AND next_run_at < ?",
		orderNextRun, string(StatusActive), now.UnixNano())
	return out, errors.Wrap(err, "list never-run schedules")
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status) ([]Definition, error) {
	out, err := s.list(ctx, "status = ?", orderCreated, string(status))
	return out, errors.Wrapf(err, "list %s schedules", status)
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT status, rule_kind, COUNT(*) FROM report_schedules
		WHERE active = 1 GROUP BY status, rule_kind`)
	if err != nil {
		return Stats{}, errors.Wrap(err, "schedule stats")
	}
	defer rows.Close()
	stats := Stats{ByStatus: make(map[Status]int), ByRule: make(map[RuleKind]int)}
	for rows.Next() {
		var (
			status, kind string
			n            int
		)
		if err := rows.Scan(&status, &kind, &n); err != nil {
			return Stats{}, errors.Wrap(err, "schedule stats")
		}
		stats.Total += n
		stats.ByStatus[Status(status)] += n
		stats.ByRule[RuleKind(kind)] += n
	}
	return stats, errors.Wrap(rows.Err(), "schedule stats")
}
