package cache

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

const cacheSchema = `
CREATE TABLE IF NOT EXISTS report_cache (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint TEXT NOT NULL UNIQUE,
	owner TEXT NOT NULL,
	report_kind TEXT NOT NULL,
	output_format TEXT NOT NULL,
	template_ref TEXT NOT NULL DEFAULT '',
	artifact_location TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	record_count INTEGER NOT NULL DEFAULT 0,
	generation_ms INTEGER NOT NULL DEFAULT 0,
	hit_count INTEGER NOT NULL DEFAULT 0,
	last_access_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER,
	status TEXT NOT NULL,
	metadata BLOB
);
CREATE INDEX IF NOT EXISTS idx_report_cache_owner ON report_cache(owner, status);
CREATE INDEX IF NOT EXISTS idx_report_cache_kind ON report_cache(report_kind, status);
CREATE INDEX IF NOT EXISTS idx_report_cache_last_access ON report_cache(last_access_at);
CREATE INDEX IF NOT EXISTS idx_report_cache_expires ON report_cache(expires_at);
`

const cacheColumns = `fingerprint, owner, report_kind, output_format, template_ref, artifact_location,
	size_bytes, record_count, generation_ms, hit_count, last_access_at, created_at, updated_at,
	expires_at, status, metadata`

// SQLiteDurable is a DurableTier stored in the report_cache table. It does
// not own the database handle.
type SQLiteDurable struct {
	db *sql.DB
}

var _ DurableTier = (*SQLiteDurable)(nil)

// NewSQLiteDurable creates the report_cache table and indexes if needed.
func NewSQLiteDurable(ctx context.Context, db *sql.DB) (*SQLiteDurable, error) {
	if db == nil {
		return nil, errors.New("sqlite durable tier: nil database")
	}
	for _, stmt := range strings.Split(cacheSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, errors.Wrap(err, "create report_cache schema")
		}
	}
	return &SQLiteDurable{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e                            Entry
		owner, kind, format, status  string
		generationMS                 int64
		lastAccess, created, updated int64
		expires                      sql.NullInt64
		metadata                     []byte
	)
	if err := row.Scan(&e.Fingerprint, &owner, &kind, &format, &e.TemplateRef, &e.ArtifactLocation,
		&e.SizeBytes, &e.RecordCount, &generationMS, &e.HitCount, &lastAccess, &created, &updated,
		&expires, &status, &metadata); err != nil {
		return Entry{}, err
	}
	var err error
	if e.Owner, err = report.ParseOwner(owner); err != nil {
		return Entry{}, err
	}
	if e.Status, err = ParseStatus(status); err != nil {
		return Entry{}, err
	}
	e.ReportKind = report.Kind(kind)
	e.OutputFormat = report.Format(format)
	e.GenerationDuration = time.Duration(generationMS) * time.Millisecond
	e.LastAccessTime = time.Unix(0, lastAccess).UTC()
	e.CreatedAt = time.Unix(0, created).UTC()
	e.UpdatedAt = time.Unix(0, updated).UTC()
	e.ExpiresAt = storage.TimeFrom(expires)
	if len(metadata) > 0 {
		if err := msgpack.Unmarshal(metadata, &e.Metadata); err != nil {
			return Entry{}, errors.Wrap(err, "decode entry metadata")
		}
	}
	return e, nil
}

func entryArgs(e Entry) ([]any, error) {
	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = msgpack.Marshal(e.Metadata); err != nil {
			return nil, errors.Wrap(err, "encode entry metadata")
		}
	}
	return []any{
		e.Fingerprint, e.Owner.String(), string(e.ReportKind), string(e.OutputFormat), e.TemplateRef,
		e.ArtifactLocation, e.SizeBytes, e.RecordCount, e.GenerationDuration.Milliseconds(), e.HitCount,
		e.LastAccessTime.UnixNano(), e.CreatedAt.UnixNano(), e.UpdatedAt.UnixNano(),
		storage.NullTime(e.ExpiresAt), string(e.Status), metadata,
	}, nil
}

func (s *SQLiteDurable) Find(ctx context.Context, fingerprint string) (bool, Entry, error) {
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+cacheColumns+` FROM report_cache WHERE fingerprint = ?`, fingerprint)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, Entry{}, nil
	}
	if err != nil {
		return false, Entry{}, errors.Wrapf(err, "find %s", fingerprint)
	}
	return true, e, nil
}

func (s *SQLiteDurable) FindAvailable(ctx context.Context, fingerprint string, now time.Time) (bool, Entry, error) {
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+cacheColumns+` FROM report_cache
		WHERE fingerprint = ? AND status = ? AND (expires_at IS NULL OR expires_at > ?)`,
		fingerprint, string(StatusCompleted), now.UnixNano())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, Entry{}, nil
	}
	if err != nil {
		return false, Entry{}, errors.Wrapf(err, "find available %s", fingerprint)
	}
	return true, e, nil
}

func (s *SQLiteDurable) Insert(ctx context.Context, entry Entry) error {
	args, err := entryArgs(entry)
	if err != nil {
		return err
	}
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `INSERT INTO report_cache (`+cacheColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if storage.IsUniqueViolation(err) {
		return errors.Wrapf(ErrDuplicateFingerprint, "insert %s", entry.Fingerprint)
	}
	if err != nil {
		return errors.Wrapf(err, "insert %s", entry.Fingerprint)
	}
	return nil
}

func (s *SQLiteDurable) Update(ctx context.Context, entry Entry) error {
	args, err := entryArgs(entry)
	if err != nil {
		return err
	}
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE report_cache SET
		owner = ?, report_kind = ?, output_format = ?, template_ref = ?, artifact_location = ?,
		size_bytes = ?, record_count = ?, generation_ms = ?, hit_count = ?, last_access_at = ?,
		created_at = ?, updated_at = ?, expires_at = ?, status = ?, metadata = ?
		WHERE fingerprint = ?`, append(args[1:], args[0])...)
	if err != nil {
		return errors.Wrapf(err, "update %s", entry.Fingerprint)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf("update %s: no such entry", entry.Fingerprint)
	}
	return nil
}

func (s *SQLiteDurable) RecordHit(ctx context.Context, fingerprint string, now time.Time) error {
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `UPDATE report_cache SET hit_count = hit_count + 1, last_access_at = ?
		WHERE fingerprint = ?`, now.UnixNano(), fingerprint)
	return errors.Wrapf(err, "record hit %s", fingerprint)
}

func (s *SQLiteDurable) Invalidate(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE report_cache SET status = ?, updated_at = ?
		WHERE fingerprint = ? AND status != ?`,
		string(StatusInvalid), now.UnixNano(), fingerprint, string(StatusInvalid))
	if err != nil {
		return false, errors.Wrapf(err, "invalidate %s", fingerprint)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "invalidate %s", fingerprint)
	}
	return n > 0, nil
}

func (s *SQLiteDurable) list(ctx context.Context, where string, order string, args ...any) ([]Entry, error) {
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	query := `SELECT ` + cacheColumns + ` FROM report_cache WHERE status != ? AND ` + where + ` ORDER BY ` + order
	rows, err := s.db.QueryContext(ctx, query, append([]any{string(StatusInvalid)}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const (
	orderNewest = "created_at DESC, id DESC"
	orderLRU    = "last_access_at ASC, id ASC"
)

func (s *SQLiteDurable) ListByOwner(ctx context.Context, owner report.Owner) ([]Entry, error) {
	out, err := s.list(ctx, "owner = ?", orderNewest, owner.String())
	return out, errors.Wrapf(err, "list owner %s", owner)
}

func (s *SQLiteDurable) ListByKind(ctx context.Context, kind report.Kind) ([]Entry, error) {
	out, err := s.list(ctx, "report_kind = ?", orderNewest, string(kind.Normalize()))
	return out, errors.Wrapf(err, "list kind %s", kind)
}

func (s *SQLiteDurable) ListExpired(ctx context.Context, now time.Time) ([]Entry, error) {
	out, err := s.list(ctx, "expires_at IS NOT NULL AND expires_at <= ?", orderLRU, now.UnixNano())
	return out, errors.Wrap(err, "list expired")
}

func (s *SQLiteDurable) ListUnusedSince(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	out, err := s.list(ctx, "last_access_at < ?", orderLRU, cutoff.UnixNano())
	return out, errors.Wrap(err, "list unused")
}

func (s *SQLiteDurable) TotalValidBytes(ctx context.Context) (int64, error) {
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	var total int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM report_cache WHERE status != ?`,
		string(StatusInvalid)).Scan(&total)
	return total, errors.Wrap(err, "total valid bytes")
}

func (s *SQLiteDurable) Stats(ctx context.Context) (DurableStats, error) {
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	stats := DurableStats{ByKind: make(map[report.Kind]int64)}
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status != ? THEN size_bytes ELSE 0 END), 0),
			AVG(CASE WHEN status != ? THEN hit_count END)
		FROM report_cache`,
		string(StatusCompleted), string(StatusInvalid), string(StatusInvalid),
	).Scan(&stats.TotalEntries, &stats.ValidEntries, &stats.TotalSizeBytes, &avg)
	if err != nil {
		return DurableStats{}, errors.Wrap(err, "cache stats")
	}
	stats.AverageHitCount = avg.Float64

	rows, err := s.db.QueryContext(ctx, `SELECT report_kind, COUNT(*) FROM report_cache
		WHERE status != ? GROUP BY report_kind`, string(StatusInvalid))
	if err != nil {
		return DurableStats{}, errors.Wrap(err, "cache stats by kind")
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return DurableStats{}, errors.Wrap(err, "cache stats by kind")
		}
		stats.ByKind[report.Kind(kind)] = n
	}
	return stats, errors.Wrap(rows.Err(), "cache stats by kind")
}

func (s *SQLiteDurable) PruneInvalid(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := storage.QueryContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM report_cache WHERE status = ? AND updated_at < ?`,
		string(StatusInvalid), cutoff.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "prune invalid entries")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "prune invalid entries")
}
