package changelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// InitialVersion is reported by CurrentVersion when nothing has been applied.
const InitialVersion = "0"

var ErrBaselineConflict = errors.New("baseline rejected: versioned history already exists")

const columns = "id, version, description, kind, filename, checksum, execution_ms, executed_at, executed_by, success"

// Store is the durable ledger of migration attempts. All reads and writes go
// through the shared *sql.DB; each write commits independently of any
// migration transaction, so failed attempts leave a trace.
type Store struct {
	DB    *sql.DB
	Table string
}

func NewStore(db *sql.DB, table string) *Store {
	return &Store{DB: db, Table: table}
}

// IsVersionApplied reports whether a successful versioned or baseline entry
// exists for version.
func (s *Store) IsVersionApplied(ctx context.Context, version string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(1) FROM %s WHERE version = ? AND kind IN ('versioned','baseline') AND success = 1`, s.Table), version)
	var n int64
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// VersionedChecksum returns the checksum stored with the successful versioned
// entry for version. ok is false when no such entry exists.
func (s *Store) VersionedChecksum(ctx context.Context, version string) (sum string, ok bool, err error) {
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT checksum FROM %s WHERE version = ? AND kind = 'versioned' AND success = 1 ORDER BY executed_at DESC, id DESC LIMIT 1`, s.Table), version)
	switch err = row.Scan(&sum); {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return sum, true, nil
}

// RepeatableChecksum returns the checksum of the latest successful repeatable
// entry for filename. ok is false when the file has never run successfully.
func (s *Store) RepeatableChecksum(ctx context.Context, filename string) (sum string, ok bool, err error) {
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT checksum FROM %s WHERE filename = ? AND kind = 'repeatable' AND success = 1 ORDER BY executed_at DESC, id DESC LIMIT 1`, s.Table), filename)
	switch err = row.Scan(&sum); {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return sum, true, nil
}

// CurrentVersion returns the version of the most recent successful versioned
// or baseline entry, ordered by executed_at with id as tiebreaker, or
// InitialVersion when the ledger holds none.
func (s *Store) CurrentVersion(ctx context.Context) (string, error) {
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT version FROM %s WHERE kind IN ('versioned','baseline') AND success = 1 ORDER BY executed_at DESC, id DESC LIMIT 1`, s.Table))
	var v string
	switch err := row.Scan(&v); {
	case errors.Is(err, sql.ErrNoRows):
		return InitialVersion, nil
	case err != nil:
		return "", err
	}
	return v, nil
}

// Record durably inserts one attempt and returns its id. A forced re-apply
// of an already successful versioned unit collides on the uniqueness key and
// updates that row in place instead of inserting a sibling.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (version, description, kind, filename, checksum, execution_ms, executed_at, executed_by, success)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE id=LAST_INSERT_ID(id), description=VALUES(description), filename=VALUES(filename),
checksum=VALUES(checksum), execution_ms=VALUES(execution_ms), executed_at=VALUES(executed_at),
executed_by=VALUES(executed_by), success=VALUES(success)`, s.Table),
		e.Version, e.Description, string(e.Kind), e.Filename, e.Checksum, e.ExecutionMS, e.ExecutedAt, e.ExecutedBy, e.Success,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// History returns entries newest first. limit <= 0 means no limit. Failed
// attempts are filtered out unless includeFailed is set.
func (s *Store) History(ctx context.Context, limit int, includeFailed bool) ([]Entry, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s`, columns, s.Table)
	if !includeFailed {
		q += ` WHERE success = 1`
	}
	q += ` ORDER BY executed_at DESC, id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Pending filters candidates down to versions without a successful versioned
// or baseline entry, sorted ascending.
func (s *Store) Pending(ctx context.Context, candidates []string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT DISTINCT version FROM %s WHERE kind IN ('versioned','baseline') AND success = 1`, s.Table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := map[string]struct{}{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	pending := make([]string, 0, len(candidates))
	for _, v := range candidates {
		if _, ok := applied[v]; !ok {
			pending = append(pending, v)
		}
	}
	sort.Strings(pending)
	return pending, nil
}

// AppliedVersioned returns every successful versioned entry, version ascending.
func (s *Store) AppliedVersioned(ctx context.Context) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE kind = 'versioned' AND success = 1 ORDER BY version ASC`, columns, s.Table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// LatestVersioned returns the successful versioned entry for version, if any.
func (s *Store) LatestVersioned(ctx context.Context, version string) (Entry, bool, error) {
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE version = ? AND kind = 'versioned' AND success = 1 ORDER BY executed_at DESC, id DESC LIMIT 1`, columns, s.Table), version)
	e, err := scanEntry(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Entry{}, false, nil
	case err != nil:
		return Entry{}, false, err
	}
	return e, true, nil
}

// MarkRolledBack flips the success flag of one entry. This is the only
// mutation the ledger permits and it is reserved for the rollback path.
func (s *Store) MarkRolledBack(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET success = 0 WHERE id = ?`, s.Table), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("changelog entry %d not found", id)
	}
	return nil
}

// SetBaseline records a baseline marker. It fails with ErrBaselineConflict
// when any successful versioned entry already exists.
func (s *Store) SetBaseline(ctx context.Context, version, description, executedBy string) (int64, error) {
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(1) FROM %s WHERE kind = 'versioned' AND success = 1`, s.Table))
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, ErrBaselineConflict
	}
	return s.Record(ctx, Entry{
		Version:     version,
		Description: description,
		Kind:        KindBaseline,
		ExecutedAt:  time.Now().UTC(),
		ExecutedBy:  executedBy,
		Success:     true,
	})
}

// ClearFailed purges failed attempts and reports how many were removed.
func (s *Store) ClearFailed(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE success = 0`, s.Table))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEntry(row *sql.Row) (Entry, error) {
	var e Entry
	var kind string
	err := row.Scan(&e.ID, &e.Version, &e.Description, &kind, &e.Filename, &e.Checksum, &e.ExecutionMS, &e.ExecutedAt, &e.ExecutedBy, &e.Success)
	e.Kind = Kind(kind)
	return e, err
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var kind string
		if err := rows.Scan(&e.ID, &e.Version, &e.Description, &kind, &e.Filename, &e.Checksum, &e.ExecutionMS, &e.ExecutedAt, &e.ExecutedBy, &e.Success); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}
