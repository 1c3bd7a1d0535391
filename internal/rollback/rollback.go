package rollback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirajehossain/schemaguard/internal/changelog"
	"github.com/mirajehossain/schemaguard/internal/executor"
)

var (
	ErrScriptMissing   = errors.New("no rollback script registered")
	ErrVersionNotFound = errors.New("version not applied or already rolled back")
)

// Candidate pairs an applied versioned entry with whether a rollback script
// is currently registered for it.
type Candidate struct {
	Entry            changelog.Entry
	ScriptRegistered bool
}

// Manager stores reversal scripts and replays them. Every attempt, failed or
// not, is appended to the rollback history; a successful replay additionally
// flips the original changelog entry to unsuccessful.
type Manager struct {
	db           *sql.DB
	store        *changelog.Store
	schema       executor.SchemaExecutor
	log          *logrus.Logger
	principal    string
	scriptsTable string
	historyTable string
}

func NewManager(db *sql.DB, store *changelog.Store, schema executor.SchemaExecutor, log *logrus.Logger, principal, scriptsTable, historyTable string) *Manager {
	return &Manager{
		db:           db,
		store:        store,
		schema:       schema,
		log:          log,
		principal:    principal,
		scriptsTable: scriptsTable,
		historyTable: historyTable,
	}
}

// Register stores the reversal script for a version, overwriting any previous
// one. Registration is independent of whether the forward migration has run.
func (m *Manager) Register(ctx context.Context, version, script string) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (version, script, created_at, created_by)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE script=VALUES(script), created_at=VALUES(created_at), created_by=VALUES(created_by)
`, m.scriptsTable),
		version, script, time.Now().UTC(), m.principal,
	)
	return err
}

// Script returns the registered rollback script for version.
func (m *Manager) Script(ctx context.Context, version string) (script string, ok bool, err error) {
	row := m.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT script FROM %s WHERE version = ?`, m.scriptsTable), version)
	switch err = row.Scan(&script); {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return script, true, nil
}

// Rollback reverses one applied versioned migration. The attempt lands in the
// rollback history either way; only on success is the original changelog
// entry flipped.
func (m *Manager) Rollback(ctx context.Context, version string) error {
	entry, ok, err := m.store.LatestVersioned(ctx, version)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	script, ok, err := m.Script(ctx, version)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrScriptMissing, version)
	}

	m.log.WithFields(logrus.Fields{"version": version, "changelog_id": entry.ID}).Info("rolling back migration")
	start := time.Now()
	execErr := m.schema.ExecSchema(ctx, script)
	elapsed := time.Since(start)

	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	}
	if err := m.appendHistory(ctx, entry.ID, version, script, elapsed, execErr == nil, errMsg); err != nil {
		m.log.WithError(err).Warn("could not record rollback attempt")
	}
	if execErr != nil {
		return fmt.Errorf("rollback of %s failed: %w", version, execErr)
	}
	if err := m.store.MarkRolledBack(ctx, entry.ID); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"version": version, "duration_ms": elapsed.Milliseconds()}).Info("rollback complete")
	return nil
}

// RollbackTo reverses every successfully applied versioned migration with a
// version greater than target, newest first, and reports how many were
// reversed. The target version itself stays applied.
func (m *Manager) RollbackTo(ctx context.Context, target string) (int, error) {
	entries, err := m.store.AppliedVersioned(ctx)
	if err != nil {
		return 0, err
	}
	var above []changelog.Entry
	for _, e := range entries {
		if e.Version > target {
			above = append(above, e)
		}
	}
	sort.Slice(above, func(i, j int) bool { return above[i].Version > above[j].Version })

	reversed := 0
	for _, e := range above {
		if err := m.Rollback(ctx, e.Version); err != nil {
			return reversed, err
		}
		reversed++
	}
	return reversed, nil
}

// ListCandidates returns every applied versioned entry together with whether
// a rollback script is registered for it.
func (m *Manager) ListCandidates(ctx context.Context) ([]Candidate, error) {
	entries, err := m.store.AppliedVersioned(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`SELECT version FROM %s`, m.scriptsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	registered := map[string]struct{}{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		registered[v] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		_, ok := registered[e.Version]
		out = append(out, Candidate{Entry: e, ScriptRegistered: ok})
	}
	return out, nil
}

func (m *Manager) appendHistory(ctx context.Context, changelogID int64, version, script string, elapsed time.Duration, success bool, errMsg string) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (changelog_id, version, script, executed_at, duration_ms, success, error_message)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, m.historyTable),
		changelogID, version, script, time.Now().UTC(), elapsed.Milliseconds(), success, errMsg,
	)
	return err
}
