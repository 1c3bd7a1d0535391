package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotHeld = errors.New("migration lock not held")
	ErrTimeout = errors.New("timed out waiting for migration lock")
)

// pollInterval bounds the wake latency of AcquireWait.
const pollInterval = 100 * time.Millisecond

// Config identifies the mutual-exclusion resource. It is immutable after
// construction.
type Config struct {
	Key            int64
	DefaultTimeout time.Duration
}

// HolderInfo describes the session currently holding the lock.
type HolderInfo struct {
	ProcessID   int64
	Principal   string
	RunID       string
	ConnectedAt time.Time
}

// Manager serializes migration runs through a MySQL advisory lock
// (GET_LOCK/RELEASE_LOCK) taken on a dedicated connection. The lock is
// re-entrant for the same Manager: every acquire must be paired with a
// release, and only the last release gives the lock up. Alongside the
// advisory lock the Manager maintains an explicit holder row so other
// sessions can see who holds the lease.
type Manager struct {
	db          *sql.DB
	cfg         Config
	name        string
	principal   string
	runID       string
	holderTable string

	conn  *sql.Conn
	depth int
}

func NewManager(db *sql.DB, cfg Config, principal, holderTable string) *Manager {
	return &Manager{
		db:          db,
		cfg:         cfg,
		name:        fmt.Sprintf("schemaguard:%d", cfg.Key),
		principal:   principal,
		runID:       uuid.NewString(),
		holderTable: holderTable,
	}
}

// Name returns the advisory lock name derived from the configured key.
func (m *Manager) Name() string { return m.name }

// RunID identifies this Manager's lease across acquire/release cycles.
func (m *Manager) RunID() string { return m.runID }

// TryAcquire attempts to take the lock without blocking. Re-acquiring an
// already held lock succeeds and increments the release count.
func (m *Manager) TryAcquire(ctx context.Context) (bool, error) {
	if m.depth > 0 {
		m.depth++
		return true, nil
	}
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	row := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.name)
	var got sql.NullInt64
	if err := row.Scan(&got); err != nil {
		_ = conn.Close()
		return false, err
	}
	if !got.Valid || got.Int64 != 1 {
		_ = conn.Close()
		return false, nil
	}
	m.conn = conn
	m.depth = 1
	// The advisory lock is what actually excludes; a failed holder-row
	// write must not fail the acquire.
	_ = m.recordHolder(ctx)
	return true, nil
}

// AcquireWait polls TryAcquire at a fixed interval until the lock is taken or
// the timeout elapses, then fails with ErrTimeout. A non-positive timeout
// selects the configured default.
func (m *Manager) AcquireWait(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		ok, err := m.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().Add(pollInterval).After(deadline) {
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release undoes one acquire. It returns false when the caller does not hold
// the lock. The connection is handed back only on the final release.
func (m *Manager) Release(ctx context.Context) (bool, error) {
	if m.depth == 0 {
		return false, nil
	}
	m.depth--
	if m.depth > 0 {
		return true, nil
	}
	_, _ = m.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE lock_key = ?", m.holderTable), m.cfg.Key)
	row := m.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.name)
	var rel sql.NullInt64
	_ = row.Scan(&rel) // releasing best effort; closing the conn frees the lock anyway
	err := m.conn.Close()
	m.conn = nil
	return true, err
}

// Held reports whether this Manager currently holds the lock.
func (m *Manager) Held() bool { return m.depth > 0 }

// Locked reports whether any session holds the lock.
func (m *Manager) Locked(ctx context.Context) (bool, error) {
	row := m.db.QueryRowContext(ctx, "SELECT IS_FREE_LOCK(?)", m.name)
	var free sql.NullInt64
	if err := row.Scan(&free); err != nil {
		return false, err
	}
	if !free.Valid {
		return false, errors.New("IS_FREE_LOCK returned NULL")
	}
	return free.Int64 == 0, nil
}

// Holder returns the recorded holder lease, or nil when the lock is free.
func (m *Manager) Holder(ctx context.Context) (*HolderInfo, error) {
	row := m.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT process_id, principal, run_id, connected_at FROM %s WHERE lock_key = ?", m.holderTable), m.cfg.Key)
	var h HolderInfo
	switch err := row.Scan(&h.ProcessID, &h.Principal, &h.RunID, &h.ConnectedAt); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &h, nil
}

func (m *Manager) recordHolder(ctx context.Context) error {
	_, err := m.conn.ExecContext(ctx, fmt.Sprintf(
		"REPLACE INTO %s (lock_key, process_id, principal, run_id, connected_at) VALUES (?, CONNECTION_ID(), ?, ?, ?)", m.holderTable),
		m.cfg.Key, m.principal, m.runID, time.Now().UTC(),
	)
	return err
}
