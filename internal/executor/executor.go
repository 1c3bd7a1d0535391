package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirajehossain/schemaguard/internal/changelog"
	"github.com/mirajehossain/schemaguard/internal/checksum"
)

var ErrChecksumMismatch = errors.New("checksum mismatch: applied migration was modified")

// MigrationError wraps the database error a migration failed with.
type MigrationError struct {
	Version  string
	Filename string
	Err      error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s (%s) failed: %v", e.Version, e.Filename, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// SchemaExecutor runs an opaque migration script against the target schema.
// The engine never interprets the script itself.
type SchemaExecutor interface {
	ExecSchema(ctx context.Context, script string) error
}

// Unit is one candidate migration. Content is opaque to the engine; only its
// fingerprint is inspected.
type Unit struct {
	Version     string
	Description string
	Kind        changelog.Kind
	Filename    string
	Content     string
}

// State is the terminal state of one Execute call.
type State string

const (
	StateApplied State = "applied"
	StateSkipped State = "skipped"
	StateFailed  State = "failed"
)

// Result reports what Execute did with a unit.
type Result struct {
	State    State
	EntryID  int64
	Checksum string
	Duration time.Duration
}

// Executor applies a single migration unit, consulting the changelog to
// decide between apply, skip and error.
type Executor struct {
	schema    SchemaExecutor
	store     *changelog.Store
	log       *logrus.Logger
	principal string
}

func New(schema SchemaExecutor, store *changelog.Store, log *logrus.Logger, principal string) *Executor {
	return &Executor{schema: schema, store: store, log: log, principal: principal}
}

// Execute runs the unit's state machine. Versioned units already applied are
// skipped, after checksum validation unless validateChecksum is off.
// Repeatable units run only when their fingerprint differs from the last
// recorded one. At most one changelog entry is written per call, and the
// entry commits independently of the migration transaction, so failures
// leave a trace.
func (e *Executor) Execute(ctx context.Context, u Unit, validateChecksum bool) (Result, error) {
	sum := checksum.Fingerprint(u.Content)

	switch u.Kind {
	case changelog.KindVersioned:
		applied, err := e.store.IsVersionApplied(ctx, u.Version)
		if err != nil {
			return Result{}, err
		}
		// With validation off an applied unit falls through and re-runs;
		// the ledger row is then updated in place.
		if applied && validateChecksum {
			stored, ok, err := e.store.VersionedChecksum(ctx, u.Version)
			if err != nil {
				return Result{}, err
			}
			if ok && stored != sum {
				return Result{}, fmt.Errorf("%w: version %s (stored %s, file %s)",
					ErrChecksumMismatch, u.Version, checksum.Prefix(stored, 12), checksum.Prefix(sum, 12))
			}
			e.log.WithFields(logrus.Fields{"version": u.Version, "file": u.Filename}).Debug("already applied, skipping")
			return Result{State: StateSkipped, Checksum: sum}, nil
		}
	case changelog.KindRepeatable:
		stored, ok, err := e.store.RepeatableChecksum(ctx, u.Filename)
		if err != nil {
			return Result{}, err
		}
		if ok && stored == sum {
			e.log.WithFields(logrus.Fields{"file": u.Filename}).Debug("unchanged, skipping")
			return Result{State: StateSkipped, Checksum: sum}, nil
		}
	default:
		return Result{}, fmt.Errorf("cannot execute %s unit %q", u.Kind, u.Version)
	}

	e.log.WithFields(logrus.Fields{"version": u.Version, "kind": u.Kind, "file": u.Filename}).Info("applying migration")
	start := time.Now()
	execErr := e.schema.ExecSchema(ctx, u.Content)
	elapsed := time.Since(start)

	entry := changelog.Entry{
		Version:     u.entryVersion(),
		Description: u.Description,
		Kind:        u.Kind,
		Filename:    u.Filename,
		Checksum:    sum,
		ExecutionMS: sql.NullInt64{Int64: elapsed.Milliseconds(), Valid: true},
		ExecutedAt:  time.Now().UTC(),
		ExecutedBy:  e.principal,
		Success:     execErr == nil,
	}
	id, recErr := e.store.Record(ctx, entry)

	if execErr != nil {
		if recErr != nil {
			e.log.WithError(recErr).Warn("could not record failed attempt")
		}
		return Result{State: StateFailed, EntryID: id, Checksum: sum, Duration: elapsed},
			&MigrationError{Version: u.Version, Filename: u.Filename, Err: execErr}
	}
	if recErr != nil {
		return Result{}, recErr
	}
	e.log.WithFields(logrus.Fields{"version": u.Version, "file": u.Filename, "duration_ms": elapsed.Milliseconds()}).Info("migration applied")
	return Result{State: StateApplied, EntryID: id, Checksum: sum, Duration: elapsed}, nil
}

// entryVersion is the ledger key: the version for versioned units, the
// filename for repeatable ones.
func (u Unit) entryVersion() string {
	if u.Kind == changelog.KindRepeatable {
		return u.Filename
	}
	return u.Version
}
