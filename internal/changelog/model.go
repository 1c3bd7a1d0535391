package changelog

import (
	"database/sql"
	"time"
)

// Kind classifies a changelog entry. The set is closed.
type Kind string

const (
	KindVersioned  Kind = "versioned"
	KindRepeatable Kind = "repeatable"
	KindBaseline   Kind = "baseline"
)

// Entry is one row of the changelog: a single migration attempt and its
// outcome. For repeatable entries Version equals Filename.
type Entry struct {
	ID          int64
	Version     string
	Description string
	Kind        Kind
	Filename    string
	Checksum    string
	ExecutionMS sql.NullInt64
	ExecutedAt  time.Time
	ExecutedBy  string
	Success     bool
}
