package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// OpenMySQL opens a pooled connection. parseTime is forced on so TIMESTAMP
// columns scan into time.Time; multiStatements must be set in the DSN when
// migration files contain more than one statement.
func OpenMySQL(dsn string) (*sql.DB, error) {
	if !strings.Contains(strings.ToLower(dsn), "parsetime=") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Tables names the system tables the engine owns.
type Tables struct {
	Changelog       string
	RollbackScripts string
	RollbackHistory string
	LockHolder      string
}

// EnsureSchema creates the system tables when missing. MySQL has no partial
// indexes, so the "one successful versioned row per version" constraint is a
// unique key over a generated column that is NULL for every other row.
func EnsureSchema(ctx context.Context, db *sql.DB, t Tables) error {
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id BIGINT PRIMARY KEY AUTO_INCREMENT,
  version VARCHAR(64) NOT NULL,
  description VARCHAR(255) NOT NULL,
  kind ENUM('versioned','repeatable','baseline') NOT NULL,
  filename VARCHAR(255) NOT NULL DEFAULT '',
  checksum CHAR(64) NOT NULL DEFAULT '',
  execution_ms BIGINT NULL,
  executed_at TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
  executed_by VARCHAR(255) NOT NULL,
  success TINYINT(1) NOT NULL,
  applied_version VARCHAR(64) GENERATED ALWAYS AS
    (CASE WHEN kind = 'versioned' AND success = 1 THEN version END) VIRTUAL,
  UNIQUE KEY uniq_versioned_success (applied_version)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`, t.Changelog),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  version VARCHAR(64) PRIMARY KEY,
  script MEDIUMTEXT NOT NULL,
  created_at TIMESTAMP(3) NOT NULL,
  created_by VARCHAR(255) NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`, t.RollbackScripts),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id BIGINT PRIMARY KEY AUTO_INCREMENT,
  changelog_id BIGINT NOT NULL,
  version VARCHAR(64) NOT NULL,
  script MEDIUMTEXT NOT NULL,
  executed_at TIMESTAMP(3) NOT NULL,
  duration_ms BIGINT NOT NULL,
  success TINYINT(1) NOT NULL,
  error_message TEXT NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`, t.RollbackHistory),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  lock_key BIGINT PRIMARY KEY,
  process_id BIGINT NOT NULL,
  principal VARCHAR(255) NOT NULL,
  run_id CHAR(36) NOT NULL,
  connected_at TIMESTAMP(3) NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`, t.LockHolder),
	}
	for _, ddl := range stmts {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// TxExecutor applies one script inside its own transaction, the narrow
// capability the migration engine depends on.
type TxExecutor struct {
	DB *sql.DB
}

func (e *TxExecutor) ExecSchema(ctx context.Context, script string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
