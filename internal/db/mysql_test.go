package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestOpenMySQLAppendsParseTime(t *testing.T) {
	db, err := OpenMySQL("user:pass@tcp(localhost:3306)/db")
	require.NoError(t, err)
	db.Close()
}

func TestEnsureSchemaCreatesAllTables(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_changelog").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_rollback_scripts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_rollback_history").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_lock_holder").WillReturnResult(sqlmock.NewResult(0, 0))

	tables := Tables{
		Changelog:       "schema_changelog",
		RollbackScripts: "schema_rollback_scripts",
		RollbackHistory: "schema_rollback_history",
		LockHolder:      "schema_lock_holder",
	}
	require.NoError(t, EnsureSchema(context.Background(), db, tables))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxExecutorCommitsOnSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	e := &TxExecutor{DB: db}
	require.NoError(t, e.ExecSchema(context.Background(), "CREATE TABLE a(id INT);"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxExecutorRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("syntax error")
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE a").WillReturnError(boom)
	mock.ExpectRollback()

	e := &TxExecutor{DB: db}
	require.ErrorIs(t, e.ExecSchema(context.Background(), "CREATE TABLE a(id INT);"), boom)
	require.NoError(t, mock.ExpectationsWereMet())
}
