package changelog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

const testTable = "schema_changelog"

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, testTable), mock
}

func entryColumns() []string {
	return []string{"id", "version", "description", "kind", "filename", "checksum", "execution_ms", "executed_at", "executed_by", "success"}
}

func TestIsVersionApplied(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT COUNT").WithArgs("001").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	applied, err := s.IsVersionApplied(context.Background(), "001")
	require.NoError(t, err)
	require.True(t, applied)

	mock.ExpectQuery("SELECT COUNT").WithArgs("002").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	applied, err = s.IsVersionApplied(context.Background(), "002")
	require.NoError(t, err)
	require.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionedChecksumAbsent(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT checksum").WithArgs("001").
		WillReturnRows(sqlmock.NewRows([]string{"checksum"}))
	_, ok, err := s.VersionedChecksum(context.Background(), "001")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRepeatableChecksum(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT checksum").WithArgs("R__views.sql").
		WillReturnRows(sqlmock.NewRows([]string{"checksum"}).AddRow("abc123"))
	sum, ok, err := s.RepeatableChecksum(context.Background(), "R__views.sql")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc123", sum)
}

func TestCurrentVersionDefaultsToZero(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT version").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	v, err := s.CurrentVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, InitialVersion, v)

	mock.ExpectQuery("SELECT version").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("007"))
	v, err = s.CurrentVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, "007", v)
}

func TestRecordReturnsInsertID(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("INSERT INTO schema_changelog").
		WillReturnResult(sqlmock.NewResult(42, 1))
	id, err := s.Record(context.Background(), Entry{
		Version:     "001",
		Description: "init",
		Kind:        KindVersioned,
		Filename:    "V001__init.sql",
		Checksum:    "deadbeef",
		ExecutionMS: sql.NullInt64{Int64: 12, Valid: true},
		ExecutedAt:  time.Now().UTC(),
		ExecutedBy:  "tester",
		Success:     true,
	})
	require.NoError(t, err)
	require.EqualValues(t, 42, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistorySkipsFailedByDefault(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows(entryColumns()).
		AddRow(2, "002", "add col", "versioned", "V002__add_col.sql", "bbb", int64(3), now, "tester", true).
		AddRow(1, "001", "init", "versioned", "V001__init.sql", "aaa", int64(5), now.Add(-time.Minute), "tester", true)
	mock.ExpectQuery("WHERE success = 1").WithArgs(10).WillReturnRows(rows)

	entries, err := s.History(context.Background(), 10, false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "002", entries[0].Version)
	require.Equal(t, KindVersioned, entries[0].Kind)
	require.True(t, entries[1].ExecutionMS.Valid)
}

func TestPendingFiltersAndSorts(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT DISTINCT version").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("002"))
	pending, err := s.Pending(context.Background(), []string{"003", "001", "002"})
	require.NoError(t, err)
	require.Equal(t, []string{"001", "003"}, pending)
}

func TestMarkRolledBack(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE schema_changelog SET success = 0").WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.MarkRolledBack(context.Background(), 9))

	mock.ExpectExec("UPDATE schema_changelog SET success = 0").WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.Error(t, s.MarkRolledBack(context.Background(), 10))
}

func TestSetBaselineConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(3))
	_, err := s.SetBaseline(context.Background(), "005", "adopt tracking", "tester")
	require.ErrorIs(t, err, ErrBaselineConflict)
}

func TestSetBaselineOnEmptyHistory(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	mock.ExpectExec("INSERT INTO schema_changelog").
		WillReturnResult(sqlmock.NewResult(1, 1))
	id, err := s.SetBaseline(context.Background(), "005", "adopt tracking", "tester")
	require.NoError(t, err)
	require.EqualValues(t, 1, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClearFailed(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("DELETE FROM schema_changelog WHERE success = 0").
		WillReturnResult(sqlmock.NewResult(0, 4))
	n, err := s.ClearFailed(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 4, n)
}

func TestLatestVersioned(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT id, version").WithArgs("003").
		WillReturnRows(sqlmock.NewRows(entryColumns()).
			AddRow(7, "003", "add idx", "versioned", "V003__add_idx.sql", "ccc", int64(8), now, "tester", true))
	e, ok, err := s.LatestVersioned(context.Background(), "003")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 7, e.ID)

	mock.ExpectQuery("SELECT id, version").WithArgs("099").
		WillReturnRows(sqlmock.NewRows(entryColumns()))
	_, ok, err = s.LatestVersioned(context.Background(), "099")
	require.NoError(t, err)
	require.False(t, ok)
}
