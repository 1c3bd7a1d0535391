package source

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/mirajehossain/schemaguard/internal/changelog"
)

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestScanDir(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "V002__add_index.sql", "CREATE INDEX i ON t(a);")
	write(t, dir, "V001__create_table.sql", "CREATE TABLE t(a INT);")
	write(t, dir, "U001__create_table.sql", "DROP TABLE t;")
	write(t, dir, "R__views.sql", "CREATE OR REPLACE VIEW v AS SELECT 1;")
	write(t, dir, "notes.txt", "ignored")

	set, err := ScanDir(dir)
	require.NoError(t, err)

	require.Len(t, set.Versioned, 2)
	require.Equal(t, "001", set.Versioned[0].Version)
	require.Equal(t, "002", set.Versioned[1].Version)
	require.Equal(t, changelog.KindVersioned, set.Versioned[0].Kind)
	require.Equal(t, "create table", set.Versioned[0].Description)
	require.Equal(t, "CREATE TABLE t(a INT);", set.Versioned[0].Content)

	require.Len(t, set.Repeatable, 1)
	require.Equal(t, "R__views.sql", set.Repeatable[0].Filename)
	require.Equal(t, changelog.KindRepeatable, set.Repeatable[0].Kind)

	require.Equal(t, map[string]string{"001": "DROP TABLE t;"}, set.Undo)
	require.Equal(t, []string{"001", "002"}, set.Versions())
}

func TestScanDirDuplicateVersion(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "V001__one.sql", "SELECT 1;")
	write(t, dir, "V001__other.sql", "SELECT 2;")
	_, err := ScanDir(dir)
	require.ErrorContains(t, err, "duplicate version")
}

func TestScanFS(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/V001__init.sql": {Data: []byte("CREATE TABLE a(id INT);")},
		"migrations/R__view.sql":    {Data: []byte("CREATE OR REPLACE VIEW v AS SELECT 1;")},
	}
	set, err := ScanFS(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, set.Versioned, 1)
	require.Len(t, set.Repeatable, 1)
}
