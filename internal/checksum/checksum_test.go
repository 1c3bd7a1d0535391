package checksum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintIgnoresCommentsAndWhitespace(t *testing.T) {
	base := "CREATE TABLE users (id BIGINT PRIMARY KEY, email TEXT);"
	variants := []string{
		"CREATE TABLE users (id BIGINT PRIMARY KEY, email TEXT); -- user store",
		"CREATE TABLE users\n\t(id BIGINT PRIMARY KEY,\n\t email TEXT);",
		"  CREATE   TABLE users (id BIGINT PRIMARY KEY, email TEXT);\n\n",
		"-- creates the user table\nCREATE TABLE users (id BIGINT PRIMARY KEY, email TEXT);",
	}
	want := Fingerprint(base)
	for _, v := range variants {
		require.Equal(t, want, Fingerprint(v), "variant %q", v)
	}
}

func TestFingerprintDetectsSemanticChange(t *testing.T) {
	a := Fingerprint("ALTER TABLE t ADD COLUMN a INT;")
	b := Fingerprint("ALTER TABLE t ADD COLUMN b INT;")
	require.NotEqual(t, a, b)
}

func TestFingerprintIsFixedWidthHex(t *testing.T) {
	sum := Fingerprint("SELECT 1;")
	require.Len(t, sum, 64)
	require.Regexp(t, "^[0-9a-f]{64}$", sum)
}

func TestNormalize(t *testing.T) {
	in := "DROP TABLE a; -- old\n\n  DROP   TABLE b;\t\n"
	require.Equal(t, "DROP TABLE a; DROP TABLE b;", Normalize(in))
}

func TestPrefix(t *testing.T) {
	require.Equal(t, "abcd", Prefix("abcdef", 4))
	require.Equal(t, "ab", Prefix("ab", 12))
}
