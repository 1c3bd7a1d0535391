package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize strips single-line `--` comments and collapses every run of
// whitespace (spaces, tabs, newlines) to a single space, so that edits which
// cannot change migration semantics do not change the fingerprint.
func Normalize(content string) string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Fingerprint returns the 64-char hex sha256 of the normalized content.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(Normalize(content)))
	return hex.EncodeToString(sum[:])
}

// Prefix truncates a fingerprint for display.
func Prefix(sum string, n int) string {
	if n >= len(sum) {
		return sum
	}
	return sum[:n]
}
