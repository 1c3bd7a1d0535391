package source

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mirajehossain/schemaguard/internal/changelog"
	"github.com/mirajehossain/schemaguard/internal/executor"
)

// Migration files follow a Flyway-style convention:
//
//	V<version>__<description>.sql  versioned, runs at most once
//	R__<description>.sql           repeatable, re-runs on content change
//	U<version>__<description>.sql  undo script for the matching V file
var (
	versionedRe  = regexp.MustCompile(`^V(\d+)__([a-zA-Z0-9_\-]+)\.sql$`)
	repeatableRe = regexp.MustCompile(`^R__([a-zA-Z0-9_\-]+)\.sql$`)
	undoRe       = regexp.MustCompile(`^U(\d+)__([a-zA-Z0-9_\-]+)\.sql$`)
)

// Set is everything discovered in one migrations directory. Versioned is
// sorted by version, Repeatable by filename; Undo maps version to script
// content.
type Set struct {
	Versioned  []executor.Unit
	Repeatable []executor.Unit
	Undo       map[string]string
}

// ScanDir loads a local migrations directory.
func ScanDir(dir string) (*Set, error) {
	return ScanFS(os.DirFS(dir), ".")
}

// ScanFS loads migrations from any fs.FS (e.g. an embed.FS) rooted at root.
func ScanFS(fsys fs.FS, root string) (*Set, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, err
	}
	set := &Set{Undo: map[string]string{}}
	seen := map[string]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		read := func() (string, error) {
			b, err := fs.ReadFile(fsys, path(root, name))
			return string(b), err
		}
		switch {
		case versionedRe.MatchString(name):
			m := versionedRe.FindStringSubmatch(name)
			if prev, ok := seen[m[1]]; ok {
				return nil, fmt.Errorf("duplicate version %s: %s and %s", m[1], prev, name)
			}
			seen[m[1]] = name
			content, err := read()
			if err != nil {
				return nil, err
			}
			set.Versioned = append(set.Versioned, executor.Unit{
				Version:     m[1],
				Description: describe(m[2]),
				Kind:        changelog.KindVersioned,
				Filename:    name,
				Content:     content,
			})
		case repeatableRe.MatchString(name):
			m := repeatableRe.FindStringSubmatch(name)
			content, err := read()
			if err != nil {
				return nil, err
			}
			set.Repeatable = append(set.Repeatable, executor.Unit{
				Description: describe(m[1]),
				Kind:        changelog.KindRepeatable,
				Filename:    name,
				Content:     content,
			})
		case undoRe.MatchString(name):
			m := undoRe.FindStringSubmatch(name)
			content, err := read()
			if err != nil {
				return nil, err
			}
			set.Undo[m[1]] = content
		}
	}
	sort.Slice(set.Versioned, func(i, j int) bool { return set.Versioned[i].Version < set.Versioned[j].Version })
	sort.Slice(set.Repeatable, func(i, j int) bool { return set.Repeatable[i].Filename < set.Repeatable[j].Filename })
	return set, nil
}

// Versions lists the discovered versioned identifiers in order.
func (s *Set) Versions() []string {
	out := make([]string, 0, len(s.Versioned))
	for _, u := range s.Versioned {
		out = append(out, u.Version)
	}
	return out
}

func describe(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

func path(root, name string) string {
	if root == "." || root == "" {
		return name
	}
	return filepath.ToSlash(filepath.Join(root, name))
}
