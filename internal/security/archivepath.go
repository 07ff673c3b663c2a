// Package security guards the files the daemon writes on behalf of remote
// input. Camera and session ids arrive over the network and end up in file
// names, so they never address anything outside the configured directory.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

const maxNameLen = 128

// SanitizeName maps an identifier onto [A-Za-z0-9._-], collapsing runs of
// other characters into one underscore. Empty results become "unknown".
func SanitizeName(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxNameLen {
			break
		}
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-'
		switch {
		case ok:
			b.WriteRune(r)
			lastUnderscore = r == '_'
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}

// ArchivePath joins sanitised elems below root and checks that the result,
// after resolving symlinks on the existing prefix, stays inside root.
func ArchivePath(root string, elems ...string) (string, error) {
	parts := make([]string, 0, len(elems)+1)
	parts = append(parts, root)
	for _, e := range elems {
		parts = append(parts, SanitizeName(e))
	}
	p := filepath.Join(parts...)
	if err := WithinDir(p, root); err != nil {
		return "", err
	}
	return p, nil
}

// WithinDir reports an error when path escapes dir. path need not exist; the
// deepest existing ancestor is resolved so a symlinked subdirectory pointing
// elsewhere is caught.
func WithinDir(path, dir string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}

	realDir := resolveExisting(absDir)
	realPath := resolveExisting(absPath)

	rel, err := filepath.Rel(realDir, realPath)
	if err != nil {
		return fmt.Errorf("%s is outside %s: %w", path, dir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s escapes %s", path, dir)
	}
	return nil
}

// resolveExisting evaluates symlinks on the longest existing prefix of p and
// re-appends the missing tail.
func resolveExisting(p string) string {
	tail := ""
	for cur := p; ; {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(resolved, tail)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		tail = filepath.Join(filepath.Base(cur), tail)
		cur = parent
	}
}
