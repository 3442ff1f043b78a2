// Package linker creates per-version link farms from CAS entries (C5),
// branching on OS the way the teacher's storage layer keeps backend
// branching (registry/storage/driver) isolated behind a single interface:
// every other component treats the result of Link as an ordinary file.
package linker

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Link creates a link at dest pointing at source: a relativized symlink on
// POSIX, a hard link on Windows (symlinks there require elevation). dest's
// parent directories are created as needed. If a link already exists at
// dest and already resolves to source, Link is a no-op (idempotent).
func Link(dest, source string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("linker: creating parent of %s: %w", dest, err)
	}

	if same, err := existingLinkMatches(dest, source); err == nil && same {
		return nil
	}

	return link(dest, source)
}

// existingLinkMatches reports whether dest already exists and refers to the
// same underlying file as source.
func existingLinkMatches(dest, source string) (bool, error) {
	if _, err := os.Lstat(dest); err != nil {
		return false, err
	}
	return SameFile(dest, source), nil
}

// SameFile reports whether a and b are the same underlying file (by
// inode/fileID), returning false on any stat error rather than propagating
// it — this is used only as an idempotency check, never as a correctness
// gate.
func SameFile(a, b string) bool {
	fa, err := os.Stat(a)
	if err != nil {
		return false
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(fa, fb)
}

func link(dest, source string) error {
	_ = os.Remove(dest)

	if runtime.GOOS == "windows" {
		if err := os.Link(source, dest); err != nil {
			return fmt.Errorf("linker: hard-linking %s -> %s: %w", dest, source, err)
		}
		return nil
	}

	rel, err := filepath.Rel(filepath.Dir(dest), source)
	if err != nil {
		// Source isn't expressible relative to dest's parent (different
		// volume root); fall back to an absolute target.
		rel = source
	}
	if err := os.Symlink(rel, dest); err != nil {
		return fmt.Errorf("linker: symlinking %s -> %s: %w", dest, source, err)
	}
	return nil
}
