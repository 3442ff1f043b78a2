// Package cas implements the content-addressable file store (C3): an
// immutable, hash-addressed directory of files, named by the lowercase hex
// of their own SHA-256. Grounded in the teacher's blobStore
// (registry/storage/blobstore.go) — the same exists/put/path shape — but
// backed directly by the local filesystem rather than a pluggable storage
// driver, since this module never needs anything but local disk.
package cas

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/distribution/bundleupdate/bundle"
)

// Store is a content-addressable file store rooted at a single directory.
// All of its exported methods are safe to call concurrently: presence and
// lookups never observe partially-written files because inserts commit by
// rename, and deletes are the sole responsibility of the cleanup collector
// (which runs under the storage manager's write scope).
type Store struct {
	root string
}

// New returns a Store rooted at dir. dir must already exist.
func New(dir string) *Store {
	return &Store{root: dir}
}

func (s *Store) pathFor(h bundle.Hash) string {
	return filepath.Join(s.root, h.Hex)
}

// Contains reports whether h is present in the store.
func (s *Store) Contains(h bundle.Hash) bool {
	_, err := os.Stat(s.pathFor(h))
	return err == nil
}

// PathOf returns the path of h if present, and ok=false otherwise.
func (s *Store) PathOf(h bundle.Hash) (path string, ok bool) {
	p := s.pathFor(h)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// Insert hashes tempPath and atomically renames it into the store under
// that hash. If an entry for the computed hash already exists, tempPath is
// discarded and the existing hash is returned — insert is idempotent.
func (s *Store) Insert(tempPath string) (bundle.Hash, error) {
	h, err := bundle.HashFile(tempPath)
	if err != nil {
		return bundle.Hash{}, fmt.Errorf("cas: hashing %s: %w", tempPath, err)
	}
	return h, s.commit(tempPath, h)
}

// InsertExpecting verifies that tempPath hashes to expected before
// committing it. On mismatch, tempPath is deleted and the store is left
// unchanged.
func (s *Store) InsertExpecting(tempPath string, expected bundle.Hash) (bool, error) {
	actual, err := bundle.HashFile(tempPath)
	if err != nil {
		return false, fmt.Errorf("cas: hashing %s: %w", tempPath, err)
	}
	if !actual.Equal(expected) {
		_ = os.Remove(tempPath)
		return false, nil
	}
	return true, s.commit(tempPath, expected)
}

// commit renames tempPath into place under h. If the destination already
// exists, tempPath is discarded (insert is dedup-on-hash).
func (s *Store) commit(tempPath string, h bundle.Hash) error {
	dest := s.pathFor(h)
	if _, err := os.Stat(dest); err == nil {
		return os.Remove(tempPath)
	}

	// Stage under a uuid-suffixed name in the same directory so the final
	// rename is on the same volume and therefore atomic, matching the
	// teacher's filesystem driver PutContent (registry/storage/driver/filesystem).
	staged := dest + "." + uuid.NewString() + ".tmp"
	if err := os.Rename(tempPath, staged); err != nil {
		return fmt.Errorf("cas: staging %s: %w", dest, err)
	}
	if err := os.Rename(staged, dest); err != nil {
		_ = os.Remove(staged)
		if _, statErr := os.Stat(dest); statErr == nil {
			// Another writer committed the same content concurrently.
			return nil
		}
		return fmt.Errorf("cas: committing %s: %w", dest, err)
	}
	return nil
}

// Verify re-hashes the stored file for h and compares it against h.
func (s *Store) Verify(h bundle.Hash) bool {
	p, ok := s.PathOf(h)
	if !ok {
		return false
	}
	actual, err := bundle.HashFile(p)
	if err != nil {
		return false
	}
	return actual.Equal(h)
}

// Delete removes the entry for h. Reserved for the cleanup collector.
func (s *Store) Delete(h bundle.Hash) bool {
	err := os.Remove(s.pathFor(h))
	return err == nil
}

// List enumerates the hashes of all entries currently in the store.
func (s *Store) List() ([]bundle.Hash, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []bundle.Hash
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		h, err := bundle.ParseHash(string(bundle.SHA256) + ":" + name)
		if err != nil {
			// Not a committed CAS entry (e.g. a leftover .tmp file from a
			// crash mid-commit); ignore it rather than failing enumeration.
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex < out[j].Hex })
	return out, nil
}
