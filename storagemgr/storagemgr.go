// Package storagemgr owns the on-disk layout described in spec.md §4.4: the
// manifest-of-record, the CAS, per-version link farms, and the temp
// directory, serializing every mutation through a single write-scope lock.
// Grounded in registry/storage/paths.go (the teacher's pathMapper
// commentary on the repository/blob split) and
// registry/storage/driver/filesystem (atomic PutContent via temp+rename).
package storagemgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/distribution/bundleupdate/bundle"
	"github.com/distribution/bundleupdate/cas"
	"github.com/distribution/bundleupdate/internal/dcontext"
	"github.com/distribution/bundleupdate/linker"
)

const (
	manifestFileName = "manifest.json"
	casDirName       = "cas"
	versionsDirName  = "versions"
	tempDirName      = "temp"
)

// Manager owns every path under root. It is a value type: construct one per
// application-data root, per §9 "Global state".
type Manager struct {
	root string
	cas  *cas.Store

	writeMu sync.Mutex
}

// New constructs a Manager rooted at root, creating the cas/, versions/ and
// temp/ directories if they don't already exist.
func New(root string) (*Manager, error) {
	for _, dir := range []string{root, filepath.Join(root, casDirName), filepath.Join(root, versionsDirName), filepath.Join(root, tempDirName)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storagemgr: creating %s: %w", dir, err)
		}
	}
	return &Manager{root: root, cas: cas.New(filepath.Join(root, casDirName))}, nil
}

// CAS returns the underlying content-addressable store. Reads through it
// (Contains, PathOf, Verify, List) never take the write-scope lock.
func (m *Manager) CAS() *cas.Store { return m.cas }

func (m *Manager) manifestPath() string { return filepath.Join(m.root, manifestFileName) }

// VersionPath computes the path of the version directory for bn, whether or
// not it currently exists.
func (m *Manager) VersionPath(bn int64) string {
	return filepath.Join(m.root, versionsDirName, strconv.FormatInt(bn, 10))
}

// HasVersion reports whether a version directory for bn exists.
func (m *Manager) HasVersion(bn int64) bool {
	_, err := os.Stat(m.VersionPath(bn))
	return err == nil
}

// ListVersions returns every build number with a version directory,
// ascending, ignoring any non-numeric directory entries.
func (m *Manager) ListVersions() ([]int64, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, versionsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		bn, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, bn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// installedManifestRaw is the shared implementation behind
// LoadInstalledManifestRaw and InstalledBuildNumber.
func (m *Manager) installedManifestRaw() ([]byte, error) {
	data, err := os.ReadFile(m.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// LoadInstalledManifestRaw returns the raw bytes of manifest.json, or nil if
// no bundle is installed.
func (m *Manager) LoadInstalledManifestRaw() ([]byte, error) {
	return m.installedManifestRaw()
}

// looseManifest is used only to pull buildNumber out of a manifest.json that
// might otherwise fail to fully parse against the current Manifest struct —
// mirroring configuration/parser.go's tolerant, versioned parsing of a
// document this process doesn't need to understand completely.
type looseManifest struct {
	BuildNumber int64 `json:"buildNumber"`
}

// InstalledBuildNumber parses manifest.json loosely to extract just
// buildNumber, returning nil if no bundle is installed.
func (m *Manager) InstalledBuildNumber() (*int64, error) {
	data, err := m.installedManifestRaw()
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var lm looseManifest
	if err := json.Unmarshal(data, &lm); err != nil {
		return nil, fmt.Errorf("storagemgr: parsing installed manifest: %w", err)
	}
	return &lm.BuildNumber, nil
}

// VerificationFailure describes one file that failed verification within a
// version directory.
type VerificationFailure struct {
	Path     string
	Expected bundle.Hash
	Actual   *bundle.Hash
	Reason   VerificationFailureReason
}

// VerificationFailureReason classifies a VerificationFailure.
type VerificationFailureReason string

const (
	ReasonMissing      VerificationFailureReason = "missing"
	ReasonHashMismatch VerificationFailureReason = "hashMismatch"
)

// VerifyVersion checks that every file the platform view of manifest names
// exists at VersionPath(manifest.BuildNumber)/file.Path and hashes to
// file.Hash. This is a reader; it does not take the write-scope lock.
func (m *Manager) VerifyVersion(manifest *bundle.Manifest, platform bundle.Platform) ([]VerificationFailure, error) {
	versionRoot := m.VersionPath(manifest.BuildNumber)

	var failures []VerificationFailure
	for _, f := range manifest.FilesForPlatform(platform) {
		p := filepath.Join(versionRoot, filepath.FromSlash(f.Path))

		if _, err := os.Stat(p); err != nil {
			failures = append(failures, VerificationFailure{Path: f.Path, Expected: f.Hash, Reason: ReasonMissing})
			continue
		}

		actual, err := bundle.HashFile(p)
		if err != nil {
			failures = append(failures, VerificationFailure{Path: f.Path, Expected: f.Hash, Reason: ReasonMissing})
			continue
		}

		if !actual.Equal(f.Hash) {
			failures = append(failures, VerificationFailure{Path: f.Path, Expected: f.Hash, Actual: &actual, Reason: ReasonHashMismatch})
		}
	}
	return failures, nil
}

// CreateTempFile allocates a fresh, empty file inside temp/ with the given
// prefix, returning its path. Callers own the file until they either insert
// it into the CAS or remove it themselves.
func (m *Manager) CreateTempFile(prefix string) (string, error) {
	f, err := os.CreateTemp(filepath.Join(m.root, tempDirName), prefix+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("storagemgr: creating temp file: %w", err)
	}
	defer f.Close()
	return f.Name(), nil
}

// WriteScope is the set of privileged, mutating operations available only
// while holding the manager's write-scope lock. Its methods are the only
// place this package mutates the on-disk tree.
type WriteScope struct {
	m   *Manager
	ctx context.Context
}

// WithWriteScope acquires the process-wide write-scope mutex and runs fn
// with exclusive access to mutating operations. Concurrent calls to
// WithWriteScope serialize; this is what makes prepareVersion and
// saveInstalledManifest observable together (§4.4, §5).
func (m *Manager) WithWriteScope(ctx context.Context, fn func(*WriteScope) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return fn(&WriteScope{m: m, ctx: ctx})
}

// StoreIntoCAS delegates to the CAS, inside the write scope.
func (w *WriteScope) StoreIntoCAS(tempPath string) (bundle.Hash, error) {
	return w.m.cas.Insert(tempPath)
}

// StoreIntoCASExpecting delegates to the CAS, inside the write scope.
func (w *WriteScope) StoreIntoCASExpecting(tempPath string, expected bundle.Hash) (bool, error) {
	return w.m.cas.InsertExpecting(tempPath, expected)
}

// PrepareVersion creates the version directory for manifest.BuildNumber:
// for every file in the platform view, the CAS entry must already exist
// (the caller is responsible for having populated it) and a link is
// created at VersionPath(bn)/file.Path. An existing link that already
// points at the right CAS entry is left alone.
func (w *WriteScope) PrepareVersion(manifest *bundle.Manifest, platform bundle.Platform) error {
	versionRoot := w.m.VersionPath(manifest.BuildNumber)
	log := dcontext.GetLogger(w.ctx)

	for _, f := range manifest.FilesForPlatform(platform) {
		casPath, ok := w.m.cas.PathOf(f.Hash)
		if !ok {
			return fmt.Errorf("storagemgr: preparing version %d: %w", manifest.BuildNumber, missingCASEntryErr{hash: f.Hash, path: f.Path})
		}

		dest := filepath.Join(versionRoot, filepath.FromSlash(f.Path))
		if err := linker.Link(dest, casPath); err != nil {
			return fmt.Errorf("storagemgr: linking %s: %w", f.Path, err)
		}
	}

	if len(manifest.FilesForPlatform(platform)) == 0 {
		if err := os.MkdirAll(versionRoot, 0o755); err != nil {
			return fmt.Errorf("storagemgr: creating empty version directory: %w", err)
		}
	}

	log.Debugf("prepared version %d (%d files)", manifest.BuildNumber, len(manifest.FilesForPlatform(platform)))
	return nil
}

// missingCASEntryErr is returned by PrepareVersion when a manifest names a
// file whose hash was never inserted into the CAS; it's the programmer
// error case spec.md §4.4 calls "fail otherwise — the caller must have
// populated CAS".
type missingCASEntryErr struct {
	hash bundle.Hash
	path string
}

func (e missingCASEntryErr) Error() string {
	return fmt.Sprintf("no CAS entry for %s (%s)", e.path, e.hash)
}

// IsMissingCASEntry reports whether err is the "file never downloaded"
// programmer-error case from PrepareVersion.
func IsMissingCASEntry(err error) bool {
	var target missingCASEntryErr
	return errors.As(err, &target)
}

// SaveInstalledManifest writes rawBytes to a uniquely named
// manifest.json.<uuid>.tmp file, fsyncs, and renames over manifest.json —
// the commit point of an update cycle.
func (w *WriteScope) SaveInstalledManifest(rawBytes []byte) error {
	dest := w.m.manifestPath()
	tmp := dest + "." + uuid.NewString() + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("storagemgr: creating %s: %w", tmp, err)
	}
	if _, err := f.Write(rawBytes); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("storagemgr: writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("storagemgr: fsyncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storagemgr: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storagemgr: renaming %s over %s: %w", tmp, dest, err)
	}
	return nil
}

// DeleteVersionDirectory recursively removes versions/<bn>/, breaking the
// links inside it without touching their CAS targets.
func (w *WriteScope) DeleteVersionDirectory(bn int64) error {
	return os.RemoveAll(w.m.VersionPath(bn))
}

// CleanupTemp deletes every regular file directly inside temp/.
func (w *WriteScope) CleanupTemp() error {
	dir := filepath.Join(w.m.root, tempDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// CAS exposes the underlying store from within a write scope, for the
// cleanup collector's CAS.Delete calls.
func (w *WriteScope) CAS() *cas.Store { return w.m.cas }

// VerifyVersion is exposed on WriteScope as well, so the cleanup collector
// can check its safety precondition without leaving the scope it runs in.
func (w *WriteScope) VerifyVersion(manifest *bundle.Manifest, platform bundle.Platform) ([]VerificationFailure, error) {
	return w.m.VerifyVersion(manifest, platform)
}

// InstalledBuildNumber is exposed on WriteScope for the same reason.
func (w *WriteScope) InstalledBuildNumber() (*int64, error) { return w.m.InstalledBuildNumber() }

// ListVersions is exposed on WriteScope for the same reason.
func (w *WriteScope) ListVersions() ([]int64, error) { return w.m.ListVersions() }

// LoadInstalledManifestRaw is exposed on WriteScope so the cleanup
// collector can read the manifest-of-record without leaving its scope.
func (w *WriteScope) LoadInstalledManifestRaw() ([]byte, error) { return w.m.LoadInstalledManifestRaw() }

// Root returns the application-data root. Used sparingly — most callers
// should go through the path helpers above.
func (m *Manager) Root() string { return m.root }

// TempDir returns the temp/ directory callers outside this package (the
// download manager) stage files into before committing them through a
// write scope.
func (m *Manager) TempDir() string { return filepath.Join(m.root, tempDirName) }
