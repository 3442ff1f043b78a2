package cleanup

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distribution/bundleupdate/bundle"
	"github.com/distribution/bundleupdate/storagemgr"
)

var testPlatform = bundle.Platform{OS: "linux", Arch: "x64"}

func newManager(t *testing.T) *storagemgr.Manager {
	t.Helper()
	m, err := storagemgr.New(t.TempDir())
	require.NoError(t, err)
	return m
}

func insertAndPrepare(t *testing.T, m *storagemgr.Manager, bn int64, files map[string][]byte) *bundle.Manifest {
	t.Helper()
	manifest := &bundle.Manifest{BuildNumber: bn, Archives: map[string]bundle.PlatformBundle{}}
	err := m.WithWriteScope(context.Background(), func(w *storagemgr.WriteScope) error {
		for path, content := range files {
			tmp, err := m.CreateTempFile("test")
			if err != nil {
				return err
			}
			if err := os.WriteFile(tmp, content, 0o644); err != nil {
				return err
			}
			h, err := w.StoreIntoCAS(tmp)
			if err != nil {
				return err
			}
			manifest.Files = append(manifest.Files, bundle.BundleFile{Path: path, Hash: h, Size: int64(len(content))})
		}
		return w.PrepareVersion(manifest, testPlatform)
	})
	require.NoError(t, err)
	return manifest
}

func installManifestOfRecord(t *testing.T, m *storagemgr.Manager, manifest *bundle.Manifest) {
	t.Helper()
	raw, err := bundle.CanonicalUnsigned(manifest)
	require.NoError(t, err)
	err = m.WithWriteScope(context.Background(), func(w *storagemgr.WriteScope) error {
		return w.SaveInstalledManifest(raw)
	})
	require.NoError(t, err)
}

func TestRunDoesNothingWhenLastCycleWasNotUpToDate(t *testing.T) {
	m := newManager(t)
	manifest := insertAndPrepare(t, m, 1, map[string][]byte{"f.bin": []byte("content")})
	installManifestOfRecord(t, m, manifest)

	var result Result
	err := m.WithWriteScope(context.Background(), func(w *storagemgr.WriteScope) error {
		var runErr error
		result, runErr = Run(context.Background(), w, LastCycleOther, testPlatform)
		return runErr
	})
	require.NoError(t, err)
	require.Empty(t, result.VersionsRemoved)
	require.Zero(t, result.CASFilesRemoved)
}

func TestRunDoesNothingWhenNoBundleInstalled(t *testing.T) {
	m := newManager(t)

	var result Result
	err := m.WithWriteScope(context.Background(), func(w *storagemgr.WriteScope) error {
		var runErr error
		result, runErr = Run(context.Background(), w, LastCycleUpToDate, testPlatform)
		return runErr
	})
	require.NoError(t, err)
	require.Empty(t, result.VersionsRemoved)
}

func TestRunRemovesSupersededVersionsAndOrphanedCAS(t *testing.T) {
	m := newManager(t)

	oldManifest := insertAndPrepare(t, m, 1, map[string][]byte{"old.bin": []byte("superseded content")})
	newManifest := insertAndPrepare(t, m, 2, map[string][]byte{"new.bin": []byte("current content")})
	installManifestOfRecord(t, m, newManifest)

	require.True(t, m.HasVersion(1))
	require.True(t, m.HasVersion(2))

	var result Result
	err := m.WithWriteScope(context.Background(), func(w *storagemgr.WriteScope) error {
		var runErr error
		result, runErr = Run(context.Background(), w, LastCycleUpToDate, testPlatform)
		return runErr
	})
	require.NoError(t, err)

	require.Equal(t, []int64{1}, result.VersionsRemoved)
	require.Equal(t, 1, result.CASFilesRemoved)
	require.False(t, m.HasVersion(1))
	require.True(t, m.HasVersion(2))

	require.False(t, m.CAS().Contains(oldManifest.Files[0].Hash))
	require.True(t, m.CAS().Contains(newManifest.Files[0].Hash))
}

func TestRunSkipsWhenInstalledVersionFailsVerification(t *testing.T) {
	m := newManager(t)
	manifest := insertAndPrepare(t, m, 1, map[string][]byte{"f.bin": []byte("content")})
	installManifestOfRecord(t, m, manifest)

	casPath, ok := m.CAS().PathOf(manifest.Files[0].Hash)
	require.True(t, ok)
	require.NoError(t, os.WriteFile(casPath, []byte("corrupted"), 0o644))

	var result Result
	err := m.WithWriteScope(context.Background(), func(w *storagemgr.WriteScope) error {
		var runErr error
		result, runErr = Run(context.Background(), w, LastCycleUpToDate, testPlatform)
		return runErr
	})
	require.NoError(t, err)
	require.Empty(t, result.VersionsRemoved)
}
