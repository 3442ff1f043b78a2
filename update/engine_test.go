package update

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/distribution/bundleupdate/bundle"
	"github.com/distribution/bundleupdate/fetch"
	"github.com/distribution/bundleupdate/retry"
	"github.com/distribution/bundleupdate/storagemgr"
)

var testPlatform = bundle.Platform{OS: "linux", Arch: "x64"}

func fastRetryConfig() retry.Config {
	return retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Millisecond}
}

func newManager(t *testing.T) *storagemgr.Manager {
	t.Helper()
	m, err := storagemgr.New(t.TempDir())
	require.NoError(t, err)
	return m
}

// manifestServer serves a fixed manifest at /manifest.json and arbitrary
// file content at /files/<hex>, the layout fetch.Client expects.
func manifestServer(t *testing.T, manifestJSON []byte, files map[string][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manifest.json" {
			w.Write(manifestJSON)
			return
		}
		for path, content := range files {
			if r.URL.Path == "/"+path {
				w.Write(content)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}))
}

func collectEvents(ev *[]Event) Sink {
	return func(e Event) { *ev = append(*ev, e) }
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestRunCycleFreshInstallActivatesAndEmitsUpdateReady(t *testing.T) {
	content := []byte("hello world")
	hash := bundle.HashBytes(content)

	manifest := &bundle.Manifest{
		SchemaVersion: 1,
		BuildNumber:   1,
		Files:         []bundle.BundleFile{{Path: "greeting.txt", Hash: hash, Size: int64(len(content))}},
		Archives:      map[string]bundle.PlatformBundle{testPlatform.String(): {Size: 10_000_000}},
	}
	raw, err := bundle.Canonical(manifest)
	require.NoError(t, err)

	srv := manifestServer(t, raw, map[string][]byte{"files/" + hash.Hex: content})
	defer srv.Close()

	storage := newManager(t)
	engine := New(storage, fetch.NewClient(srv.URL, fastRetryConfig()), nil, testPlatform, "1.0.0", fastRetryConfig())

	var events []Event
	err = engine.RunCycleSink(context.Background(), collectEvents(&events))
	require.NoError(t, err)
	require.Equal(t, []EventKind{KindChecking, KindUpdateAvailable, KindDownloading, KindUpdateReady}, kinds(events))

	installed, err := storage.InstalledBuildNumber()
	require.NoError(t, err)
	require.NotNil(t, installed)
	require.Equal(t, int64(1), *installed)

	linked := filepath.Join(storage.VersionPath(1), "greeting.txt")
	got, err := os.ReadFile(linked)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestRunCycleUpToDateRunsCleanup(t *testing.T) {
	content := []byte("payload")
	hash := bundle.HashBytes(content)
	manifest := &bundle.Manifest{
		SchemaVersion: 1,
		BuildNumber:   1,
		Files:         []bundle.BundleFile{{Path: "f.bin", Hash: hash, Size: int64(len(content))}},
		Archives:      map[string]bundle.PlatformBundle{testPlatform.String(): {Size: 10_000_000}},
	}
	raw, err := bundle.Canonical(manifest)
	require.NoError(t, err)

	srv := manifestServer(t, raw, map[string][]byte{"files/" + hash.Hex: content})
	defer srv.Close()

	storage := newManager(t)
	engine := New(storage, fetch.NewClient(srv.URL, fastRetryConfig()), nil, testPlatform, "1.0.0", fastRetryConfig())

	require.NoError(t, engine.RunCycle(context.Background()))

	var events []Event
	err = engine.RunCycleSink(context.Background(), collectEvents(&events))
	require.NoError(t, err)
	require.Equal(t, []EventKind{KindChecking, KindUpToDate, KindCleanupComplete}, kinds(events))
}

func TestRunCycleRejectsDowngrade(t *testing.T) {
	content := []byte("v2")
	hash := bundle.HashBytes(content)
	newer := &bundle.Manifest{
		SchemaVersion: 1,
		BuildNumber:   2,
		Files:         []bundle.BundleFile{{Path: "f.bin", Hash: hash, Size: int64(len(content))}},
		Archives:      map[string]bundle.PlatformBundle{testPlatform.String(): {Size: 10_000_000}},
	}
	rawNewer, err := bundle.Canonical(newer)
	require.NoError(t, err)

	storage := newManager(t)
	srv := manifestServer(t, rawNewer, map[string][]byte{"files/" + hash.Hex: content})
	engine := New(storage, fetch.NewClient(srv.URL, fastRetryConfig()), nil, testPlatform, "1.0.0", fastRetryConfig())
	require.NoError(t, engine.RunCycle(context.Background()))
	srv.Close()

	older := &bundle.Manifest{
		SchemaVersion: 1,
		BuildNumber:   1,
		Files:         []bundle.BundleFile{{Path: "f.bin", Hash: hash, Size: int64(len(content))}},
		Archives:      map[string]bundle.PlatformBundle{testPlatform.String(): {Size: 10_000_000}},
	}
	rawOlder, err := bundle.Canonical(older)
	require.NoError(t, err)
	srv2 := manifestServer(t, rawOlder, map[string][]byte{"files/" + hash.Hex: content})
	defer srv2.Close()
	engine.Fetcher = fetch.NewClient(srv2.URL, fastRetryConfig())

	var events []Event
	err = engine.RunCycleSink(context.Background(), collectEvents(&events))
	require.Error(t, err)
	require.Equal(t, []EventKind{KindChecking, KindError}, kinds(events))
	require.Equal(t, "Downgrade", string(events[1].ErrorKind))

	installed, err := storage.InstalledBuildNumber()
	require.NoError(t, err)
	require.Equal(t, int64(2), *installed)
}

func TestRunCycleRejectsInvalidSignature(t *testing.T) {
	_, pub, err := bundle.GenerateSigner()
	require.NoError(t, err)
	verifier, err := bundle.NewVerifier(pub)
	require.NoError(t, err)

	manifest := &bundle.Manifest{SchemaVersion: 1, BuildNumber: 1, Archives: map[string]bundle.PlatformBundle{}}
	raw, err := bundle.Canonical(manifest) // unsigned: no matching signature
	require.NoError(t, err)

	srv := manifestServer(t, raw, nil)
	defer srv.Close()

	storage := newManager(t)
	engine := New(storage, fetch.NewClient(srv.URL, fastRetryConfig()), verifier, testPlatform, "1.0.0", fastRetryConfig())

	var events []Event
	err = engine.RunCycleSink(context.Background(), collectEvents(&events))
	require.Error(t, err)
	require.Equal(t, []EventKind{KindChecking, KindError}, kinds(events))
	require.Equal(t, "SignatureInvalid", string(events[1].ErrorKind))
}

func TestRunCycleAcceptsValidSignature(t *testing.T) {
	signer, pub, err := bundle.GenerateSigner()
	require.NoError(t, err)
	verifier, err := bundle.NewVerifier(pub)
	require.NoError(t, err)

	manifest := &bundle.Manifest{SchemaVersion: 1, BuildNumber: 1, Archives: map[string]bundle.PlatformBundle{testPlatform.String(): {Size: 0}}}
	raw, err := signer.Sign(manifest)
	require.NoError(t, err)

	srv := manifestServer(t, raw, nil)
	defer srv.Close()

	storage := newManager(t)
	engine := New(storage, fetch.NewClient(srv.URL, fastRetryConfig()), verifier, testPlatform, "1.0.0", fastRetryConfig())

	var events []Event
	err = engine.RunCycleSink(context.Background(), collectEvents(&events))
	require.NoError(t, err)
	require.Equal(t, []EventKind{KindChecking, KindUpdateAvailable, KindUpdateReady}, kinds(events))
}

func TestRunCycleRejectsUnsupportedPlatform(t *testing.T) {
	manifest := &bundle.Manifest{
		SchemaVersion: 1,
		BuildNumber:   1,
		Files:         []bundle.BundleFile{{Path: "f.bin", OS: "windows"}},
		Archives:      map[string]bundle.PlatformBundle{},
	}
	raw, err := bundle.Canonical(manifest)
	require.NoError(t, err)

	srv := manifestServer(t, raw, nil)
	defer srv.Close()

	storage := newManager(t)
	engine := New(storage, fetch.NewClient(srv.URL, fastRetryConfig()), nil, testPlatform, "1.0.0", fastRetryConfig())

	var events []Event
	err = engine.RunCycleSink(context.Background(), collectEvents(&events))
	require.Error(t, err)
	require.Equal(t, "PlatformUnsupported", string(events[len(events)-1].ErrorKind))
}

func TestRunCycleRejectsHostTooOld(t *testing.T) {
	manifest := &bundle.Manifest{
		SchemaVersion:  1,
		BuildNumber:    1,
		MinHostVersion: "2.0.0",
		Archives:       map[string]bundle.PlatformBundle{testPlatform.String(): {Size: 0}},
	}
	raw, err := bundle.Canonical(manifest)
	require.NoError(t, err)

	srv := manifestServer(t, raw, nil)
	defer srv.Close()

	storage := newManager(t)
	engine := New(storage, fetch.NewClient(srv.URL, fastRetryConfig()), nil, testPlatform, "1.0.0", fastRetryConfig())

	var events []Event
	err = engine.RunCycleSink(context.Background(), collectEvents(&events))
	require.Error(t, err)
	require.Equal(t, "HostTooOld", string(events[len(events)-1].ErrorKind))
}
