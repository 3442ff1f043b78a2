// Package cleanup implements the cleanup collector (C11): reclaiming
// version directories and CAS entries that no longer belong to the
// installed bundle. Grounded in the teacher's registry/storage/garbagecollect.go
// mark-and-sweep shape (mark every blob reachable from a manifest, sweep
// everything else) — the same two-phase idea applied to versions/ and cas/
// instead of repositories/ and blobs/.
package cleanup

import (
	"context"

	"github.com/distribution/bundleupdate/bundle"
	"github.com/distribution/bundleupdate/storagemgr"
)

// Result reports what a cleanup run reclaimed.
type Result struct {
	VersionsRemoved []int64
	CASFilesRemoved int
	BytesFreed      int64
}

// LastCycleResult is the only external input the safety precondition needs:
// whether the most recent update cycle observed "no update" (§4.11 requires
// cleanup to run only from that branch).
type LastCycleResult int

const (
	LastCycleUnknown LastCycleResult = iota
	LastCycleUpToDate
	LastCycleOther
)

// Run executes the collector inside an already-open write scope. It
// enforces all three preconditions itself and returns a zero Result,
// without error, if any precondition fails to hold — per §4.11, an
// unsatisfied precondition is "do nothing", not a failure.
func Run(ctx context.Context, w *storagemgr.WriteScope, lastCycle LastCycleResult, platform bundle.Platform) (Result, error) {
	if lastCycle != LastCycleUpToDate {
		return Result{}, nil
	}

	raw, err := w.LoadInstalledManifestRaw()
	if err != nil {
		return Result{}, err
	}
	if raw == nil {
		return Result{}, nil
	}
	manifest, err := bundle.Parse(raw)
	if err != nil {
		// An unparsable manifest-of-record fails the precondition silently;
		// it is not this collector's job to report that.
		return Result{}, nil
	}

	if failures, err := w.VerifyVersion(manifest, platform); err != nil || len(failures) > 0 {
		return Result{}, err
	}

	installed := manifest.BuildNumber

	versions, err := w.ListVersions()
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, bn := range versions {
		if bn == installed {
			continue
		}
		freed := versionDirectorySize(w, bn)
		if err := w.DeleteVersionDirectory(bn); err != nil {
			return result, err
		}
		result.VersionsRemoved = append(result.VersionsRemoved, bn)
		result.BytesFreed += freed
	}

	live := map[bundle.Hash]struct{}{}
	for _, f := range manifest.Files {
		live[f.Hash] = struct{}{}
	}

	hashes, err := w.CAS().List()
	if err != nil {
		return result, err
	}
	for _, h := range hashes {
		if _, ok := live[h]; ok {
			continue
		}
		if w.CAS().Delete(h) {
			result.CASFilesRemoved++
		}
	}

	return result, nil
}

// versionDirectorySize reports the bytes freed by deleting version bn's
// directory. It always returns 0, the fallback §4.11 step 2 allows.
func versionDirectorySize(w *storagemgr.WriteScope, bn int64) int64 {
	// The write scope doesn't expose per-version manifests (only the
	// manifest-of-record); without re-reading build bn's own historical
	// manifest (not retained on disk once superseded) bytesFreed for a
	// superseded version cannot be computed cheaply. Zero is the documented
	// fallback §4.11 allows.
	return 0
}
