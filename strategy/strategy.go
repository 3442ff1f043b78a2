// Package strategy chooses how to fetch a manifest's missing files (C6):
// one archive stream, or a file at a time. Grounded in the teacher's
// registry/client pull path, which makes the same full-vs-incremental
// tradeoff when deciding whether a manifest's layers are already present
// locally before touching the network.
package strategy

import (
	"fmt"

	"github.com/distribution/bundleupdate/bundle"
	"github.com/distribution/bundleupdate/cas"
)

// RequestOverheadBytes approximates the fixed per-connection cost (latency
// plus headers) charged against every file fetched individually. Tuning it
// only shifts the full/incremental boundary; the decision stays monotone in
// it.
const RequestOverheadBytes = 50_000

// Kind distinguishes the three possible decisions.
type Kind int

const (
	NoDownloadNeeded Kind = iota
	FullArchive
	Incremental
)

func (k Kind) String() string {
	switch k {
	case NoDownloadNeeded:
		return "NoDownloadNeeded"
	case FullArchive:
		return "FullArchive"
	case Incremental:
		return "Incremental"
	default:
		return "Unknown"
	}
}

// Decision is the outcome of Decide. Files is populated only for Incremental;
// TotalBytes is the strategy's stated transfer size, used for progress
// reporting in C7.
type Decision struct {
	Kind       Kind
	Files      []bundle.BundleFile
	TotalBytes int64
}

// Decide computes the download strategy for manifest against platform, given
// which file hashes already.Exist in store. Returns an error only when an
// archive decision is required but the manifest has no archive entry for
// platform — a fatal, unrecoverable strategy error per spec.
func Decide(manifest *bundle.Manifest, platform bundle.Platform, store *cas.Store) (Decision, error) {
	files := manifest.FilesForPlatform(platform)

	var missing []bundle.BundleFile
	for _, f := range files {
		if !store.Contains(f.Hash) {
			missing = append(missing, f)
		}
	}

	if len(missing) == 0 {
		return Decision{Kind: NoDownloadNeeded}, nil
	}

	archive, ok := manifest.Archives[platform.String()]
	if !ok {
		return Decision{}, fmt.Errorf("strategy: no archive published for platform %s", platform)
	}

	var perFileCost int64
	for _, f := range missing {
		perFileCost += f.Size
	}
	perFileCost += int64(len(missing)) * RequestOverheadBytes

	if archive.Size <= perFileCost {
		return Decision{Kind: FullArchive, TotalBytes: archive.Size}, nil
	}

	var totalBytes int64
	for _, f := range missing {
		totalBytes += f.Size
	}
	return Decision{Kind: Incremental, Files: missing, TotalBytes: totalBytes}, nil
}
