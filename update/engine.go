package update

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/distribution/bundleupdate/bundle"
	"github.com/distribution/bundleupdate/cleanup"
	"github.com/distribution/bundleupdate/fetch"
	"github.com/distribution/bundleupdate/hostversion"
	"github.com/distribution/bundleupdate/internal/dcontext"
	"github.com/distribution/bundleupdate/retry"
	"github.com/distribution/bundleupdate/storagemgr"
	"github.com/distribution/bundleupdate/strategy"
	"github.com/distribution/bundleupdate/updateerr"
)

// Engine runs update cycles (C9): fetch manifest, verify it, decide and
// execute a download strategy, activate under a write scope, and on the
// no-update branch run cleanup. One Engine is constructed per storage
// root/baseURL pair and is safe to reuse across cycles; the background
// loop (C10) and one-shot callers (bundlectl check) share the same type.
type Engine struct {
	Storage     *storagemgr.Manager
	Fetcher     *fetch.Client
	Verifier    *bundle.Verifier
	Platform    bundle.Platform
	HostVersion string
	RetryConfig retry.Config

	lastCycle cleanup.LastCycleResult
}

// New constructs an Engine. hostVersion is this application's own semver
// string, compared against a manifest's minHostVersion (§4.9 step 2).
func New(storage *storagemgr.Manager, fetcher *fetch.Client, verifier *bundle.Verifier, platform bundle.Platform, hostVersion string, retryConfig retry.Config) *Engine {
	return &Engine{
		Storage:     storage,
		Fetcher:     fetcher,
		Verifier:    verifier,
		Platform:    platform,
		HostVersion: hostVersion,
		RetryConfig: retryConfig,
		lastCycle:   cleanup.LastCycleUnknown,
	}
}

// RunCycle executes exactly one update cycle and discards its events (it is
// RunCycleSink with a nil sink). Events follow §4.9's invariants: exactly
// one of UpToDate|UpdateReady|Error per cycle, CleanupComplete at most
// once and only after UpToDate.
func (e *Engine) RunCycle(ctx context.Context) error {
	return e.RunCycleSink(ctx, nil)
}

// RunCycleSink is RunCycle with an explicit event sink.
func (e *Engine) RunCycleSink(ctx context.Context, sink Sink) error {
	emit := func(ev Event) {
		if sink != nil {
			sink(ev)
		}
	}
	log := dcontext.GetLogger(ctx)

	emit(Event{Kind: KindChecking})

	var raw []byte
	var manifest *bundle.Manifest
	err := retry.Do(ctx, e.RetryConfig, func(ctx context.Context) error {
		var fetchErr error
		raw, manifest, fetchErr = e.Fetcher.FetchManifest(ctx, func(b retry.BackingOff) { emit(Event{Kind: KindBackingOff, BackingOff: b}) })
		return fetchErr
	}, func(b retry.BackingOff) { emit(Event{Kind: KindBackingOff, BackingOff: b}) })
	if err != nil {
		return e.emitError(emit, updateerr.NetworkError, err)
	}

	// §4.9 step 2: validate signature, platform support, and build-number
	// monotonicity, in that order, before anything about this manifest is
	// trusted.
	if e.Verifier != nil && !e.Verifier.VerifyRaw(raw) {
		return e.emitError(emit, updateerr.SignatureInvalid, fmt.Errorf("signature verification failed"))
	}

	if !manifest.SupportsPlatform(e.Platform) {
		return e.emitError(emit, updateerr.PlatformUnsupported, fmt.Errorf("platform %s not supported by manifest", e.Platform))
	}

	if manifest.MinHostVersion != "" {
		tooOld, err := hostversion.TooOld(e.HostVersion, manifest.MinHostVersion)
		if err != nil {
			return e.emitError(emit, updateerr.Internal, fmt.Errorf("parsing host version: %w", err))
		}
		if tooOld {
			e.lastCycle = cleanup.LastCycleOther
			emit(Event{Kind: KindError, ErrorKind: updateerr.HostTooOld, Message: fmt.Sprintf("host %s older than required %s", e.HostVersion, manifest.MinHostVersion)})
			return &updateerr.Error{Kind: updateerr.HostTooOld}
		}
	}

	installed, err := e.Storage.InstalledBuildNumber()
	if err != nil {
		return e.emitError(emit, updateerr.Internal, err)
	}

	currentBuild := int64(0)
	if installed != nil {
		currentBuild = *installed
	}

	if installed != nil && manifest.BuildNumber == *installed {
		return e.runUpToDate(ctx, emit, log, *installed)
	}

	if installed != nil && manifest.BuildNumber < *installed {
		e.lastCycle = cleanup.LastCycleOther
		return e.emitError(emit, updateerr.Downgrade, fmt.Errorf("server build %d is older than installed build %d", manifest.BuildNumber, *installed))
	}

	decision, err := strategy.Decide(manifest, e.Platform, e.Storage.CAS())
	if err != nil {
		e.lastCycle = cleanup.LastCycleOther
		return e.emitError(emit, updateerr.Internal, err)
	}

	emit(Event{Kind: KindUpdateAvailable, Available: AvailableInfo{
		CurrentBuildNumber: currentBuild,
		NewBuildNumber:     manifest.BuildNumber,
		DownloadSize:       decision.TotalBytes,
		IsIncremental:      decision.Kind == strategy.Incremental,
	}})

	if err := e.download(ctx, manifest, emit); err != nil {
		e.lastCycle = cleanup.LastCycleOther
		return e.emitError(emit, classifyDownloadErr(err), err)
	}

	// §4.9 step 5: the write scope closes the TOCTOU window between the
	// strategy decision above and activation — re-check installed build
	// number immediately before committing.
	activateErr := e.Storage.WithWriteScope(ctx, func(w *storagemgr.WriteScope) error {
		installedNow, err := w.InstalledBuildNumber()
		if err != nil {
			return err
		}
		if installedNow != nil && manifest.BuildNumber <= *installedNow {
			return &updateerr.Error{Kind: updateerr.Downgrade, Message: "build number no longer newer than installed at activation time"}
		}

		if err := w.PrepareVersion(manifest, e.Platform); err != nil {
			return err
		}
		return w.SaveInstalledManifest(raw)
	})
	if activateErr != nil {
		e.lastCycle = cleanup.LastCycleOther
		kind := updateerr.Internal
		if storagemgr.IsMissingCASEntry(activateErr) {
			kind = updateerr.MissingCasEntry
		}
		if ue, ok := updateerr.As(activateErr); ok {
			kind = ue.Kind
		}
		return e.emitError(emit, kind, activateErr)
	}

	e.lastCycle = cleanup.LastCycleOther
	emit(Event{Kind: KindUpdateReady, BuildNumber: manifest.BuildNumber})
	return nil
}

// runUpToDate handles the "no update" branch of §4.9: emit UpToDate, then
// run cleanup (the only branch from which cleanup is allowed to run) and
// emit CleanupComplete.
func (e *Engine) runUpToDate(ctx context.Context, emit func(Event), log dcontext.Logger, buildNumber int64) error {
	e.lastCycle = cleanup.LastCycleUpToDate
	emit(Event{Kind: KindUpToDate, BuildNumber: buildNumber})

	var result cleanup.Result
	err := e.Storage.WithWriteScope(ctx, func(w *storagemgr.WriteScope) error {
		var cerr error
		result, cerr = cleanup.Run(ctx, w, e.lastCycle, e.Platform)
		return cerr
	})
	if err != nil {
		log.WithError(err).Warn("cleanup failed after up-to-date cycle")
	}
	emit(Event{Kind: KindCleanupComplete, Cleanup: result})
	return nil
}

// download executes the strategy C7 produces for manifest, surfacing
// Downloading and BackingOff events as the fetch client reports them.
func (e *Engine) download(ctx context.Context, manifest *bundle.Manifest, emit func(Event)) error {
	return e.Fetcher.DownloadBundle(ctx, manifest, e.Platform, e.Storage.CAS(),
		e.Storage.TempDir(),
		func(p fetch.Progress) { emit(Event{Kind: KindDownloading, Progress: p}) },
		func(b retry.BackingOff) { emit(Event{Kind: KindBackingOff, BackingOff: b}) },
	)
}

func (e *Engine) emitError(emit func(Event), kind updateerr.Kind, err error) error {
	emit(Event{Kind: KindError, ErrorKind: kind, Message: err.Error(), ErrRecoverable: false})
	return updateerr.Wrap(kind, err)
}

// classifyDownloadErr maps a download failure to the most specific exit
// kind §6 defines, preferring HashMismatch and Cancelled over the generic
// NetworkError when the failure says so (fetch.Client reports mismatches
// as plain errors with that exact phrase, per §4.7).
func classifyDownloadErr(err error) updateerr.Kind {
	switch {
	case err == nil:
		return updateerr.Internal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return updateerr.Cancelled
	case strings.Contains(err.Error(), "hash mismatch"):
		return updateerr.HashMismatch
	default:
		return updateerr.NetworkError
	}
}
