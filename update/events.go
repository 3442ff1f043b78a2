// Package update implements the update engine (C9), the background loop
// (C10), and the pre-launch validator (C12): the orchestration layer that
// drives fetch, strategy, storagemgr and cleanup through one full update
// cycle and reports it as an ordered event stream. Grounded in the
// teacher's docker/go-events broadcast used by notifications/listener.go —
// the same push-sink idea, applied to update-cycle events instead of
// repository events.
package update

import (
	"github.com/distribution/bundleupdate/cleanup"
	"github.com/distribution/bundleupdate/fetch"
	"github.com/distribution/bundleupdate/retry"
	"github.com/distribution/bundleupdate/updateerr"
)

// EventKind names the variant of an Event, so a Sink that only cares about
// a subset can switch on it without a type assertion per case.
type EventKind string

const (
	KindChecking        EventKind = "Checking"
	KindUpToDate        EventKind = "UpToDate"
	KindUpdateAvailable EventKind = "UpdateAvailable"
	KindDownloading     EventKind = "Downloading"
	KindBackingOff      EventKind = "BackingOff"
	KindUpdateReady     EventKind = "UpdateReady"
	KindCleanupComplete EventKind = "CleanupComplete"
	KindError           EventKind = "Error"
)

// AvailableInfo describes a pending update, per §4.9 step 3.
type AvailableInfo struct {
	CurrentBuildNumber int64
	NewBuildNumber     int64
	DownloadSize       int64
	IsIncremental      bool
}

// Event is the single tagged union pushed to a Sink during a cycle. Only the
// fields listed for Kind are populated; the rest keep their zero values.
type Event struct {
	Kind EventKind

	// UpToDate, UpdateReady
	BuildNumber int64

	// UpdateAvailable
	Available AvailableInfo

	// Downloading
	Progress fetch.Progress

	// BackingOff
	BackingOff retry.BackingOff

	// CleanupComplete
	Cleanup cleanup.Result

	// Error
	ErrorKind      updateerr.Kind
	Message        string
	ErrRecoverable bool
}

// Sink receives Events in order during a single cycle. Implementations
// must not block the engine for long; a Sink that needs to do slow work
// should buffer and process asynchronously.
type Sink func(Event)
