package update

import (
	"github.com/distribution/bundleupdate/bundle"
	"github.com/distribution/bundleupdate/hostversion"
	"github.com/distribution/bundleupdate/storagemgr"
)

// ValidationKind tags the variant of a ValidationResult, matching §4.12.
type ValidationKind string

const (
	ValidationNoBundle   ValidationKind = "NoBundle"
	ValidationValid      ValidationKind = "Valid"
	ValidationFailed     ValidationKind = "Failed"
	ValidationHostTooOld ValidationKind = "HostTooOld"
	ValidationNetworkErr ValidationKind = "NetworkError"
)

// ValidationResult is the outcome of Validator.Validate, per §4.12.
type ValidationResult struct {
	Kind ValidationKind

	Manifest *bundle.Manifest // ValidationValid

	Reason   string                            // ValidationFailed
	Failures []storagemgr.VerificationFailure // ValidationFailed

	CurrentHostVersion  string // ValidationHostTooOld
	RequiredHostVersion string // ValidationHostTooOld
	UpdateURL           string // ValidationHostTooOld

	Message string // ValidationNetworkError
}

// ValidationProgressKind tags the variant of a ValidationProgress event.
type ValidationProgressKind string

const (
	ProgressLoadingManifest    ValidationProgressKind = "LoadingManifest"
	ProgressVerifyingSignature ValidationProgressKind = "VerifyingSignature"
	ProgressVerifyingFiles     ValidationProgressKind = "VerifyingFiles"
	ProgressComplete           ValidationProgressKind = "Complete"
)

// ValidationProgress is pushed to a ValidationSink during Validate, per
// §4.12's progress events.
type ValidationProgress struct {
	Kind    ValidationProgressKind
	Done    int
	Total   int
	Percent float64
}

// ValidationSink receives ValidationProgress updates during Validate. May
// be nil.
type ValidationSink func(ValidationProgress)

// Validator performs pre-launch validation of the currently activated
// version (C12): the installed manifest must exist, verify, satisfy the
// host's minimum version, and have every file on disk hash-match.
type Validator struct {
	Storage     *storagemgr.Manager
	Verifier    *bundle.Verifier
	Platform    bundle.Platform
	HostVersion string
}

// NewValidator constructs a Validator.
func NewValidator(storage *storagemgr.Manager, verifier *bundle.Verifier, platform bundle.Platform, hostVersion string) *Validator {
	return &Validator{Storage: storage, Verifier: verifier, Platform: platform, HostVersion: hostVersion}
}

// Validate runs the five steps of §4.12 in order, emitting progress to
// sink (which may be nil).
func (v *Validator) Validate(sink ValidationSink) (ValidationResult, error) {
	emit := func(p ValidationProgress) {
		if sink != nil {
			sink(p)
		}
	}

	emit(ValidationProgress{Kind: ProgressLoadingManifest})
	raw, err := v.Storage.LoadInstalledManifestRaw()
	if err != nil {
		return ValidationResult{Kind: ValidationNetworkErr, Message: err.Error()}, nil
	}
	if raw == nil {
		return ValidationResult{Kind: ValidationNoBundle}, nil
	}

	emit(ValidationProgress{Kind: ProgressVerifyingSignature})
	if v.Verifier != nil && !v.Verifier.Verify(raw) {
		return ValidationResult{Kind: ValidationFailed, Reason: "signature"}, nil
	}

	manifest, err := bundle.Parse(raw)
	if err != nil {
		return ValidationResult{Kind: ValidationFailed, Reason: "parse"}, nil
	}

	if manifest.MinHostVersion != "" {
		tooOld, err := hostversion.TooOld(v.HostVersion, manifest.MinHostVersion)
		if err != nil {
			return ValidationResult{Kind: ValidationNetworkErr, Message: err.Error()}, nil
		}
		if tooOld {
			return ValidationResult{
				Kind:                ValidationHostTooOld,
				CurrentHostVersion:  v.HostVersion,
				RequiredHostVersion: manifest.MinHostVersion,
				UpdateURL:           manifest.HostUpdateURL,
			}, nil
		}
	}

	files := manifest.FilesForPlatform(v.Platform)
	emit(ValidationProgress{Kind: ProgressVerifyingFiles, Done: 0, Total: len(files), Percent: 0})
	failures, err := v.Storage.VerifyVersion(manifest, v.Platform)
	if err != nil {
		return ValidationResult{Kind: ValidationNetworkErr, Message: err.Error()}, nil
	}
	emit(ValidationProgress{Kind: ProgressVerifyingFiles, Done: len(files), Total: len(files), Percent: 100})

	if len(failures) > 0 {
		return ValidationResult{Kind: ValidationFailed, Reason: "integrity", Failures: failures}, nil
	}

	emit(ValidationProgress{Kind: ProgressComplete})
	return ValidationResult{Kind: ValidationValid, Manifest: manifest}, nil
}
