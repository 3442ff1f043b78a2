package update

import (
	"context"
	"fmt"

	"github.com/distribution/bundleupdate/bundle"
	"github.com/distribution/bundleupdate/storagemgr"
)

// Repair re-runs PrepareVersion for the currently installed build number
// and revalidates it. Grounded in §4.4's observation that PrepareVersion's
// links are idempotent: recreating a link farm that's already mostly
// present (scenario 6, "Corruption repair") only touches the missing
// entries. It is an operator-facing wrapper, not a new on-disk operation.
func (e *Engine) Repair(ctx context.Context) (ValidationResult, error) {
	raw, err := e.Storage.LoadInstalledManifestRaw()
	if err != nil {
		return ValidationResult{}, fmt.Errorf("update: repair: loading installed manifest: %w", err)
	}
	if raw == nil {
		return ValidationResult{Kind: ValidationNoBundle}, nil
	}

	manifest, err := bundle.Parse(raw)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("update: repair: parsing installed manifest: %w", err)
	}

	err = e.Storage.WithWriteScope(ctx, func(w *storagemgr.WriteScope) error {
		return w.PrepareVersion(manifest, e.Platform)
	})
	if err != nil {
		return ValidationResult{}, fmt.Errorf("update: repair: preparing version %d: %w", manifest.BuildNumber, err)
	}

	v := NewValidator(e.Storage, e.Verifier, e.Platform, e.HostVersion)
	return v.Validate(nil)
}
