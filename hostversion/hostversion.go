// Package hostversion compares the host application's own version against a
// manifest's declared minimum, the "HostTooOld" check in §4.9/§4.12.
// Grounded in the semantic-version comparisons carried by the pack's
// moby-moby go.mod (github.com/blang/semver) — this module needs only
// ordering, which a hand-rolled dotted-integer parser would get wrong for
// prerelease/build-metadata suffixes that a real semver library handles.
package hostversion

import "github.com/blang/semver"

// TooOld reports whether current does not satisfy required: required is a
// minimum version and current must be >= required.
func TooOld(current, required string) (bool, error) {
	c, err := semver.Parse(current)
	if err != nil {
		return false, err
	}
	r, err := semver.Parse(required)
	if err != nil {
		return false, err
	}
	return c.LT(r), nil
}
