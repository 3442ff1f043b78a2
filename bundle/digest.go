// Package bundle defines the data model shared by every component of the
// update engine: the manifest, its canonical encoding, content hashes and
// the Ed25519 signature scheme used to trust a manifest.
package bundle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Algorithm identifies a supported content hash algorithm. SHA256 is the
// only algorithm this package knows how to produce or verify; any other
// tag parsed from the wire is rejected rather than silently accepted.
type Algorithm string

// SHA256 is the only defined hash algorithm.
const SHA256 Algorithm = "sha256"

// Hash is a tagged content hash, rendered on the wire as
// "<algorithm>:<lowercase-hex>".
type Hash struct {
	Algorithm Algorithm
	Hex       string
}

// ParseHash parses a "sha256:<hex>" string. The hex portion is normalized
// to lowercase so that Equal is a plain struct comparison.
func ParseHash(s string) (Hash, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return Hash{}, fmt.Errorf("bundle: malformed hash %q: missing algorithm prefix", s)
	}

	alg := Algorithm(s[:i])
	hex := strings.ToLower(s[i+1:])

	if alg != SHA256 {
		return Hash{}, fmt.Errorf("bundle: unsupported hash algorithm %q", alg)
	}
	if len(hex) != 64 {
		return Hash{}, fmt.Errorf("bundle: malformed sha256 hex %q", hex)
	}

	return Hash{Algorithm: alg, Hex: hex}, nil
}

// String renders the hash in its canonical wire form.
func (h Hash) String() string {
	return fmt.Sprintf("%s:%s", h.Algorithm, h.Hex)
}

// Equal compares two hashes case-insensitively on the hex portion; Hex is
// already normalized to lowercase by ParseHash and FromDigest, so this is a
// plain struct comparison in practice.
func (h Hash) Equal(o Hash) bool {
	return h.Algorithm == o.Algorithm && strings.EqualFold(h.Hex, o.Hex)
}

// IsZero reports whether h is the zero value (no hash set).
func (h Hash) IsZero() bool {
	return h.Algorithm == "" && h.Hex == ""
}

// MarshalJSON renders the hash as its wire string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

// UnmarshalJSON parses the wire string form.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// FromDigest converts an opencontainers/go-digest Digest into a Hash. The
// digest package is used by the hasher (hasher.go) for the actual streaming
// SHA-256 computation; Hash is the wire-level type callers outside this
// package work with.
func FromDigest(d digest.Digest) (Hash, error) {
	if d.Algorithm() != digest.SHA256 {
		return Hash{}, fmt.Errorf("bundle: unsupported digest algorithm %q", d.Algorithm())
	}
	return Hash{Algorithm: SHA256, Hex: d.Encoded()}, nil
}

// Digest converts the Hash back into an opencontainers/go-digest Digest.
func (h Hash) Digest() digest.Digest {
	return digest.NewDigestFromEncoded(digest.SHA256, h.Hex)
}
