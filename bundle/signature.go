package bundle

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

// signatureTag is the algorithm tag prefixing every rendered signature.
const signatureTag = "ed25519:"

// sigFieldPrefix is the opening of the trailing field a signed,
// canonically-produced manifest carries, per §6: the whole suffix is
// `,"signature":"ed25519:<base64>"}`. Matching
// against this suffix is what makes the raw-JSON verification path
// forward-compatible: any unknown fields a newer publisher inserted earlier
// in the document are untouched, because we only ever strip this one
// trailing field.
const sigFieldPrefix = `,"signature":"`

// Verifier holds a public Ed25519 key decoded once at construction and
// verifies manifests against it.
//
// Two verification paths are offered, matching §4.2:
//
//   - VerifyRaw is the preferred, forward-compatible path: it operates on
//     the exact bytes the manifest was received as, stripping only the
//     trailing signature field.
//   - VerifyRoundTrip is the fallback for documents that aren't in the
//     canonical wire form (e.g. pretty-printed legacy documents): it parses
//     the manifest, re-serializes it canonically, and verifies that.
//
// Do not use VerifyRoundTrip as the primary path — a newer publisher's
// unknown field would either fail to parse or silently vanish on
// re-serialization, invalidating a signature that a raw-JSON check would
// have accepted.
type Verifier struct {
	publicKey ed25519.PublicKey
}

// NewVerifier decodes a base64-encoded X.509 SubjectPublicKeyInfo (or a PEM
// block wrapping one) into an Ed25519 public key.
func NewVerifier(encodedKey string) (*Verifier, error) {
	keyBytes, err := decodeKeyBytes(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("bundle: decoding verifier public key: %w", err)
	}

	pub, err := x509.ParsePKIXPublicKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("bundle: parsing SubjectPublicKeyInfo: %w", err)
	}

	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("bundle: public key is not Ed25519")
	}

	return &Verifier{publicKey: edPub}, nil
}

func decodeKeyBytes(encodedKey string) ([]byte, error) {
	if block, _ := pem.Decode([]byte(encodedKey)); block != nil {
		return block.Bytes, nil
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
}

// VerifyRaw implements the raw-JSON fast path: if the last field of raw is
// `"signature":"ed25519:<b64>"` immediately before the closing `}`, the
// signature is verified over everything except that field, and malformed
// input of any kind (bad base64, wrong key length, no trailing brace)
// yields false rather than an error, per §4.2.
func (v *Verifier) VerifyRaw(raw []byte) bool {
	unsigned, sig, ok := stripTrailingSignature(raw)
	if !ok {
		return false
	}
	return v.verifyBytes(unsigned, sig)
}

// VerifyRoundTrip implements the fallback path: parse raw into a Manifest,
// re-serialize canonically, and verify against that.
func (v *Verifier) VerifyRoundTrip(raw []byte) bool {
	m, err := Parse(raw)
	if err != nil {
		return false
	}
	sig := m.Signature
	if sig == "" {
		return false
	}
	unsigned, err := CanonicalUnsigned(m)
	if err != nil {
		return false
	}
	return v.verifyBytes(unsigned, sig)
}

// Verify tries VerifyRaw first and falls back to VerifyRoundTrip, matching
// §4.2's ordering guidance.
func (v *Verifier) Verify(raw []byte) bool {
	if v.VerifyRaw(raw) {
		return true
	}
	return v.VerifyRoundTrip(raw)
}

func (v *Verifier) verifyBytes(signedBytes []byte, taggedSig string) bool {
	if !strings.HasPrefix(taggedSig, signatureTag) {
		return false
	}
	sigBytes, err := base64.StdEncoding.DecodeString(taggedSig[len(signatureTag):])
	if err != nil {
		return false
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.publicKey, signedBytes, sigBytes)
}

// stripTrailingSignature locates a trailing `,"signature":"..."}` field and
// returns the bytes that precede that field followed by a closing `}`,
// along with the tagged signature value.
func stripTrailingSignature(raw []byte) (unsigned []byte, sig string, ok bool) {
	trimmed := bytes.TrimRight(raw, " \t\r\n")
	if len(trimmed) == 0 || trimmed[len(trimmed)-1] != '}' {
		return nil, "", false
	}
	body := trimmed[:len(trimmed)-1]

	idx := bytes.LastIndex(body, []byte(sigFieldPrefix))
	if idx < 0 {
		return nil, "", false
	}
	rest := body[idx+len(sigFieldPrefix):]
	end := bytes.IndexByte(rest, '"')
	if end < 0 {
		return nil, "", false
	}
	if end != len(rest)-1 {
		// trailing garbage after the closing quote before '}' — not the
		// well-formed suffix this fast path expects.
		return nil, "", false
	}

	sigValue := string(rest[:end])
	unsigned = append(append([]byte{}, body[:idx]...), '}')
	return unsigned, sigValue, true
}

// Signer produces canonically-signed manifests. It exists for tests and
// tooling that need to fabricate signed fixtures; production signing is
// performed by the external bundle creator (out of scope, §1), which must
// produce byte-identical output to Sign for VerifyRaw to accept it.
type Signer struct {
	privateKey ed25519.PrivateKey
}

// NewSigner wraps a raw Ed25519 private key.
func NewSigner(key ed25519.PrivateKey) *Signer {
	return &Signer{privateKey: key}
}

// GenerateSigner creates a fresh Ed25519 keypair and returns a Signer plus
// the base64 SubjectPublicKeyInfo NewVerifier expects, for tests.
func GenerateSigner() (*Signer, string, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, "", err
	}
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, "", err
	}
	return NewSigner(priv), base64.StdEncoding.EncodeToString(spki), nil
}

// Sign produces the canonical signed form of m: m.Signature is ignored and
// overwritten with the freshly computed signature over CanonicalUnsigned(m).
func (s *Signer) Sign(m *Manifest) ([]byte, error) {
	unsigned, err := CanonicalUnsigned(m)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(s.privateKey, unsigned)
	tagged := signatureTag + base64.StdEncoding.EncodeToString(sig)
	return appendSignature(unsigned, tagged), nil
}
