package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// canonWriter builds a compact, explicitly-ordered JSON object. Unlike
// encoding/json's struct marshaling, field order here is dictated entirely
// by the order of field() calls, which lets Canonical and CanonicalSigned
// match §6's declared field order regardless of Go struct field order.
type canonWriter struct {
	buf   bytes.Buffer
	wrote bool
}

func (w *canonWriter) open() { w.buf.WriteByte('{') }

func (w *canonWriter) comma() {
	if w.wrote {
		w.buf.WriteByte(',')
	}
	w.wrote = true
}

func (w *canonWriter) field(name string, v interface{}) error {
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bundle: encoding field %q: %w", name, err)
	}
	w.comma()
	w.buf.WriteByte('"')
	w.buf.WriteString(name)
	w.buf.WriteString(`":`)
	w.buf.Write(val)
	return nil
}

// rawField writes name:raw without re-marshaling raw, for pre-canonicalized
// nested values (files, archives).
func (w *canonWriter) rawField(name string, raw []byte) {
	w.comma()
	w.buf.WriteByte('"')
	w.buf.WriteString(name)
	w.buf.WriteString(`":`)
	w.buf.Write(raw)
}

func (w *canonWriter) close() []byte {
	w.buf.WriteByte('}')
	return w.buf.Bytes()
}

// canonicalFile renders a BundleFile in declared field order: path, hash,
// size, then os/arch if present.
func canonicalFile(f BundleFile) ([]byte, error) {
	w := &canonWriter{}
	w.open()
	if err := w.field("path", f.Path); err != nil {
		return nil, err
	}
	if err := w.field("hash", f.Hash.String()); err != nil {
		return nil, err
	}
	if err := w.field("size", f.Size); err != nil {
		return nil, err
	}
	if f.OS != "" {
		if err := w.field("os", f.OS); err != nil {
			return nil, err
		}
	}
	if f.Arch != "" {
		if err := w.field("arch", f.Arch); err != nil {
			return nil, err
		}
	}
	return w.close(), nil
}

func canonicalFiles(files []BundleFile) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, f := range files {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := canonicalFile(f)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func canonicalArchives(archives map[string]PlatformBundle) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range sortedArchiveKeys(archives) {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')

		pb := archives[key]
		w := &canonWriter{}
		w.open()
		if err := w.field("archivePath", pb.ArchivePath); err != nil {
			return nil, err
		}
		if err := w.field("size", pb.Size); err != nil {
			return nil, err
		}
		buf.Write(w.close())
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// CanonicalUnsigned renders m in the canonical form defined by §6, omitting
// the signature field entirely. This is exactly the byte sequence that must
// be signed, and that the round-trip verification path (VerifyRoundTrip)
// re-derives for comparison.
func CanonicalUnsigned(m *Manifest) ([]byte, error) {
	w := &canonWriter{}
	w.open()

	if err := w.field("schemaVersion", m.SchemaVersion); err != nil {
		return nil, err
	}
	if err := w.field("buildNumber", m.BuildNumber); err != nil {
		return nil, err
	}
	if err := w.field("createdAt", m.CreatedAt); err != nil {
		return nil, err
	}
	if err := w.field("minHostVersion", m.MinHostVersion); err != nil {
		return nil, err
	}
	if m.HostUpdateURL != "" {
		if err := w.field("hostUpdateUrl", m.HostUpdateURL); err != nil {
			return nil, err
		}
	}

	filesJSON, err := canonicalFiles(m.Files)
	if err != nil {
		return nil, err
	}
	w.rawField("files", filesJSON)

	if err := w.field("mainEntry", m.MainEntry); err != nil {
		return nil, err
	}

	archivesJSON, err := canonicalArchives(m.Archives)
	if err != nil {
		return nil, err
	}
	w.rawField("archives", archivesJSON)

	return w.close(), nil
}

// CanonicalSigned renders m's canonical form with the given tagged
// signature ("ed25519:<base64>") appended as the last field, exactly as
// distributed manifests carry it.
func CanonicalSigned(m *Manifest, signature string) ([]byte, error) {
	unsigned, err := CanonicalUnsigned(m)
	if err != nil {
		return nil, err
	}
	return appendSignature(unsigned, signature), nil
}

// appendSignature inserts ,"signature":"<sig>" immediately before the final
// closing brace of a canonical (no trailing whitespace) JSON object.
func appendSignature(canonicalObject []byte, signature string) []byte {
	sigJSON, _ := json.Marshal(signature)
	out := make([]byte, 0, len(canonicalObject)+len(sigJSON)+14)
	out = append(out, canonicalObject[:len(canonicalObject)-1]...)
	out = append(out, `,"signature":`...)
	out = append(out, sigJSON...)
	out = append(out, '}')
	return out
}

// Canonical renders m's full canonical form, including its Signature field
// if set.
func Canonical(m *Manifest) ([]byte, error) {
	if m.Signature == "" {
		return CanonicalUnsigned(m)
	}
	return CanonicalSigned(m, m.Signature)
}
