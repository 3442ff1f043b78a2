package bundle

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Platform identifies a target operating system and CPU architecture as
// "<os>-<arch>", e.g. "macos-arm64", "linux-x64".
type Platform struct {
	OS   string
	Arch string
}

// Known OS values.
const (
	OSMacOS   = "macos"
	OSWindows = "windows"
	OSLinux   = "linux"
)

// Known architecture values. ArchX64 is the canonical form; "x86_64" is
// accepted on input and normalized to it.
const (
	ArchARM64 = "arm64"
	ArchX64   = "x64"
)

// ParsePlatform parses "<os>-<arch>", normalizing the "x86_64" arch alias.
func ParsePlatform(s string) (Platform, error) {
	i := strings.IndexByte(s, '-')
	if i < 0 {
		return Platform{}, fmt.Errorf("bundle: malformed platform %q", s)
	}
	arch := s[i+1:]
	if arch == "x86_64" {
		arch = ArchX64
	}
	return Platform{OS: s[:i], Arch: arch}, nil
}

// String renders the platform identifier.
func (p Platform) String() string {
	return p.OS + "-" + p.Arch
}

// BundleFile is a single entry in a manifest's file list.
type BundleFile struct {
	Path string `json:"path"`
	Hash Hash   `json:"hash"`
	Size int64  `json:"size"`
	OS   string `json:"os,omitempty"`
	Arch string `json:"arch,omitempty"`
}

// AppliesTo reports whether f applies to platform p: both constraints absent,
// or each present constraint matching p.
func (f BundleFile) AppliesTo(p Platform) bool {
	if f.OS != "" && f.OS != p.OS {
		return false
	}
	if f.Arch != "" && f.Arch != p.Arch {
		return false
	}
	return true
}

// PlatformBundle is the per-platform full-archive pointer.
type PlatformBundle struct {
	ArchivePath string `json:"archivePath"`
	Size        int64  `json:"size"`
}

// Manifest is the signed, versioned description of a bundle: the unit of
// trust for the whole update engine.
type Manifest struct {
	SchemaVersion  int                       `json:"schemaVersion"`
	BuildNumber    int64                     `json:"buildNumber"`
	CreatedAt      string                    `json:"createdAt"`
	MinHostVersion string                    `json:"minHostVersion"`
	HostUpdateURL  string                    `json:"hostUpdateUrl,omitempty"`
	Files          []BundleFile              `json:"files"`
	MainEntry      string                    `json:"mainEntry"`
	Archives       map[string]PlatformBundle `json:"archives"`
	// Signature is the tagged "ed25519:<base64>" signature, empty when the
	// manifest is unsigned (e.g. before Sign is applied by the creator).
	Signature string `json:"signature,omitempty"`
}

// FilesForPlatform returns the files in manifest order that apply to p.
func (m *Manifest) FilesForPlatform(p Platform) []BundleFile {
	var out []BundleFile
	for _, f := range m.Files {
		if f.AppliesTo(p) {
			out = append(out, f)
		}
	}
	return out
}

// SupportsPlatform reports whether p has a published archive entry.
func (m *Manifest) SupportsPlatform(p Platform) bool {
	_, ok := m.Archives[p.String()]
	return ok
}

// Parse decodes a manifest from its wire JSON representation. It does not
// verify the signature; use bundle.Verifier for that.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bundle: parsing manifest: %w", err)
	}
	return &m, nil
}

// sortedArchiveKeys returns archive platform keys in a fixed, deterministic
// order. The spec leaves archives-map key order unspecified for signature
// purposes (map entries, unlike files, don't have a declared order) — this
// canonical writer picks ascending lexicographic order so repeated encodes
// of the same manifest always produce byte-identical output.
func sortedArchiveKeys(archives map[string]PlatformBundle) []string {
	keys := make([]string, 0, len(archives))
	for k := range archives {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
