package bundle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePlatform(t *testing.T) {
	cases := []struct {
		in   string
		want Platform
	}{
		{"macos-arm64", Platform{OS: "macos", Arch: "arm64"}},
		{"linux-x64", Platform{OS: "linux", Arch: "x64"}},
		{"linux-x86_64", Platform{OS: "linux", Arch: "x64"}},
	}
	for _, c := range cases {
		got, err := ParsePlatform(c.in)
		require.NoError(t, err)
		require.Equal(t, c.want, got)
	}
}

func TestBundleFileAppliesTo(t *testing.T) {
	linux := Platform{OS: "linux", Arch: "x64"}
	mac := Platform{OS: "macos", Arch: "arm64"}

	universal := BundleFile{Path: "shared.json"}
	require.True(t, universal.AppliesTo(linux))
	require.True(t, universal.AppliesTo(mac))

	linuxOnly := BundleFile{Path: "libfoo.so", OS: "linux"}
	require.True(t, linuxOnly.AppliesTo(linux))
	require.False(t, linuxOnly.AppliesTo(mac))

	macArm := BundleFile{Path: "libbar.dylib", OS: "macos", Arch: "arm64"}
	require.True(t, macArm.AppliesTo(mac))
	require.False(t, macArm.AppliesTo(linux))
}

func TestFilesForPlatformPreservesOrderAndExcludesNonMatching(t *testing.T) {
	m := &Manifest{
		Files: []BundleFile{
			{Path: "a", OS: "linux"},
			{Path: "b"},
			{Path: "c", OS: "macos"},
			{Path: "d"},
		},
	}
	got := m.FilesForPlatform(Platform{OS: "linux", Arch: "x64"})
	var paths []string
	for _, f := range got {
		paths = append(paths, f.Path)
	}
	require.Equal(t, []string{"a", "b", "d"}, paths)
}

func TestSupportsPlatform(t *testing.T) {
	m := &Manifest{Archives: map[string]PlatformBundle{"linux-x64": {}}}
	require.True(t, m.SupportsPlatform(Platform{OS: "linux", Arch: "x64"}))
	require.False(t, m.SupportsPlatform(Platform{OS: "windows", Arch: "x64"}))
}

func TestParseManifestEmptyFiles(t *testing.T) {
	m, err := Parse([]byte(`{"schemaVersion":1,"buildNumber":1,"createdAt":"2026-01-01T00:00:00Z","minHostVersion":"1.0","files":[],"mainEntry":"Main","archives":{}}`))
	require.NoError(t, err)
	require.Empty(t, m.Files)
	require.Empty(t, m.FilesForPlatform(Platform{OS: "linux", Arch: "x64"}))
}
