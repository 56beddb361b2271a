package modkit

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifestRoot(t *testing.T, base, dir, name, content string) string {
	t.Helper()
	root := filepath.Join(base, dir)
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	return root
}

func TestDiscoverRegistersAllManifestFormats(t *testing.T) {
	base := t.TempDir()
	writeManifestRoot(t, base, "alpha", "module.json", `{
		"moduleId": "alpha",
		"name": "Alpha",
		"version": "1.0.0",
		"entryPoint": "entry.js",
		"dependencies": [{"moduleId": "beta", "version": "^2.0.0"}]
	}`)
	writeManifestRoot(t, base, "beta", "module.yaml", `
moduleId: beta
name: Beta
version: 2.1.0
entryPoint: main.js
capabilities:
  - log
  - fs
`)
	writeManifestRoot(t, base, "gamma", "module.toml", `
moduleId = "gamma"
name = "Gamma"
version = "0.3.0"
entryPoint = "entry.js"
`)

	reg := NewRegistry(testLogger(), nil)
	d := NewDiscoverer(reg, testLogger())
	result, err := d.Discover(context.Background(), base)
	require.NoError(t, err)

	require.Len(t, result.Registered, 3)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "alpha", result.Registered[0].ModuleID)
	assert.Equal(t, "beta", result.Registered[1].ModuleID)
	assert.Equal(t, "gamma", result.Registered[2].ModuleID)

	// The install path is attached by discovery, never by the manifest.
	alpha, ok := reg.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(base, "alpha"), alpha.InstallPath)
	assert.Equal(t, []Dependency{{ModuleID: "beta", VersionConstraint: "^2.0.0"}}, alpha.Dependencies)

	beta, ok := reg.Get("beta")
	require.True(t, ok)
	assert.Equal(t, []string{"log", "fs"}, beta.Capabilities)
	assert.Equal(t, "main.js", beta.EntryPoint)
}

func TestDiscoverReportsBadRootsWithoutAborting(t *testing.T) {
	base := t.TempDir()
	writeManifestRoot(t, base, "good", "module.json",
		`{"moduleId": "good", "name": "Good", "version": "1.0.0", "entryPoint": "entry.js"}`)
	broken := writeManifestRoot(t, base, "broken", "module.json", `{not json at all`)
	invalid := writeManifestRoot(t, base, "invalid", "module.yaml", `
moduleId: invalid
name: Invalid
version: not-semver
entryPoint: entry.js
`)

	reg := NewRegistry(testLogger(), nil)
	d := NewDiscoverer(reg, testLogger())
	result, err := d.Discover(context.Background(), base)
	require.NoError(t, err)

	require.Len(t, result.Registered, 1)
	assert.Equal(t, "good", result.Registered[0].ModuleID)

	require.Len(t, result.Errors, 2)
	paths := []string{result.Errors[0].Path, result.Errors[1].Path}
	assert.ElementsMatch(t, []string{broken, invalid}, paths)

	_, ok := reg.Get("invalid")
	assert.False(t, ok)
}

func TestDiscoverSearchPathThatIsItselfARoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "module.json"),
		[]byte(`{"moduleId": "solo", "name": "Solo", "version": "1.0.0", "entryPoint": "entry.js"}`), 0o644))

	reg := NewRegistry(testLogger(), nil)
	d := NewDiscoverer(reg, testLogger())
	result, err := d.Discover(context.Background(), root)
	require.NoError(t, err)

	require.Len(t, result.Registered, 1)
	assert.Equal(t, "solo", result.Registered[0].ModuleID)
	assert.Equal(t, root, result.Registered[0].InstallPath)
}

func TestDiscoverMissingSearchPath(t *testing.T) {
	reg := NewRegistry(testLogger(), nil)
	d := NewDiscoverer(reg, testLogger())
	result, err := d.Discover(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, result.Registered)
	require.Len(t, result.Errors, 1)
}

func TestDiscoverRescanUpdatesExistingModule(t *testing.T) {
	base := t.TempDir()
	root := writeManifestRoot(t, base, "mod", "module.json",
		`{"moduleId": "mod", "name": "Mod", "version": "1.0.0", "entryPoint": "entry.js"}`)

	reg := NewRegistry(testLogger(), nil)
	d := NewDiscoverer(reg, testLogger())
	_, err := d.Discover(context.Background(), base)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "module.json"),
		[]byte(`{"moduleId": "mod", "name": "Mod", "version": "1.1.0", "entryPoint": "entry.js"}`), 0o644))
	_, err = d.Discover(context.Background(), base)
	require.NoError(t, err)

	mod, ok := reg.Get("mod")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", mod.Version)
}
