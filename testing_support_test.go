package modkit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// testLogger returns a Logger that swallows output so test logs stay quiet.
func testLogger() Logger {
	return NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// manifestFor builds a minimal valid manifest for tests.
func manifestFor(id, version string, deps ...Dependency) Manifest {
	return Manifest{
		ModuleID:     id,
		Name:         id,
		Version:      version,
		EntryPoint:   "entry.js",
		Dependencies: deps,
	}
}

// writeModuleRoot materializes a module root on disk: a directory holding
// the given entry point source, returned as the install path.
func writeModuleRoot(t *testing.T, entrySource string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "entry.js"), []byte(entrySource), 0o644); err != nil {
		t.Fatalf("writing entry point: %v", err)
	}
	return dir
}

// registerAll registers manifests into a fresh registry and returns it.
func registerAll(t *testing.T, manifests ...Manifest) *Registry {
	t.Helper()
	reg := NewRegistry(testLogger(), nil)
	for _, m := range manifests {
		if _, err := reg.Register(context.Background(), m, false); err != nil {
			t.Fatalf("registering %s: %v", m.ModuleID, err)
		}
	}
	return reg
}
