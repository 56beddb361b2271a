package modkit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Manifest file names probed in each module root, in order of preference.
var manifestNames = []string{"module.json", "module.yaml", "module.yml", "module.toml"}

// DiscoveryError records why one module root could not be registered.
// Per-root failures are reported, never raised, so a single bad manifest
// cannot abort a scan.
type DiscoveryError struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// DiscoveryResult summarizes one discovery pass.
type DiscoveryResult struct {
	// Scanned lists the search paths that were walked.
	Scanned []string `json:"scanned"`

	// Registered lists modules registered (or updated) during the pass.
	Registered []*Module `json:"registered"`

	// Errors lists module roots that were found but rejected.
	Errors []DiscoveryError `json:"errors,omitempty"`
}

// Discoverer scans filesystem roots for module manifests and registers them.
// Each immediate subdirectory of a search path is treated as one module
// root; a search path that itself contains a manifest is also a root.
type Discoverer struct {
	registry *Registry
	logger   Logger
}

// NewDiscoverer creates a discoverer that registers into the given registry.
func NewDiscoverer(registry *Registry, logger Logger) *Discoverer {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &Discoverer{registry: registry, logger: logger}
}

// Discover scans the given paths, parses each module root's manifest,
// attaches the absolute install path, and registers the module. Roots with
// malformed or invalid manifests end up in the result's error list.
func (d *Discoverer) Discover(ctx context.Context, paths ...string) (*DiscoveryResult, error) {
	result := &DiscoveryResult{Scanned: paths}

	for _, path := range paths {
		roots, err := d.moduleRoots(path)
		if err != nil {
			result.Errors = append(result.Errors, DiscoveryError{Path: path, Err: err.Error()})
			continue
		}
		for _, root := range roots {
			mod, err := d.registerRoot(ctx, root)
			if err != nil {
				result.Errors = append(result.Errors, DiscoveryError{Path: root, Err: err.Error()})
				d.logger.Warn("Module root rejected", "path", root, "error", err)
				continue
			}
			result.Registered = append(result.Registered, mod)
		}
	}

	sort.Slice(result.Registered, func(i, j int) bool {
		return result.Registered[i].ModuleID < result.Registered[j].ModuleID
	})
	d.logger.Info("Discovery complete",
		"paths", len(paths), "registered", len(result.Registered), "errors", len(result.Errors))
	return result, nil
}

// Watch re-runs discovery whenever a manifest file under one of the paths
// changes on disk. It blocks until the context is cancelled.
func (d *Discoverer) Watch(ctx context.Context, paths ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		roots, err := d.moduleRoots(path)
		if err != nil {
			continue
		}
		for _, root := range roots {
			if root != path {
				_ = watcher.Add(root)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !isManifestPath(event.Name) {
				// A new directory may become a module root; watch it so its
				// manifest write is seen.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
				continue
			}
			d.logger.Debug("Manifest change detected", "path", event.Name)
			if _, err := d.Discover(ctx, paths...); err != nil {
				d.logger.Error("Re-discovery failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("Watcher error", "error", err)
		}
	}
}

// moduleRoots lists the module roots under a search path.
func (d *Discoverer) moduleRoots(path string) ([]string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	if _, err := findManifest(abs); err == nil {
		return []string{abs}, nil
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	var roots []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		root := filepath.Join(abs, entry.Name())
		if _, err := findManifest(root); err == nil {
			roots = append(roots, root)
		}
	}
	sort.Strings(roots)
	return roots, nil
}

// registerRoot parses the manifest in one module root and registers it.
func (d *Discoverer) registerRoot(ctx context.Context, root string) (*Module, error) {
	manifestPath, err := findManifest(root)
	if err != nil {
		return nil, err
	}
	manifest, err := parseManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	manifest.InstallPath = root
	return d.registry.Register(ctx, *manifest, false)
}

func findManifest(root string) (string, error) {
	for _, name := range manifestNames {
		candidate := filepath.Join(root, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrManifestNotFound, root)
}

func isManifestPath(path string) bool {
	base := filepath.Base(path)
	for _, name := range manifestNames {
		if base == name {
			return true
		}
	}
	return false
}

func parseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read manifest: %w", err)
	}

	var manifest Manifest
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported manifest format %s", ErrManifestInvalid, filepath.Ext(path))
	}
	return &manifest, nil
}
