package modkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ModuleFilter narrows the result of Registry.List. The zero value matches
// every module.
type ModuleFilter struct {
	// Status, when non-empty, matches only modules in that lifecycle state.
	Status ModuleStatus

	// ActiveOnly matches only modules in the currently active set.
	ActiveOnly bool

	// Capability, when non-empty, matches only modules declaring it.
	Capability string
}

// Registry is the in-memory authoritative map of known module definitions.
// It is single-writer: all mutations are expected to come from one control
// goroutine (the Runtime serializes them), while readers may take snapshots
// concurrently. The registry only mutates memory; it never initializes or
// executes anything.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
	logger  Logger
	emitter *SignalEmitter
}

// NewRegistry creates an empty registry. The emitter may be nil, in which
// case no signals are emitted.
func NewRegistry(logger Logger, emitter *SignalEmitter) *Registry {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &Registry{
		modules: make(map[string]*Module),
		logger:  logger,
		emitter: emitter,
	}
}

// Register inserts a module from its manifest, or updates the existing entry
// in place when the id is already known. An update preserves the module's
// lifecycle status and active flag unless forceReset is true, which returns
// the module to StatusRegistered (the only way out of StatusError).
//
// Invalid manifests are rejected with ErrManifestInvalid and never stored.
func (r *Registry) Register(ctx context.Context, manifest Manifest, forceReset bool) (*Module, error) {
	if err := validateManifest(manifest); err != nil {
		return nil, err
	}

	r.mu.Lock()
	now := time.Now()
	existing, ok := r.modules[manifest.ModuleID]

	mod := &Module{
		ModuleID:       manifest.ModuleID,
		Name:           manifest.Name,
		Version:        manifest.Version,
		Description:    manifest.Description,
		Author:         manifest.Author,
		Capabilities:   append([]string(nil), manifest.Capabilities...),
		Dependencies:   append([]Dependency(nil), manifest.Dependencies...),
		EntryPoint:     manifest.EntryPoint,
		InstallPath:    manifest.InstallPath,
		Config:         cloneValueMap(manifest.Config),
		ConfigSchema:   cloneValueMap(manifest.ConfigSchema),
		MigrationRules: append([]MigrationRule(nil), manifest.MigrationRules...),
		Status:         StatusRegistered,
		Active:         false,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if ok {
		mod.CreatedAt = existing.CreatedAt
		mod.PreviousVersion = existing.PreviousVersion
		if !forceReset {
			mod.Status = existing.Status
			mod.StatusMessage = existing.StatusMessage
			mod.Active = existing.Active
		}
	}
	r.modules[mod.ModuleID] = mod
	out := mod.Clone()
	r.mu.Unlock()

	r.logger.Info("Module registered", "module", mod.ModuleID, "version", mod.Version, "updated", ok)
	r.emitter.Emit(ctx, EventTypeModuleRegistered, mod.ModuleID)
	return out, nil
}

// Get returns a copy of the module with the given id, or false when unknown.
func (r *Registry) Get(moduleID string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.modules[moduleID]
	if !ok {
		return nil, false
	}
	return mod.Clone(), true
}

// List returns copies of all modules matching the filter, sorted by id for
// deterministic output.
func (r *Registry) List(filter ModuleFilter) []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Module, 0, len(r.modules))
	for _, mod := range r.modules {
		if filter.Status != "" && mod.Status != filter.Status {
			continue
		}
		if filter.ActiveOnly && !mod.Active {
			continue
		}
		if filter.Capability != "" && !containsString(mod.Capabilities, filter.Capability) {
			continue
		}
		out = append(out, mod.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

// SetStatus moves a module through its lifecycle. Legal transitions are
// registered -> initialized -> active, and any state -> error; everything
// else is rejected with ErrStatusTransition. Leaving StatusError requires
// re-registration with forceReset.
func (r *Registry) SetStatus(moduleID string, status ModuleStatus, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mod, ok := r.modules[moduleID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	if !legalTransition(mod.Status, status) {
		return fmt.Errorf("%w: %s -> %s for module %s", ErrStatusTransition, mod.Status, status, moduleID)
	}
	mod.Status = status
	mod.StatusMessage = message
	mod.UpdatedAt = time.Now()
	return nil
}

// SetActive marks a module as part of (or removed from) the active set.
// It does not change lifecycle status; the Runtime drives initialization
// and teardown around this flag.
func (r *Registry) SetActive(moduleID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mod, ok := r.modules[moduleID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	mod.Active = active
	mod.UpdatedAt = time.Now()
	return nil
}

// UpdateConfig replaces a module's config value. Schema validation is the
// caller's concern (see Runtime.UpdateModuleConfig).
func (r *Registry) UpdateConfig(moduleID string, config map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mod, ok := r.modules[moduleID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	mod.Config = cloneValueMap(config)
	mod.UpdatedAt = time.Now()
	return nil
}

// Replace overwrites a module entry wholesale. It is used by the version
// manager for upgrade and rollback, where the archived payload replaces the
// live entry as a unit.
func (r *Registry) Replace(mod *Module) error {
	if mod == nil || mod.ModuleID == "" {
		return fmt.Errorf("%w: empty module", ErrManifestInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[mod.ModuleID]; !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, mod.ModuleID)
	}
	cp := mod.Clone()
	cp.UpdatedAt = time.Now()
	r.modules[mod.ModuleID] = cp
	return nil
}

// Deregister removes a module entirely. Removal is always explicit; nothing
// in the runtime deregisters modules as a side effect.
func (r *Registry) Deregister(moduleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[moduleID]; !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	delete(r.modules, moduleID)
	return nil
}

// Snapshot returns an immutable copy of the registry contents. Dependency
// resolution always runs against a snapshot, never the live map, so results
// stay deterministic while registration continues.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	modules := make(map[string]*Module, len(r.modules))
	for id, mod := range r.modules {
		modules[id] = mod.Clone()
	}
	return &Snapshot{modules: modules}
}

// Snapshot is a point-in-time, read-only view of the registry.
type Snapshot struct {
	modules map[string]*Module
}

// Get returns the snapshotted module with the given id.
func (s *Snapshot) Get(moduleID string) (*Module, bool) {
	mod, ok := s.modules[moduleID]
	return mod, ok
}

// Modules returns the snapshotted modules sorted by id.
func (s *Snapshot) Modules() []*Module {
	out := make([]*Module, 0, len(s.modules))
	for _, mod := range s.modules {
		out = append(out, mod)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

// Len returns the number of modules in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.modules)
}

func validateManifest(manifest Manifest) error {
	if manifest.ModuleID == "" {
		return fmt.Errorf("%w: moduleId is required", ErrManifestInvalid)
	}
	if manifest.Name == "" {
		return fmt.Errorf("%w: name is required", ErrManifestInvalid)
	}
	if manifest.EntryPoint == "" {
		return fmt.Errorf("%w: entryPoint is required", ErrManifestInvalid)
	}
	if _, err := semver.StrictNewVersion(manifest.Version); err != nil {
		return fmt.Errorf("%w: version %q is not a semantic version", ErrManifestInvalid, manifest.Version)
	}
	for _, dep := range manifest.Dependencies {
		if dep.ModuleID == manifest.ModuleID {
			return fmt.Errorf("%w: %s", ErrSelfDependency, manifest.ModuleID)
		}
		if dep.ModuleID == "" {
			return fmt.Errorf("%w: dependency with empty moduleId", ErrManifestInvalid)
		}
		if _, err := semver.NewConstraint(dep.VersionConstraint); err != nil {
			return fmt.Errorf("%w: dependency %s has invalid constraint %q", ErrManifestInvalid, dep.ModuleID, dep.VersionConstraint)
		}
	}
	for _, rule := range manifest.MigrationRules {
		if _, err := semver.StrictNewVersion(rule.MinVersion); err != nil {
			return fmt.Errorf("%w: migration rule %s has invalid minVersion %q", ErrManifestInvalid, rule.ID, rule.MinVersion)
		}
	}
	return nil
}

func legalTransition(from, to ModuleStatus) bool {
	if to == StatusError {
		return true
	}
	switch from {
	case StatusRegistered:
		return to == StatusInitialized || to == StatusRegistered
	case StatusInitialized:
		return to == StatusActive || to == StatusRegistered
	case StatusActive:
		return to == StatusRegistered
	default:
		return false
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
