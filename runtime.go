package modkit

import (
	"context"
	"fmt"
	"sync"
)

// Runtime is the control surface the surrounding administrative layer drives.
// It wires the registry, resolver, version manager, initializer, sandbox
// engine, and channel hub together, and serializes all mutations behind one
// mutex so the registry keeps its single-writer guarantee regardless of how
// many admin goroutines call in.
//
// The operations here are transport-agnostic: binding them to HTTP, RPC, or
// a CLI is the caller's concern.
type Runtime struct {
	mu sync.Mutex

	cfg         *RuntimeConfig
	logger      Logger
	emitter     *SignalEmitter
	registry    *Registry
	resolver    *Resolver
	versions    *VersionManager
	initializer *Initializer
	sandboxes   *SandboxEngine
	channels    *ChannelHub
	discoverer  *Discoverer
	maintenance *Maintenance
}

// NewRuntime assembles a runtime from the given config. A nil config uses
// defaults and the environment; a nil logger uses slog.
func NewRuntime(cfg *RuntimeConfig, logger Logger) (*Runtime, error) {
	if cfg == nil {
		var err error
		cfg, err = NewRuntimeConfig()
		if err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = NewSlogLogger(nil)
	}

	emitter := NewSignalEmitter(logger)
	registry := NewRegistry(logger, emitter)
	resolver := NewResolver(logger)
	channels := NewChannelHub(cfg.ChannelCapacity, logger)
	sandboxes := NewSandboxEngine(channels, cfg.SandboxTimeout, cfg.MaxScriptSize, logger, emitter)

	rt := &Runtime{
		cfg:         cfg,
		logger:      logger,
		emitter:     emitter,
		registry:    registry,
		resolver:    resolver,
		versions:    NewVersionManager(registry, logger),
		initializer: NewInitializer(registry, resolver, sandboxes, emitter, logger),
		sandboxes:   sandboxes,
		channels:    channels,
		discoverer:  NewDiscoverer(registry, logger),
	}
	rt.maintenance = NewMaintenance(rt, cfg.SweepSchedule, logger)
	return rt, nil
}

// RegisterObserver subscribes an observer to runtime signals.
func (rt *Runtime) RegisterObserver(observer Observer, eventTypes ...string) error {
	return rt.emitter.RegisterObserver(observer, eventTypes...)
}

// RegisterManifest registers a single manifest directly, bypassing
// filesystem discovery. forceReset returns an errored module to
// StatusRegistered.
func (rt *Runtime) RegisterManifest(ctx context.Context, manifest Manifest, forceReset bool) (*Module, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.registry.Register(ctx, manifest, forceReset)
}

// ListModules lists registered modules matching the filter.
func (rt *Runtime) ListModules(filter ModuleFilter) []*Module {
	return rt.registry.List(filter)
}

// GetModule returns the module with the given id.
func (rt *Runtime) GetModule(moduleID string) (*Module, error) {
	mod, ok := rt.registry.Get(moduleID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	return mod, nil
}

// UpdateModuleConfig replaces a module's configuration after validating it
// against the module's configSchema, when one is declared. Schema violations
// reject the update with no mutation.
func (rt *Runtime) UpdateModuleConfig(moduleID string, config map[string]any) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	mod, ok := rt.registry.Get(moduleID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	if err := ValidateModuleConfig(mod.ConfigSchema, config); err != nil {
		return err
	}
	return rt.registry.UpdateConfig(moduleID, config)
}

// SetModuleActive assigns a module to or removes it from the active set.
// Activation triggers an initialization batch unless the module is already
// active; deactivation tears the module down: its sandbox is destroyed
// (never reused) and its status returns to registered.
func (rt *Runtime) SetModuleActive(ctx context.Context, moduleID string, active bool) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	mod, ok := rt.registry.Get(moduleID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}

	if !active {
		if err := rt.registry.SetActive(moduleID, false); err != nil {
			return err
		}
		if id, ok := rt.sandboxes.SandboxForModule(moduleID); ok {
			_ = rt.sandboxes.Destroy(id)
		}
		if mod.Status == StatusActive || mod.Status == StatusInitialized {
			_ = rt.registry.SetStatus(moduleID, StatusRegistered, "deactivated")
		}
		rt.emitter.Emit(ctx, EventTypeModuleAssigned, moduleID)
		return nil
	}

	if err := rt.registry.SetActive(moduleID, true); err != nil {
		return err
	}
	rt.emitter.Emit(ctx, EventTypeModuleAssigned, moduleID)
	if mod.Status == StatusActive {
		return nil
	}

	report, err := rt.initializer.InitializeAll(ctx)
	if err != nil {
		return err
	}
	if msg, failed := report.Failed[moduleID]; failed {
		return fmt.Errorf("module %s failed to initialize: %s", moduleID, msg)
	}
	if blocker, blocked := report.Blocked[moduleID]; blocked {
		return fmt.Errorf("%w: module %s blocked by %s", ErrBlockedByDependency, moduleID, blocker)
	}
	return nil
}

// DiscoverModules scans the given paths (or the configured module paths when
// none are given) and registers everything found, returning the discovered
// set, the registered modules, and per-root errors.
func (rt *Runtime) DiscoverModules(ctx context.Context, paths ...string) (*DiscoveryResult, error) {
	if len(paths) == 0 {
		paths = rt.cfg.ModulePaths
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.discoverer.Discover(ctx, paths...)
}

// WatchModules blocks, re-running discovery whenever a manifest changes
// under the given paths.
func (rt *Runtime) WatchModules(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		paths = rt.cfg.ModulePaths
	}
	return rt.discoverer.Watch(ctx, paths...)
}

// InitializeAll initializes every active module in topological order.
func (rt *Runtime) InitializeAll(ctx context.Context) (*InitReport, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.initializer.InitializeAll(ctx)
}

// ResolveDependencies classifies one module's dependencies against the
// current registry snapshot.
func (rt *Runtime) ResolveDependencies(moduleID string) (*DependencyResolution, error) {
	snap := rt.registry.Snapshot()
	mod, ok := snap.Get(moduleID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	return rt.resolver.Resolve(mod, snap), nil
}

// DependencyTree expands one module's full dependency tree.
func (rt *Runtime) DependencyTree(moduleID string) (*DependencyNode, error) {
	snap := rt.registry.Snapshot()
	mod, ok := snap.Get(moduleID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	return rt.resolver.DependencyTree(mod, snap), nil
}

// DetectCycles reports every non-optional dependency cycle among registered
// modules.
func (rt *Runtime) DetectCycles() [][]string {
	return rt.resolver.DetectCycles(rt.registry.Snapshot())
}

// SuggestCompatibleVersions suggests archived versions for a module's unmet
// dependencies. Suggestions are never auto-applied.
func (rt *Runtime) SuggestCompatibleVersions(moduleID string) ([]VersionSuggestion, error) {
	snap := rt.registry.Snapshot()
	mod, ok := snap.Get(moduleID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	return rt.resolver.SuggestCompatibleVersions(mod, snap, rt.versions), nil
}

// CreateVersion archives an explicit payload under the given version.
func (rt *Runtime) CreateVersion(moduleID, version string, payload *Module) (*ModuleVersion, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.versions.CreateVersion(moduleID, version, payload)
}

// ArchiveCurrentVersion snapshots the live registry entry into the version
// archive under its current version string.
func (rt *Runtime) ArchiveCurrentVersion(moduleID string) (*ModuleVersion, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	mod, ok := rt.registry.Get(moduleID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	return rt.versions.CreateVersion(moduleID, mod.Version, mod)
}

// ListVersions lists archived versions of a module, newest first.
func (rt *Runtime) ListVersions(moduleID string) []*ModuleVersion {
	return rt.versions.Versions(moduleID)
}

// CompareVersions diffs two archived versions of a module.
func (rt *Runtime) CompareVersions(moduleID, fromVersion, toVersion string) (*VersionComparison, error) {
	return rt.versions.CompareVersions(moduleID, fromVersion, toVersion)
}

// UpgradeModule replaces the live module with an archived snapshot,
// recording the previous version for rollback. The module's sandbox is torn
// down and, if the module is active, rebuilt from the new version's entry
// code; the module set is re-resolved so incompatibilities introduced by the
// upgrade surface immediately.
func (rt *Runtime) UpgradeModule(ctx context.Context, moduleID, targetVersion string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := rt.versions.UpgradeModule(moduleID, targetVersion); err != nil {
		return err
	}
	return rt.reloadLocked(ctx, moduleID)
}

// RollbackModule reverses exactly one upgrade step, recycling the module's
// sandbox the same way UpgradeModule does.
func (rt *Runtime) RollbackModule(ctx context.Context, moduleID string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := rt.versions.RollbackModule(moduleID); err != nil {
		return err
	}
	return rt.reloadLocked(ctx, moduleID)
}

// reloadLocked brings a module's execution context in line with its changed
// registry entry. The old sandbox still runs the previous version's entry
// code, so it is destroyed unconditionally; when the module is active an
// initialization batch then rebuilds it from the new install path. Caller
// holds rt.mu.
func (rt *Runtime) reloadLocked(ctx context.Context, moduleID string) error {
	if id, ok := rt.sandboxes.SandboxForModule(moduleID); ok {
		_ = rt.sandboxes.Destroy(id)
	}
	mod, ok := rt.registry.Get(moduleID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	if mod.Status == StatusActive || mod.Status == StatusInitialized {
		_ = rt.registry.SetStatus(moduleID, StatusRegistered, "version changed")
	}
	rt.reresolveLocked()
	if !mod.Active {
		return nil
	}

	report, err := rt.initializer.InitializeAll(ctx)
	if err != nil {
		return err
	}
	if msg, failed := report.Failed[moduleID]; failed {
		return fmt.Errorf("module %s failed to initialize after version change: %s", moduleID, msg)
	}
	if blocker, blocked := report.Blocked[moduleID]; blocked {
		return fmt.Errorf("%w: module %s blocked by %s", ErrBlockedByDependency, moduleID, blocker)
	}
	return nil
}

// CreateChannel establishes an inter-sandbox channel between two modules'
// sandboxes.
func (rt *Runtime) CreateChannel(sourceModuleID, targetModuleID string) (string, error) {
	source, ok := rt.sandboxes.SandboxForModule(sourceModuleID)
	if !ok {
		return "", fmt.Errorf("%w: module %s has no sandbox", ErrSandboxNotFound, sourceModuleID)
	}
	target, ok := rt.sandboxes.SandboxForModule(targetModuleID)
	if !ok {
		return "", fmt.Errorf("%w: module %s has no sandbox", ErrSandboxNotFound, targetModuleID)
	}
	return rt.channels.CreateChannel(source, target)
}

// ExecuteInModule runs code inside an active module's sandbox.
func (rt *Runtime) ExecuteInModule(ctx context.Context, moduleID, code string, opts ExecuteOptions) (*ExecutionResult, error) {
	sandboxID, ok := rt.sandboxes.SandboxForModule(moduleID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotActive, moduleID)
	}
	return rt.sandboxes.Execute(ctx, sandboxID, code, opts)
}

// SandboxEngine exposes the engine for direct sandbox administration.
func (rt *Runtime) SandboxEngine() *SandboxEngine {
	return rt.sandboxes
}

// Channels exposes the channel hub.
func (rt *Runtime) Channels() *ChannelHub {
	return rt.channels
}

// StartMaintenance begins the periodic housekeeping sweep.
func (rt *Runtime) StartMaintenance() error {
	return rt.maintenance.Start()
}

// Shutdown stops maintenance and destroys every sandbox. Modules keep their
// registry entries; a subsequent activation recreates fresh sandboxes.
func (rt *Runtime) Shutdown() {
	rt.maintenance.Stop()
	rt.sandboxes.DestroyAll()
	rt.logger.Info("Runtime shut down")
}

// reresolveLocked re-checks every active module after a registry mutation
// and flags ones whose dependency set no longer holds. Caller holds rt.mu.
func (rt *Runtime) reresolveLocked() {
	snap := rt.registry.Snapshot()
	for _, mod := range snap.Modules() {
		if !mod.Active || mod.Status != StatusActive {
			continue
		}
		res := rt.resolver.Resolve(mod, snap)
		if res.OK() {
			continue
		}
		err := resolutionError(res)
		_ = rt.registry.SetStatus(mod.ModuleID, StatusError, err.Error())
		if id, ok := rt.sandboxes.SandboxForModule(mod.ModuleID); ok {
			_ = rt.sandboxes.Destroy(id)
		}
		rt.logger.Warn("Module broken by version change", "module", mod.ModuleID, "error", err)
	}
}
