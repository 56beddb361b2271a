package modkit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// InitReport summarizes one initialization batch.
type InitReport struct {
	// Order is the computed topological initialization order.
	Order []string `json:"order"`

	// Initialized lists modules that reached StatusActive.
	Initialized []string `json:"initialized"`

	// Failed maps modules that errored during their own initialization to
	// the failure message.
	Failed map[string]string `json:"failed,omitempty"`

	// Blocked maps modules that were skipped because a module they depend
	// on (directly or transitively) failed, to the blocking module id.
	Blocked map[string]string `json:"blocked,omitempty"`
}

// Initializer computes a safe initialization order for the active module set
// and drives per-module initialization through the sandbox engine.
type Initializer struct {
	registry *Registry
	resolver *Resolver
	engine   *SandboxEngine
	emitter  *SignalEmitter
	logger   Logger
}

// NewInitializer wires an initializer over the registry, resolver, and
// sandbox engine.
func NewInitializer(registry *Registry, resolver *Resolver, engine *SandboxEngine, emitter *SignalEmitter, logger Logger) *Initializer {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &Initializer{
		registry: registry,
		resolver: resolver,
		engine:   engine,
		emitter:  emitter,
		logger:   logger,
	}
}

// ComputeOrder topologically sorts the active modules of the snapshot over
// their non-optional dependency edges, using a three-color marking scheme.
// Re-entering an in-progress module is a cycle and fails the whole
// computation: a partially ordered batch is unsafe to run.
//
// Optional edges and edges to inactive or unregistered modules do not
// constrain the order; those surface through resolution instead.
func (in *Initializer) ComputeOrder(snap *Snapshot) ([]string, error) {
	active := make(map[string]*Module)
	ids := make([]string, 0)
	for _, mod := range snap.Modules() {
		if mod.Active {
			active[mod.ModuleID] = mod
			ids = append(ids, mod.ModuleID)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]uint8, len(ids))
	order := make([]string, 0, len(ids))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch colors[id] {
		case black:
			return nil
		case gray:
			// Trim the path down to the cycle itself.
			for i, n := range path {
				if n == id {
					return fmt.Errorf("%w: %s", ErrCircularDependency, strings.Join(append(path[i:], id), " -> "))
				}
			}
			return fmt.Errorf("%w: %s", ErrCircularDependency, id)
		}
		colors[id] = gray
		for _, dep := range active[id].Dependencies {
			if dep.Optional {
				continue
			}
			if _, ok := active[dep.ModuleID]; !ok {
				continue
			}
			if err := visit(dep.ModuleID, append(path, id)); err != nil {
				return err
			}
		}
		colors[id] = black
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if colors[id] == white {
			if err := visit(id, nil); err != nil {
				return nil, err
			}
		}
	}
	in.logger.Debug("Computed initialization order", "order", order)
	return order, nil
}

// InitializeAll initializes every active module in topological order.
//
// A dependency cycle is the one batch-fatal condition: every module on a
// cycle is marked errored and nothing in the batch is initialized. All other
// failures are isolated: a failing module is marked errored, modules
// depending on it (directly or transitively) are skipped and marked errored
// with a blocked-by-dependency reason, and independent branches continue.
func (in *Initializer) InitializeAll(ctx context.Context) (*InitReport, error) {
	snap := in.registry.Snapshot()

	report := &InitReport{
		Failed:  make(map[string]string),
		Blocked: make(map[string]string),
	}

	if cycles := in.activeCycles(snap); len(cycles) > 0 {
		for _, cycle := range cycles {
			msg := fmt.Sprintf("circular dependency: %s", strings.Join(cycle, " -> "))
			for _, id := range cycle {
				_ = in.registry.SetStatus(id, StatusError, msg)
				report.Failed[id] = msg
			}
		}
		return report, fmt.Errorf("%w: %d cycle(s) among active modules", ErrCircularDependency, len(cycles))
	}

	order, err := in.ComputeOrder(snap)
	if err != nil {
		return report, err
	}
	report.Order = order

	failed := make(map[string]string) // module id -> root cause module id
	for _, id := range order {
		mod, _ := snap.Get(id)
		if mod.Status == StatusActive {
			report.Initialized = append(report.Initialized, id)
			continue
		}

		if blocker := in.blockedBy(mod, failed); blocker != "" {
			msg := fmt.Sprintf("blocked by dependency %s", blocker)
			_ = in.registry.SetStatus(id, StatusError, msg)
			report.Blocked[id] = blocker
			failed[id] = blocker
			in.logger.Warn("Module skipped", "module", id, "blockedBy", blocker)
			continue
		}

		if err := in.initializeModule(ctx, mod, snap); err != nil {
			_ = in.registry.SetStatus(id, StatusError, err.Error())
			report.Failed[id] = err.Error()
			failed[id] = id
			in.logger.Error("Module initialization failed", "module", id, "error", err)
			continue
		}

		report.Initialized = append(report.Initialized, id)
	}
	return report, nil
}

// initializeModule runs one module's initialization: entry point check,
// clean resolution, sandbox creation, and entry execution. Any failure
// leaves no sandbox behind.
func (in *Initializer) initializeModule(ctx context.Context, mod *Module, snap *Snapshot) error {
	entryPath := filepath.Join(mod.InstallPath, mod.EntryPoint)
	code, err := os.ReadFile(entryPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrEntryPointNotFound, entryPath)
	}

	res := in.resolver.Resolve(mod, snap)
	if !res.OK() {
		return resolutionError(res)
	}

	sandboxID, err := in.engine.CreateSandbox(mod.ModuleID, mod.InstallPath, SandboxLimits{
		Capabilities: mod.Capabilities,
	})
	if err != nil {
		return fmt.Errorf("sandbox creation failed: %w", err)
	}

	if err := in.registry.SetStatus(mod.ModuleID, StatusInitialized, ""); err != nil {
		_ = in.engine.Destroy(sandboxID)
		return err
	}
	in.emitter.Emit(ctx, EventTypeModuleInitialized, mod.ModuleID)

	if _, err := in.engine.Execute(ctx, sandboxID, string(code), ExecuteOptions{Input: mod.Config}); err != nil {
		_ = in.engine.Destroy(sandboxID)
		return err
	}

	if err := in.registry.SetStatus(mod.ModuleID, StatusActive, ""); err != nil {
		_ = in.engine.Destroy(sandboxID)
		return err
	}
	in.logger.Info("Module active", "module", mod.ModuleID, "sandbox", sandboxID)
	return nil
}

// activeCycles restricts cycle detection to the currently active modules.
func (in *Initializer) activeCycles(snap *Snapshot) [][]string {
	active := make(map[string]*Module)
	for _, mod := range snap.Modules() {
		if mod.Active {
			active[mod.ModuleID] = mod
		}
	}
	return in.resolver.DetectCycles(&Snapshot{modules: active})
}

// blockedBy returns the id of a failed module this module requires, walking
// only non-optional edges. Transitive blocking falls out naturally: a
// blocked module is itself recorded as failed.
func (in *Initializer) blockedBy(mod *Module, failed map[string]string) string {
	for _, dep := range mod.Dependencies {
		if dep.Optional {
			continue
		}
		if root, ok := failed[dep.ModuleID]; ok {
			return root
		}
	}
	return ""
}

func resolutionError(res *DependencyResolution) error {
	var parts []string
	for _, rec := range res.Missing {
		parts = append(parts, fmt.Sprintf("missing %s@%s", rec.ModuleID, rec.RequiredConstraint))
	}
	for _, rec := range res.Incompatible {
		parts = append(parts, fmt.Sprintf("incompatible %s@%s (found %s)", rec.ModuleID, rec.RequiredConstraint, rec.FoundVersion))
	}
	if len(res.Missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(parts, ", "))
	}
	return fmt.Errorf("%w: %s", ErrIncompatibleDependency, strings.Join(parts, ", "))
}
