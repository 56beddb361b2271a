package modkit

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Maintenance runs the runtime's periodic housekeeping on a cron schedule:
// destroying sandboxes flagged unusable and re-resolving the active module
// set so modules broken by registry changes are surfaced promptly instead of
// at their next initialization.
type Maintenance struct {
	runtime  *Runtime
	schedule string
	cron     *cron.Cron
	entryID  cron.EntryID
	logger   Logger
}

// NewMaintenance creates a sweeper for the runtime using the cron schedule
// from its config (for example "@every 1m").
func NewMaintenance(runtime *Runtime, schedule string, logger Logger) *Maintenance {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &Maintenance{
		runtime:  runtime,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start schedules the sweep and starts the cron runner.
func (m *Maintenance) Start() error {
	id, err := m.cron.AddFunc(m.schedule, m.Sweep)
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", m.schedule, err)
	}
	m.entryID = id
	m.cron.Start()
	m.logger.Info("Maintenance sweeper started", "schedule", m.schedule)
	return nil
}

// Stop halts the cron runner, waiting for a running sweep to finish.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.logger.Info("Maintenance sweeper stopped")
}

// Sweep performs one housekeeping pass. It is also callable directly, which
// the tests use instead of waiting on the schedule.
func (m *Maintenance) Sweep() {
	destroyed := m.runtime.destroyErroredSandboxes()
	flagged := m.runtime.reverifyActiveModules()
	if destroyed > 0 || flagged > 0 {
		m.logger.Info("Maintenance sweep", "sandboxesDestroyed", destroyed, "modulesFlagged", flagged)
	}
}

// destroyErroredSandboxes tears down contexts that timed out or faulted;
// they are never reused.
func (rt *Runtime) destroyErroredSandboxes() int {
	ids := rt.sandboxes.ErroredSandboxes()
	for _, id := range ids {
		_ = rt.sandboxes.Destroy(id)
	}
	return len(ids)
}

// reverifyActiveModules re-resolves every active module against a fresh
// snapshot and marks newly unsatisfiable ones as errored.
func (rt *Runtime) reverifyActiveModules() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	snap := rt.registry.Snapshot()
	flagged := 0
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
		rt.logger.Warn("Active module no longer resolvable", "module", mod.ModuleID, "error", err)
		flagged++
	}
	return flagged
}
