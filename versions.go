package modkit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// ModuleVersion is an archived, immutable snapshot of a module at a given
// version. Exactly one archived version per module carries IsLatest, and it
// is always the version-maximal one.
type ModuleVersion struct {
	VersionID string    `json:"versionId"`
	ModuleID  string    `json:"moduleId"`
	Version   string    `json:"version"`
	IsLatest  bool      `json:"isLatestVersion"`
	Payload   *Module   `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// VersionChangeClass classifies the semantic distance between two versions.
type VersionChangeClass string

const (
	ChangeClassNone  VersionChangeClass = "none"
	ChangeClassPatch VersionChangeClass = "patch"
	ChangeClassMinor VersionChangeClass = "minor"
	ChangeClassMajor VersionChangeClass = "major"
)

// FieldChange records a before/after pair for one descriptive field.
type FieldChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// VersionComparison is the structural diff between two archived versions of
// the same module: the semver change class, dependency additions and
// removals, configuration key additions and removals, and changes to a fixed
// whitelist of descriptive fields (name, description, author, status).
type VersionComparison struct {
	ModuleID    string             `json:"moduleId"`
	FromVersion string             `json:"fromVersion"`
	ToVersion   string             `json:"toVersion"`
	ChangeClass VersionChangeClass `json:"changeClass"`
	Downgrade   bool               `json:"downgrade,omitempty"`

	AddedDependencies   []Dependency `json:"addedDependencies,omitempty"`
	RemovedDependencies []Dependency `json:"removedDependencies,omitempty"`

	AddedConfigKeys   []string `json:"addedConfigKeys,omitempty"`
	RemovedConfigKeys []string `json:"removedConfigKeys,omitempty"`

	FieldChanges map[string]FieldChange `json:"fieldChanges,omitempty"`
}

// VersionManager stores archived module versions, tracks the latest pointer,
// computes diffs, and performs upgrade and rollback against the registry.
// The archive is append-mostly: the latest-flag recomputation is the only
// in-place mutation, done under the lock as a single swap.
type VersionManager struct {
	mu       sync.RWMutex
	byModule map[string][]*ModuleVersion
	registry *Registry
	logger   Logger
}

// NewVersionManager creates a version manager bound to the registry it
// mutates on upgrade and rollback.
func NewVersionManager(registry *Registry, logger Logger) *VersionManager {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &VersionManager{
		byModule: make(map[string][]*ModuleVersion),
		registry: registry,
		logger:   logger,
	}
}

// CreateVersion archives a snapshot of payload under the given version.
// Non-semantic version strings and duplicate versions for the same module
// are rejected with no mutation. On success the latest flag is recomputed
// across all stored versions of the module.
func (vm *VersionManager) CreateVersion(moduleID, version string, payload *Module) (*ModuleVersion, error) {
	if _, err := semver.StrictNewVersion(version); err != nil {
		return nil, fmt.Errorf("%w: %q is not a semantic version", ErrManifestInvalid, version)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: version payload is nil", ErrManifestInvalid)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	for _, mv := range vm.byModule[moduleID] {
		if mv.Version == version {
			return nil, fmt.Errorf("%w: %s@%s", ErrVersionExists, moduleID, version)
		}
	}

	snapshot := payload.Clone()
	snapshot.ModuleID = moduleID
	snapshot.Version = version

	mv := &ModuleVersion{
		VersionID: uuid.NewString(),
		ModuleID:  moduleID,
		Version:   version,
		Payload:   snapshot,
		CreatedAt: time.Now(),
	}
	vm.byModule[moduleID] = append(vm.byModule[moduleID], mv)
	vm.recomputeLatestLocked(moduleID)

	vm.logger.Info("Version archived", "module", moduleID, "version", version, "latest", mv.IsLatest)
	return vm.cloneVersion(mv), nil
}

// Versions returns all archived versions of a module, sorted descending by
// semantic version.
func (vm *VersionManager) Versions(moduleID string) []*ModuleVersion {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	out := make([]*ModuleVersion, 0, len(vm.byModule[moduleID]))
	for _, mv := range vm.byModule[moduleID] {
		out = append(out, vm.cloneVersion(mv))
	}
	sort.Slice(out, func(i, j int) bool {
		vi, ei := semver.NewVersion(out[i].Version)
		vj, ej := semver.NewVersion(out[j].Version)
		if ei != nil || ej != nil {
			return out[i].Version > out[j].Version
		}
		return vi.GreaterThan(vj)
	})
	return out
}

// GetVersion returns the archived snapshot of moduleID at version.
func (vm *VersionManager) GetVersion(moduleID, version string) (*ModuleVersion, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	for _, mv := range vm.byModule[moduleID] {
		if mv.Version == version {
			return vm.cloneVersion(mv), nil
		}
	}
	return nil, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, moduleID, version)
}

// DeleteVersion removes an archived version. The latest version cannot be
// deleted while siblings exist, preserving the exactly-one-latest invariant
// without silently re-pointing it.
func (vm *VersionManager) DeleteVersion(moduleID, version string) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	versions := vm.byModule[moduleID]
	for i, mv := range versions {
		if mv.Version != version {
			continue
		}
		if mv.IsLatest && len(versions) > 1 {
			return fmt.Errorf("%w: %s@%s", ErrDeleteLatestVersion, moduleID, version)
		}
		vm.byModule[moduleID] = append(versions[:i], versions[i+1:]...)
		if len(vm.byModule[moduleID]) == 0 {
			delete(vm.byModule, moduleID)
		}
		return nil
	}
	return fmt.Errorf("%w: %s@%s", ErrVersionNotFound, moduleID, version)
}

// CompareVersions diffs two archived versions of a module.
func (vm *VersionManager) CompareVersions(moduleID, fromVersion, toVersion string) (*VersionComparison, error) {
	from, err := vm.GetVersion(moduleID, fromVersion)
	if err != nil {
		return nil, err
	}
	to, err := vm.GetVersion(moduleID, toVersion)
	if err != nil {
		return nil, err
	}

	cmp := &VersionComparison{
		ModuleID:     moduleID,
		FromVersion:  fromVersion,
		ToVersion:    toVersion,
		FieldChanges: make(map[string]FieldChange),
	}

	vFrom, errFrom := semver.NewVersion(fromVersion)
	vTo, errTo := semver.NewVersion(toVersion)
	if errFrom == nil && errTo == nil {
		cmp.Downgrade = vTo.LessThan(vFrom)
		switch {
		case vFrom.Major() != vTo.Major():
			cmp.ChangeClass = ChangeClassMajor
		case vFrom.Minor() != vTo.Minor():
			cmp.ChangeClass = ChangeClassMinor
		case vFrom.Patch() != vTo.Patch():
			cmp.ChangeClass = ChangeClassPatch
		default:
			cmp.ChangeClass = ChangeClassNone
		}
	}

	cmp.AddedDependencies, cmp.RemovedDependencies = diffDependencies(from.Payload.Dependencies, to.Payload.Dependencies)
	cmp.AddedConfigKeys, cmp.RemovedConfigKeys = diffConfigKeys(from.Payload.Config, to.Payload.Config)

	// Fixed whitelist of descriptive fields.
	for field, pair := range map[string][2]string{
		"name":        {from.Payload.Name, to.Payload.Name},
		"description": {from.Payload.Description, to.Payload.Description},
		"author":      {from.Payload.Author, to.Payload.Author},
		"status":      {string(from.Payload.Status), string(to.Payload.Status)},
	} {
		if pair[0] != pair[1] {
			cmp.FieldChanges[field] = FieldChange{From: pair[0], To: pair[1]}
		}
	}
	return cmp, nil
}

// UpgradeModule copies the archived snapshot of targetVersion over the live
// registry entry, recording the previous live version so exactly one
// rollback step is possible. Migration rules matching the version window are
// applied to the new live config.
func (vm *VersionManager) UpgradeModule(moduleID, targetVersion string) error {
	target, err := vm.GetVersion(moduleID, targetVersion)
	if err != nil {
		return err
	}
	live, ok := vm.registry.Get(moduleID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}

	next := target.Payload.Clone()
	next.PreviousVersion = live.Version
	next.Status = live.Status
	next.StatusMessage = live.StatusMessage
	next.Active = live.Active
	next.CreatedAt = live.CreatedAt
	if next.InstallPath == "" {
		next.InstallPath = live.InstallPath
	}

	applied := ApplyVersionMigration(next, live.Version, targetVersion)
	if err := vm.registry.Replace(next); err != nil {
		return err
	}

	vm.logger.Info("Module upgraded",
		"module", moduleID, "from", live.Version, "to", targetVersion, "migrations", len(applied))
	return nil
}

// RollbackModule reverses exactly one upgrade step using the recorded
// previous version. Rolling back with no recorded history fails; a second
// rollback requires another upgrade in between.
func (vm *VersionManager) RollbackModule(moduleID string) error {
	live, ok := vm.registry.Get(moduleID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	if live.PreviousVersion == "" {
		return fmt.Errorf("%w: %s", ErrNoRollbackHistory, moduleID)
	}

	prev, err := vm.GetVersion(moduleID, live.PreviousVersion)
	if err != nil {
		return err
	}

	restored := prev.Payload.Clone()
	restored.PreviousVersion = "" // history is one step deep
	restored.Status = live.Status
	restored.StatusMessage = live.StatusMessage
	restored.Active = live.Active
	restored.CreatedAt = live.CreatedAt
	if restored.InstallPath == "" {
		restored.InstallPath = live.InstallPath
	}

	if err := vm.registry.Replace(restored); err != nil {
		return err
	}
	vm.logger.Info("Module rolled back", "module", moduleID, "from", live.Version, "to", prev.Version)
	return nil
}

// ApplyVersionMigration applies every migration rule of mod whose MinVersion
// lies strictly above fromVersion and at or below toVersion, plus any rule
// flagged ForceApply. It returns the rules applied, in declaration order.
func ApplyVersionMigration(mod *Module, fromVersion, toVersion string) []MigrationRule {
	vFrom, errFrom := semver.NewVersion(fromVersion)
	vTo, errTo := semver.NewVersion(toVersion)

	var applied []MigrationRule
	for _, rule := range mod.MigrationRules {
		if rule.ForceApply {
			applied = append(applied, rule)
			continue
		}
		if errFrom != nil || errTo != nil {
			continue
		}
		min, err := semver.NewVersion(rule.MinVersion)
		if err != nil {
			continue
		}
		if min.GreaterThan(vFrom) && !min.GreaterThan(vTo) {
			applied = append(applied, rule)
		}
	}
	return applied
}

// recomputeLatestLocked re-points the exclusive latest flag at the
// version-maximal snapshot. Versions are unique per module, so there is
// never a tie. Caller holds vm.mu.
func (vm *VersionManager) recomputeLatestLocked(moduleID string) {
	versions := vm.byModule[moduleID]
	if len(versions) == 0 {
		return
	}
	maxIdx := 0
	maxVer, _ := semver.NewVersion(versions[0].Version)
	for i, mv := range versions[1:] {
		v, err := semver.NewVersion(mv.Version)
		if err != nil {
			continue
		}
		if maxVer == nil || v.GreaterThan(maxVer) {
			maxIdx = i + 1
			maxVer = v
		}
	}
	for i, mv := range versions {
		mv.IsLatest = i == maxIdx
	}
}

func (vm *VersionManager) cloneVersion(mv *ModuleVersion) *ModuleVersion {
	cp := *mv
	cp.Payload = mv.Payload.Clone()
	return &cp
}

func diffDependencies(from, to []Dependency) (added, removed []Dependency) {
	fromSet := make(map[string]Dependency, len(from))
	for _, d := range from {
		fromSet[d.ModuleID+"@"+d.VersionConstraint] = d
	}
	toSet := make(map[string]Dependency, len(to))
	for _, d := range to {
		toSet[d.ModuleID+"@"+d.VersionConstraint] = d
	}
	for key, d := range toSet {
		if _, ok := fromSet[key]; !ok {
			added = append(added, d)
		}
	}
	for key, d := range fromSet {
		if _, ok := toSet[key]; !ok {
			removed = append(removed, d)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i].ModuleID < added[j].ModuleID })
	sort.Slice(removed, func(i, j int) bool { return removed[i].ModuleID < removed[j].ModuleID })
	return added, removed
}

func diffConfigKeys(from, to map[string]any) (added, removed []string) {
	for key := range to {
		if _, ok := from[key]; !ok {
			added = append(added, key)
		}
	}
	for key := range from {
		if _, ok := to[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
