// Package modkit provides a runtime for independently authored extension
// modules. It resolves version-constrained dependencies between modules,
// orders initialization topologically, and executes module code inside
// capability-restricted sandboxes.
//
// The package is a library: the surrounding administrative layer (membership
// workflows, authentication, persistence, HTTP transport) is expected to live
// elsewhere and drive the runtime through the Runtime control surface. The
// runtime consumes module manifests, exposes resolution and execution
// results, and emits CloudEvents signals for the observability layer.
//
// Basic usage:
//
//	cfg, _ := modkit.NewRuntimeConfig()
//	rt := modkit.NewRuntime(cfg, logger)
//	rt.DiscoverModules(ctx, "/var/lib/modkit/modules")
//	if err := rt.InitializeAll(ctx); err != nil {
//		log.Fatal(err)
//	}
package modkit

import (
	"time"
)

// ModuleStatus describes where a module is in its lifecycle.
// Valid transitions are registered -> initialized -> active, or any
// state -> error. An errored module stays errored until it is explicitly
// re-registered.
type ModuleStatus string

const (
	// StatusRegistered means the module is known to the registry but has
	// not been initialized yet.
	StatusRegistered ModuleStatus = "registered"

	// StatusInitialized means the module's sandbox has been created and its
	// entry point loaded, but it has not been marked active yet.
	StatusInitialized ModuleStatus = "initialized"

	// StatusActive means the module initialized successfully and is part of
	// the running module set.
	StatusActive ModuleStatus = "active"

	// StatusError is terminal until the module is re-registered.
	StatusError ModuleStatus = "error"
)

// Dependency declares that a module requires (or optionally uses) another
// module, identified by its stable id, at a version satisfying a semantic
// version range such as "^1.2.0" or ">=2.0.0 <3.0.0".
type Dependency struct {
	ModuleID          string `json:"moduleId" yaml:"moduleId" toml:"moduleId"`
	VersionConstraint string `json:"version" yaml:"version" toml:"version"`
	Optional          bool   `json:"optional,omitempty" yaml:"optional,omitempty" toml:"optional,omitempty"`
}

// MigrationRule describes a configuration or data migration that applies
// when a module is upgraded across the rule's minimum version.
type MigrationRule struct {
	ID          string `json:"id" yaml:"id" toml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	MinVersion  string `json:"minVersion" yaml:"minVersion" toml:"minVersion"`
	ForceApply  bool   `json:"forceApply,omitempty" yaml:"forceApply,omitempty" toml:"forceApply,omitempty"`
}

// Manifest is the on-disk declaration of a module, one per module root.
// Discovery attaches InstallPath (the absolute directory containing the
// manifest) before registration; authors never set it themselves.
type Manifest struct {
	ModuleID       string          `json:"moduleId" yaml:"moduleId" toml:"moduleId"`
	Name           string          `json:"name" yaml:"name" toml:"name"`
	Version        string          `json:"version" yaml:"version" toml:"version"`
	Description    string          `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Author         string          `json:"author,omitempty" yaml:"author,omitempty" toml:"author,omitempty"`
	Capabilities   []string        `json:"capabilities,omitempty" yaml:"capabilities,omitempty" toml:"capabilities,omitempty"`
	Dependencies   []Dependency    `json:"dependencies,omitempty" yaml:"dependencies,omitempty" toml:"dependencies,omitempty"`
	EntryPoint     string          `json:"entryPoint" yaml:"entryPoint" toml:"entryPoint"`
	Config         map[string]any  `json:"config,omitempty" yaml:"config,omitempty" toml:"config,omitempty"`
	ConfigSchema   map[string]any  `json:"configSchema,omitempty" yaml:"configSchema,omitempty" toml:"configSchema,omitempty"`
	MigrationRules []MigrationRule `json:"migrationRules,omitempty" yaml:"migrationRules,omitempty" toml:"migrationRules,omitempty"`

	// InstallPath is the absolute root the manifest was discovered under.
	// Relative module loads inside the sandbox resolve only below this root.
	InstallPath string `json:"-" yaml:"-" toml:"-"`
}

// Module is the registry's live record of a registered module. The id is
// stable across versions; everything else may change on upgrade or rollback.
type Module struct {
	ModuleID       string          `json:"moduleId"`
	Name           string          `json:"name"`
	Version        string          `json:"version"`
	Description    string          `json:"description,omitempty"`
	Author         string          `json:"author,omitempty"`
	Capabilities   []string        `json:"capabilities,omitempty"`
	Dependencies   []Dependency    `json:"dependencies,omitempty"`
	EntryPoint     string          `json:"entryPoint"`
	InstallPath    string          `json:"installPath,omitempty"`
	Config         map[string]any  `json:"config,omitempty"`
	ConfigSchema   map[string]any  `json:"configSchema,omitempty"`
	MigrationRules []MigrationRule `json:"migrationRules,omitempty"`

	Status        ModuleStatus `json:"status"`
	StatusMessage string       `json:"statusMessage,omitempty"`
	Active        bool         `json:"active"`

	// PreviousVersion is recorded by an upgrade and consumed by exactly one
	// rollback step. Empty means no rollback history.
	PreviousVersion string `json:"previousVersion,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the module. Registry reads hand out clones so
// callers can never mutate registry state through a returned pointer.
func (m *Module) Clone() *Module {
	if m == nil {
		return nil
	}
	out := *m
	out.Capabilities = append([]string(nil), m.Capabilities...)
	out.Dependencies = append([]Dependency(nil), m.Dependencies...)
	out.MigrationRules = append([]MigrationRule(nil), m.MigrationRules...)
	out.Config = cloneValueMap(m.Config)
	out.ConfigSchema = cloneValueMap(m.ConfigSchema)
	return &out
}

// DependsOn reports whether the module declares a dependency on the given
// module id, and whether that dependency is optional.
func (m *Module) DependsOn(moduleID string) (declared, optional bool) {
	for _, dep := range m.Dependencies {
		if dep.ModuleID == moduleID {
			return true, dep.Optional
		}
	}
	return false, false
}

func cloneValueMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = cloneValueMap(tv)
		case []any:
			cp := make([]any, len(tv))
			copy(cp, tv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
