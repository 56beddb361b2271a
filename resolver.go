package modkit

import (
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ResolutionRecord is one classified dependency edge: the target module, the
// constraint the depending module declared, and the version actually found
// in the registry snapshot (empty when the target is absent).
type ResolutionRecord struct {
	ModuleID           string `json:"moduleId"`
	RequiredConstraint string `json:"requiredConstraint"`
	FoundVersion       string `json:"foundVersion,omitempty"`
}

// DependencyResolution classifies every declared dependency of one module
// against a registry snapshot. It is a transient result, recomputed on
// demand and never persisted.
type DependencyResolution struct {
	ModuleID      string             `json:"moduleId"`
	Resolved      []ResolutionRecord `json:"resolved"`
	Missing       []ResolutionRecord `json:"missing"`
	Incompatible  []ResolutionRecord `json:"incompatible"`
	OptionalUnmet []ResolutionRecord `json:"optionalUnmet"`
}

// OK reports whether the module can be activated: no required dependency is
// missing or version-incompatible. Unmet optional dependencies never block.
func (r *DependencyResolution) OK() bool {
	return len(r.Missing) == 0 && len(r.Incompatible) == 0
}

// DependencyNode is one node of a recursively expanded dependency tree.
// Expanded marks a branch that was cut short because the same module was
// already expanded elsewhere in the tree; it does not indicate a cycle.
type DependencyNode struct {
	ModuleID     string            `json:"moduleId"`
	Version      string            `json:"version,omitempty"`
	Constraint   string            `json:"constraint,omitempty"`
	Optional     bool              `json:"optional,omitempty"`
	Satisfied    bool              `json:"satisfied"`
	Expanded     bool              `json:"expanded"`
	Dependencies []*DependencyNode `json:"dependencies,omitempty"`
}

// VersionSuggestion lists archived versions of an unmet dependency that
// would satisfy the constraint, sorted descending. When none satisfy,
// Nearest carries the archived version with minimal weighted distance to the
// constraint's base version. Suggestions are diagnostic only, never applied.
type VersionSuggestion struct {
	ModuleID   string   `json:"moduleId"`
	Constraint string   `json:"constraint"`
	Satisfying []string `json:"satisfying,omitempty"`
	Nearest    string   `json:"nearest,omitempty"`
}

// Resolver classifies module dependencies and detects dependency cycles.
// It is stateless; every call works against an explicit snapshot.
type Resolver struct {
	logger Logger
}

// NewResolver creates a resolver.
func NewResolver(logger Logger) *Resolver {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &Resolver{logger: logger}
}

// Resolve classifies each declared dependency of mod against the snapshot.
// Absence is checked before version compatibility, so a dependency that is
// not in the snapshot classifies as missing (or optional-unmet) without a
// version check; this tie-break is deliberate and deterministic because the
// snapshot is immutable.
func (r *Resolver) Resolve(mod *Module, snap *Snapshot) *DependencyResolution {
	res := &DependencyResolution{ModuleID: mod.ModuleID}

	for _, dep := range mod.Dependencies {
		rec := ResolutionRecord{
			ModuleID:           dep.ModuleID,
			RequiredConstraint: dep.VersionConstraint,
		}

		target, ok := snap.Get(dep.ModuleID)
		if !ok {
			if dep.Optional {
				res.OptionalUnmet = append(res.OptionalUnmet, rec)
			} else {
				res.Missing = append(res.Missing, rec)
			}
			continue
		}

		rec.FoundVersion = target.Version
		if !constraintSatisfied(dep.VersionConstraint, target.Version) {
			if dep.Optional {
				res.OptionalUnmet = append(res.OptionalUnmet, rec)
			} else {
				res.Incompatible = append(res.Incompatible, rec)
			}
			continue
		}
		res.Resolved = append(res.Resolved, rec)
	}

	r.logger.Debug("Dependencies resolved",
		"module", mod.ModuleID,
		"resolved", len(res.Resolved),
		"missing", len(res.Missing),
		"incompatible", len(res.Incompatible),
		"optionalUnmet", len(res.OptionalUnmet))
	return res
}

// DependencyTree expands the full dependency tree of mod. A visited set
// shared across the whole expansion short-circuits re-entry into branches
// that were already expanded, to avoid redundant recomputation; cycles are
// the cycle detector's concern, not the tree builder's.
func (r *Resolver) DependencyTree(mod *Module, snap *Snapshot) *DependencyNode {
	visited := make(map[string]bool)
	return r.expandNode(mod, Dependency{ModuleID: mod.ModuleID}, snap, visited)
}

func (r *Resolver) expandNode(mod *Module, via Dependency, snap *Snapshot, visited map[string]bool) *DependencyNode {
	node := &DependencyNode{
		ModuleID:   via.ModuleID,
		Constraint: via.VersionConstraint,
		Optional:   via.Optional,
	}
	if mod == nil {
		return node
	}
	node.Version = mod.Version
	node.Satisfied = via.VersionConstraint == "" || constraintSatisfied(via.VersionConstraint, mod.Version)

	if visited[mod.ModuleID] {
		node.Expanded = false
		return node
	}
	visited[mod.ModuleID] = true
	node.Expanded = true

	for _, dep := range mod.Dependencies {
		target, _ := snap.Get(dep.ModuleID)
		node.Dependencies = append(node.Dependencies, r.expandNode(target, dep, snap, visited))
	}
	return node
}

// DetectCycles walks the non-optional dependency edges of every module in
// the snapshot and reports each cycle as the ordered list of module ids from
// the first repeated module back to itself. Optional edges are excluded so
// an optional dependency can never create a hard initialization deadlock.
//
// The traversal uses interned integer indices with an explicit three-state
// color array and its own stack, so pathological graphs cannot exhaust the
// goroutine stack.
func (r *Resolver) DetectCycles(snap *Snapshot) [][]string {
	mods := snap.Modules()
	index := make(map[string]int, len(mods))
	for i, mod := range mods {
		index[mod.ModuleID] = i
	}

	// Adjacency over interned indices, non-optional edges only. Edges to
	// unregistered modules are dropped: a missing dependency is a resolution
	// failure, not a cycle.
	adj := make([][]int, len(mods))
	for i, mod := range mods {
		for _, dep := range mod.Dependencies {
			if dep.Optional {
				continue
			}
			if j, ok := index[dep.ModuleID]; ok {
				adj[i] = append(adj[i], j)
			}
		}
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	colors := make([]uint8, len(mods))

	var cycles [][]string
	seen := make(map[string]bool)

	type frame struct {
		node int
		next int
	}

	for start := range mods {
		if colors[start] != white {
			continue
		}
		stack := []frame{{node: start}}
		path := []int{start}
		colors[start] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(adj[top.node]) {
				child := adj[top.node][top.next]
				top.next++
				switch colors[child] {
				case gray:
					// Back edge: the cycle runs from the first occurrence of
					// child on the current path back to the current node.
					for i, n := range path {
						if n == child {
							cycle := make([]string, 0, len(path)-i)
							for _, m := range path[i:] {
								cycle = append(cycle, mods[m].ModuleID)
							}
							if key := cycleKey(cycle); !seen[key] {
								seen[key] = true
								cycles = append(cycles, cycle)
							}
							break
						}
					}
				case white:
					colors[child] = gray
					stack = append(stack, frame{node: child})
					path = append(path, child)
				}
			} else {
				colors[top.node] = black
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
			}
		}
	}

	if len(cycles) > 0 {
		r.logger.Warn("Dependency cycles detected", "count", len(cycles))
	}
	return cycles
}

// SuggestCompatibleVersions inspects the version archive for every unmet
// dependency of mod and suggests alternatives. Suggestions are advisory;
// nothing is applied automatically.
func (r *Resolver) SuggestCompatibleVersions(mod *Module, snap *Snapshot, archive *VersionManager) []VersionSuggestion {
	res := r.Resolve(mod, snap)

	unmet := make([]ResolutionRecord, 0, len(res.Missing)+len(res.Incompatible)+len(res.OptionalUnmet))
	unmet = append(unmet, res.Missing...)
	unmet = append(unmet, res.Incompatible...)
	unmet = append(unmet, res.OptionalUnmet...)

	suggestions := make([]VersionSuggestion, 0, len(unmet))
	for _, rec := range unmet {
		sugg := VersionSuggestion{ModuleID: rec.ModuleID, Constraint: rec.RequiredConstraint}

		archived := archive.Versions(rec.ModuleID)
		candidates := make([]*semver.Version, 0, len(archived))
		for _, mv := range archived {
			if v, err := semver.NewVersion(mv.Version); err == nil {
				candidates = append(candidates, v)
			}
		}

		constraint, err := semver.NewConstraint(rec.RequiredConstraint)
		if err != nil {
			suggestions = append(suggestions, sugg)
			continue
		}
		satisfying := make([]*semver.Version, 0, len(candidates))
		for _, v := range candidates {
			if constraint.Check(v) {
				satisfying = append(satisfying, v)
			}
		}
		if len(satisfying) > 0 {
			sort.Sort(sort.Reverse(semver.Collection(satisfying)))
			for _, v := range satisfying {
				sugg.Satisfying = append(sugg.Satisfying, v.Original())
			}
		} else if base := constraintBase(rec.RequiredConstraint); base != nil && len(candidates) > 0 {
			best := candidates[0]
			bestDist := versionDistance(base, best)
			for _, v := range candidates[1:] {
				if d := versionDistance(base, v); d < bestDist {
					best, bestDist = v, d
				}
			}
			sugg.Nearest = best.Original()
		}
		suggestions = append(suggestions, sugg)
	}
	return suggestions
}

func constraintSatisfied(constraint, version string) bool {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return c.Check(v)
}

// constraintBase extracts the first version literal from a constraint
// expression, e.g. "^1.2.0" -> 1.2.0. Used only for nearest-version
// suggestions.
func constraintBase(constraint string) *semver.Version {
	fields := strings.FieldsFunc(constraint, func(r rune) bool {
		return r == ' ' || r == ',' || r == '|'
	})
	for _, f := range fields {
		f = strings.TrimLeft(f, "^~=<>!v")
		if f == "" {
			continue
		}
		if v, err := semver.NewVersion(f); err == nil {
			return v
		}
	}
	return nil
}

// versionDistance is the weighted distance 100*|Δmajor|+10*|Δminor|+|Δpatch|.
func versionDistance(a, b *semver.Version) uint64 {
	return 100*absDiff(a.Major(), b.Major()) + 10*absDiff(a.Minor(), b.Minor()) + absDiff(a.Patch(), b.Patch())
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// cycleKey canonicalizes a cycle by rotating its smallest module id to the
// front, so the same cycle found from different entry points is reported once.
func cycleKey(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	min := 0
	for i, id := range cycle {
		if id < cycle[min] {
			min = i
		}
	}
	rotated := make([]string, 0, len(cycle))
	rotated = append(rotated, cycle[min:]...)
	rotated = append(rotated, cycle[:min]...)
	return strings.Join(rotated, "->")
}
