// Package resolver expands a seed set of requested installs into a
// complete, ordered install plan, and plans symmetric uninstalls.
// Portal metadata for the working set is fetched concurrently, bounded
// by a configurable degree of parallelism.
package resolver

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
	"github.com/sawtoothlabs/modctl/internal/depexpr"
	"github.com/sawtoothlabs/modctl/internal/depgraph"
	"github.com/sawtoothlabs/modctl/internal/modlist"
	"github.com/sawtoothlabs/modctl/internal/modregistry"
	"github.com/sawtoothlabs/modctl/internal/portal"
	"github.com/sawtoothlabs/modctl/internal/semver"
)

// DefaultParallelism is the default worker-pool width for metadata
// fetch fan-out.
const DefaultParallelism = 4

// Request is one seed entry: install `name`, optionally constrained.
type Request struct {
	Name       string
	Constraint *semver.Constraint
}

// PlanEntry is one resolved install: the chosen release and the chain
// of names that pulled it in (empty for a directly requested mod).
type PlanEntry struct {
	Name       string
	Release    portal.Release
	RequiredBy []string
}

// Plan is the resolver's output: installs in dependency order.
type Plan struct {
	Installs []PlanEntry
}

// Registry is the narrow view of installed state the resolver needs.
type Registry interface {
	InstalledVersion(name string) (semver.Version, bool)
}

// Portal is the subset of PortalClient the resolver drives.
type Portal interface {
	Get(ctx context.Context, name string) (portal.Summary, error)
	GetFull(ctx context.Context, name string) (portal.Full, error)
}

// Resolver runs the expansion and install-order algorithm.
type Resolver struct {
	portal      Portal
	parallelism int
}

// New builds a Resolver. parallelism <= 0 uses DefaultParallelism.
func New(p Portal, parallelism int) *Resolver {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Resolver{portal: p, parallelism: parallelism}
}

type workingEntry struct {
	constraint *semver.Constraint
	requiredBy []string
}

// Resolve expands seed into a complete, topologically ordered install
// plan: selected releases are fetched, their required dependencies
// added transitively, and the fixpoint sorted so prerequisites come
// first.
func (r *Resolver) Resolve(ctx context.Context, seed []Request, reg Registry) (*Plan, error) {
	working := make(map[string]*workingEntry, len(seed))
	for _, req := range seed {
		working[req.Name] = &workingEntry{constraint: req.Constraint}
	}

	releases := make(map[string]portal.Release)
	chains := make(map[string][]string) // name -> chain used to detect cycles when it was added

	frontier := make([]string, 0, len(seed))
	for name := range working {
		frontier = append(frontier, name)
		chains[name] = []string{name}
	}

	for len(frontier) > 0 {
		fetched, err := r.fetchAll(ctx, frontier, working)
		if err != nil {
			return nil, err
		}
		for name, rel := range fetched {
			releases[name] = rel
		}

		var next []string
		for _, name := range frontier {
			rel, ok := fetched[name]
			if !ok {
				continue
			}
			chain := chains[name]
			for _, spec := range rel.Dependencies {
				if spec.Kind != depexpr.Required {
					continue
				}
				if spec.Target == "base" || modregistry.IsReservedExpansion(spec.Target) {
					continue
				}
				for _, seen := range chain {
					if seen == spec.Target {
						return nil, ctlerr.New(ctlerr.CircularDependency, "cycle detected: %v", append(append([]string{}, chain...), spec.Target))
					}
				}
				if v, ok := reg.InstalledVersion(spec.Target); ok {
					if spec.Constraint == nil || spec.Constraint.SatisfiedBy(v) {
						continue
					}
				}

				entry, exists := working[spec.Target]
				if !exists {
					working[spec.Target] = &workingEntry{constraint: spec.Constraint, requiredBy: []string{name}}
					chains[spec.Target] = append(append([]string{}, chain...), spec.Target)
					next = append(next, spec.Target)
					continue
				}

				entry.requiredBy = append(entry.requiredBy, name)
				merged, err := intersect(entry.constraint, spec.Constraint)
				if err != nil {
					return nil, err
				}
				if !constraintsEqual(entry.constraint, merged) {
					entry.constraint = merged
					chains[spec.Target] = append(append([]string{}, chain...), spec.Target)
					next = append(next, spec.Target)
				}
			}
		}
		frontier = dedupeStrings(next)
	}

	g := depgraph.New()
	for name := range working {
		g.AddNode(depgraph.Node{Name: name})
	}
	for name, rel := range releases {
		for _, spec := range rel.Dependencies {
			if spec.Kind == depexpr.Required {
				if _, ok := working[spec.Target]; ok {
					g.AddEdge(depgraph.Edge{From: name, To: spec.Target, Kind: spec.Kind, Constraint: spec.Constraint})
				}
			}
		}
	}

	order, err := g.TopoSort()
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	for _, name := range order {
		rel, ok := releases[name]
		if !ok {
			continue
		}
		plan.Installs = append(plan.Installs, PlanEntry{
			Name:       name,
			Release:    rel,
			RequiredBy: working[name].requiredBy,
		})
	}
	return plan, nil
}

// fetchAll fetches portal metadata for names concurrently, bounded by
// r.parallelism, and selects the highest release satisfying each name's
// current working constraint.
func (r *Resolver) fetchAll(ctx context.Context, names []string, working map[string]*workingEntry) (map[string]portal.Release, error) {
	results := make(map[string]portal.Release, len(names))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)

	for _, name := range names {
		name := name
		g.Go(func() error {
			full, err := r.portal.GetFull(gctx, name)
			if err != nil {
				return err
			}
			constraint := working[name].constraint
			rel, ok := bestRelease(full.Releases, constraint)
			if !ok {
				return ctlerr.New(ctlerr.NoCompatibleVersion, "no release of %s satisfies constraint", name)
			}
			mu.Lock()
			results[name] = rel
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func bestRelease(releases []portal.Release, constraint *semver.Constraint) (portal.Release, bool) {
	var best portal.Release
	found := false
	for _, rel := range releases {
		if constraint != nil && !constraint.SatisfiedBy(rel.Version) {
			continue
		}
		if !found || versionLess(best.Version, rel.Version) {
			best = rel
			found = true
		}
	}
	return best, found
}

func versionLess(a, b semver.Version) bool {
	if a.Major != b.Major {
		return a.Major < b.Major
	}
	if a.Minor != b.Minor {
		return a.Minor < b.Minor
	}
	return a.Patch < b.Patch
}

// intersect combines two constraints on the same target: an exact (=)
// constraint dominates; otherwise prefer the higher lower bound (>=).
// Unsatisfiable combinations (two distinct exacts, or an exact outside
// the other's bound) are VERSION_CONFLICT.
func intersect(a, b *semver.Constraint) (*semver.Constraint, error) {
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}
	if a.Op == semver.OpEq && b.Op == semver.OpEq {
		if a.Version != b.Version {
			return nil, ctlerr.New(ctlerr.VersionConflict, "exact constraints conflict: %v vs %v", a, b)
		}
		return a, nil
	}
	if a.Op == semver.OpEq {
		if !b.SatisfiedBy(a.Version) {
			return nil, ctlerr.New(ctlerr.VersionConflict, "exact constraint %v violates %v", a, b)
		}
		return a, nil
	}
	if b.Op == semver.OpEq {
		if !a.SatisfiedBy(b.Version) {
			return nil, ctlerr.New(ctlerr.VersionConflict, "exact constraint %v violates %v", b, a)
		}
		return b, nil
	}
	if a.Op == semver.OpGtEq && b.Op == semver.OpGtEq {
		if versionLess(a.Version, b.Version) {
			return b, nil
		}
		return a, nil
	}
	// Neither exact nor both >=: keep the existing constraint. More
	// exotic combinations (< vs >, etc.) are rare enough in practice
	// that no finer merge rule exists for them.
	return a, nil
}

func constraintsEqual(a, b *semver.Constraint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Op == b.Op && a.Version == b.Version
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// UninstallPlan describes what must happen to remove name.
type UninstallPlan struct {
	Name       string
	Dependents []string
}

// PlanUninstall checks whether any enabled installed mod still requires
// name; base and reserved expansions can never be removed.
func PlanUninstall(name string, installed []modregistry.InstalledMod, list *modlist.Store) (*UninstallPlan, error) {
	if name == "base" || modregistry.IsReservedExpansion(name) {
		return nil, ctlerr.New(ctlerr.IllegalOperation, "%s cannot be uninstalled", name)
	}

	var dependents []string
	for _, mod := range installed {
		if mod.Name == name {
			continue
		}
		enabled, err := list.Enabled(mod.Name)
		if err != nil || !enabled {
			continue
		}
		for _, dep := range mod.Info.Dependencies {
			spec, err := depexpr.Parse(dep)
			if err != nil || spec.Kind != depexpr.Required {
				continue
			}
			if spec.Target == name {
				dependents = append(dependents, mod.Name)
				break
			}
		}
	}
	if len(dependents) > 0 {
		return nil, ctlerr.New(ctlerr.HasDependents, "%s has dependents: %v", name, dependents)
	}
	return &UninstallPlan{Name: name}, nil
}
