// Package depvalidate checks a dependency graph against the current
// registry state and produces an exhaustive, non-short-circuiting list
// of typed findings: every problem is surfaced at once rather than
// failing on the first one found.
package depvalidate

import (
	"github.com/sawtoothlabs/modctl/internal/depexpr"
	"github.com/sawtoothlabs/modctl/internal/depgraph"
	"github.com/sawtoothlabs/modctl/internal/semver"
)

// FindingKind tags a Finding's variant.
type FindingKind int

const (
	CircularDependency FindingKind = iota
	MissingDependency
	DisabledDependency
	VersionMismatch
	Conflict
	ListMissingPackage
	PackageMissingFromList
)

func (k FindingKind) String() string {
	switch k {
	case CircularDependency:
		return "CIRCULAR_DEPENDENCY"
	case MissingDependency:
		return "MISSING_DEPENDENCY"
	case DisabledDependency:
		return "DISABLED_DEPENDENCY"
	case VersionMismatch:
		return "VERSION_MISMATCH"
	case Conflict:
		return "CONFLICT"
	case ListMissingPackage:
		return "LIST_MISSING_PACKAGE"
	case PackageMissingFromList:
		return "PACKAGE_MISSING_FROM_LIST"
	default:
		return "UNKNOWN"
	}
}

// Finding is one validation result. Only the fields relevant to Kind
// are populated.
type Finding struct {
	Kind     FindingKind
	Cycle    []string
	From     string
	To       string
	Required *semver.Constraint
	Actual   *semver.Version
	A, B     string
	Advisory bool
}

// RegistryView is the minimal view DependencyValidator needs of the
// installed-mod set and the mod list, kept narrow so this package does
// not import modregistry/modlist directly; callers adapt whatever state
// they hold to it.
type RegistryView interface {
	// InstalledVersion reports the installed version of name, if any.
	InstalledVersion(name string) (semver.Version, bool)
	// IsEnabled reports whether name is enabled in the mod list.
	IsEnabled(name string) bool
	// RegistryNames lists every mod the registry scan discovered.
	RegistryNames() []string
	// ListNames lists every mod present in the MODListStore.
	ListNames() []string
}

// Validate runs a total validation pass over g against view: every
// finding is collected, the run never short-circuits.
func Validate(g *depgraph.Graph, view RegistryView) []Finding {
	var findings []Finding

	for _, c := range g.FindCycles() {
		// The reported cycle is closed: the first member repeats at the
		// end, so [a b] becomes [a b a].
		cycle := append(append([]string{}, c.Members...), c.Members[0])
		findings = append(findings, Finding{Kind: CircularDependency, Cycle: cycle})
	}

	for _, e := range edgesOf(g) {
		if e.Kind != depexpr.Required {
			continue
		}
		actual, installed := view.InstalledVersion(e.To)
		if !installed {
			findings = append(findings, Finding{Kind: MissingDependency, From: e.From, To: e.To})
			continue
		}
		if !view.IsEnabled(e.To) {
			findings = append(findings, Finding{Kind: DisabledDependency, From: e.From, To: e.To})
			continue
		}
		if e.Constraint != nil && !e.Constraint.SatisfiedBy(actual) {
			a := actual
			findings = append(findings, Finding{
				Kind: VersionMismatch, From: e.From, To: e.To,
				Required: e.Constraint, Actual: &a,
			})
		}
	}

	for _, e := range edgesOf(g) {
		if e.Kind != depexpr.Incompatible {
			continue
		}
		if view.IsEnabled(e.From) && view.IsEnabled(e.To) {
			findings = append(findings, Finding{Kind: Conflict, A: e.From, B: e.To})
		}
	}

	registrySet := toSet(view.RegistryNames())
	listSet := toSet(view.ListNames())
	for name := range registrySet {
		if !listSet[name] {
			findings = append(findings, Finding{Kind: PackageMissingFromList, From: name, Advisory: true})
		}
	}
	for name := range listSet {
		if !registrySet[name] {
			findings = append(findings, Finding{Kind: ListMissingPackage, From: name, Advisory: true})
		}
	}

	return findings
}

func toSet(names []string) map[string]bool {
	s := make(map[string]bool, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}

// edgesOf collects every edge of g, of every kind, through
// Graph.EachEdge. FindCycles' adjacency is insufficient here because it
// keeps only REQUIRED edges and drops their kinds and constraints.
func edgesOf(g *depgraph.Graph) []depgraph.Edge {
	var edges []depgraph.Edge
	g.EachEdge(func(e depgraph.Edge) { edges = append(edges, e) })
	return edges
}
