// Package depgraph is the mod dependency graph: nodes keyed by mod
// name, kind-tagged edges, topological sort and strongly-connected-
// component cycle detection (Tarjan's algorithm) restricted to
// required edges.
package depgraph

import (
	"github.com/sawtoothlabs/modctl/internal/ctlerr"
	"github.com/sawtoothlabs/modctl/internal/depexpr"
	"github.com/sawtoothlabs/modctl/internal/semver"
)

// Node is one mod in the graph.
type Node struct {
	Name      string
	Version   *semver.Version
	Enabled   bool
	Installed bool
	PendingOp PendingOp
}

// PendingOp tracks a resolver-run-scoped operation on a Node.
type PendingOp int

const (
	None PendingOp = iota
	Install
	Enable
	Disable
	Uninstall
)

// Edge is a dependency relation between two nodes.
type Edge struct {
	From       string
	To         string
	Kind       depexpr.Kind
	Constraint *semver.Constraint
}

// Graph is a mutable node/edge collection built up by callers before a
// single sort/cycle-detection pass.
type Graph struct {
	nodes map[string]Node
	edges []Edge
}

// New builds an empty Graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]Node)}
}

// AddNode inserts or replaces a node.
func (g *Graph) AddNode(n Node) { g.nodes[n.Name] = n }

// AddEdge appends an edge. Both endpoints need not yet exist as nodes;
// required edges to an unregistered name are still followed for
// topological purposes, they just resolve to no Node metadata.
func (g *Graph) AddEdge(e Edge) { g.edges = append(g.edges, e) }

// Node looks up a node by name.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// EachEdge calls fn for every edge in insertion order, regardless of
// kind.
func (g *Graph) EachEdge(fn func(Edge)) {
	for _, e := range g.edges {
		fn(e)
	}
}

// requiredAdjacency builds name -> []target for REQUIRED edges only.
func (g *Graph) requiredAdjacency() map[string][]string {
	adj := make(map[string][]string)
	for _, e := range g.edges {
		if e.Kind == depexpr.Required {
			adj[e.From] = append(adj[e.From], e.To)
		}
	}
	return adj
}

// allNames collects every name mentioned as a node or as either endpoint
// of an edge, so topological sort and SCC detection cover nodes that
// only appear as edge targets.
func (g *Graph) allNames() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for name := range g.nodes {
		add(name)
	}
	for _, e := range g.edges {
		add(e.From)
		add(e.To)
	}
	return names
}

// Cycle is one strongly-connected component of size > 1 in the
// REQUIRED-edge subgraph, or a single self-edge (a cycle of length
// one).
type Cycle struct {
	Members []string
}

// FindCycles returns every REQUIRED-edge cycle: one per SCC of size > 1,
// plus one per self-loop not already covered by a larger SCC.
func (g *Graph) FindCycles() []Cycle {
	adj := g.requiredAdjacency()
	sccs := tarjanSCC(g.allNames(), adj)

	var cycles []Cycle
	for _, scc := range sccs {
		if len(scc) > 1 {
			// Tarjan pops members in reverse discovery order; flip them
			// so the cycle reads in walk order.
			members := make([]string, len(scc))
			for i, m := range scc {
				members[len(scc)-1-i] = m
			}
			cycles = append(cycles, Cycle{Members: members})
			continue
		}
		name := scc[0]
		for _, to := range adj[name] {
			if to == name {
				cycles = append(cycles, Cycle{Members: []string{name}})
				break
			}
		}
	}
	return cycles
}

// TopoSort returns install order over REQUIRED edges: a node's
// prerequisites precede it. Returns an error carrying the detected
// cycle if the REQUIRED subgraph is not a DAG.
func (g *Graph) TopoSort() ([]string, error) {
	adj := g.requiredAdjacency()
	names := g.allNames()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(names))
	var order []string
	var stack []string

	var visit func(string) error
	visit = func(n string) error {
		switch color[n] {
		case black:
			return nil
		case gray:
			cycle := append(append([]string{}, stack...), n)
			return ctlerr.New(ctlerr.CircularDependency, "cycle detected: %v", cycle)
		}
		color[n] = gray
		stack = append(stack, n)
		for _, to := range adj[n] {
			if err := visit(to); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		order = append(order, n)
		return nil
	}

	for _, n := range names {
		if color[n] == white {
			if err := visit(n); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// tarjanSCC computes strongly connected components of the graph defined
// by adj over the given node set, returned in no particular order.
func tarjanSCC(names []string, adj map[string][]string) [][]string {
	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var result [][]string

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, ok := indices[w]; !ok {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			result = append(result, scc)
		}
	}

	for _, v := range names {
		if _, ok := indices[v]; !ok {
			strongconnect(v)
		}
	}
	return result
}
