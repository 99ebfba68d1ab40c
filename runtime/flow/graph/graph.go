// Package graph builds the in-memory template graph of a map-reduce node: the
// DAG of prototype nodes (children with status template) connected by the
// routing targets that point inside the template set.
//
// The graph is derived state, never persisted. Prototypes are stored as
// immutable snapshots; the iterator clones them by value for every iteration.
package graph

import (
	"fmt"
	"sort"

	"goa.design/dataflow/runtime/flow"
)

// TemplateGraph is the DAG of prototype nodes under one parent.
type TemplateGraph struct {
	// ParentID is the owning map-reduce node.
	ParentID string
	// Nodes maps prototype identifier to its immutable snapshot.
	Nodes map[string]*flow.Node
	// Edges maps each prototype to the prototypes its targets reference.
	// Targets pointing outside the template set are not edges.
	Edges map[string][]string
	// Roots are the prototypes with no incoming intra-template edge,
	// ordered by identifier for determinism.
	Roots []string
}

// Build constructs the template graph from the template children of parent.
// It fails with no_templates when children is empty and with
// template_discovery_failed when the edges contain a cycle (which includes
// the degenerate case of a non-empty graph without roots).
func Build(parent *flow.Node, children []*flow.Node) (*TemplateGraph, error) {
	if len(children) == 0 {
		return nil, flow.Coded(flow.CodeNoTemplates, "node %s has no template children", parent.ID)
	}

	g := &TemplateGraph{
		ParentID: parent.ID,
		Nodes:    make(map[string]*flow.Node, len(children)),
		Edges:    make(map[string][]string, len(children)),
	}
	for _, child := range children {
		if child.Status != flow.NodeTemplate {
			return nil, flow.Coded(flow.CodeTemplateDiscoveryFailed, "node %s is not a template", child.ID)
		}
		g.Nodes[child.ID] = child.Clone()
	}

	incoming := make(map[string]int, len(children))
	for id, proto := range g.Nodes {
		data, errs, err := flow.Targets(proto.Config)
		if err != nil {
			return nil, flow.Coded(flow.CodeTemplateDiscoveryFailed, "template %s has invalid targets: %v", id, err)
		}
		seen := make(map[string]struct{})
		for _, target := range append(data, errs...) {
			if target.NodeID == "" {
				continue
			}
			if _, inSet := g.Nodes[target.NodeID]; !inSet {
				continue
			}
			if _, dup := seen[target.NodeID]; dup {
				continue
			}
			seen[target.NodeID] = struct{}{}
			g.Edges[id] = append(g.Edges[id], target.NodeID)
			incoming[target.NodeID]++
		}
		sort.Strings(g.Edges[id])
	}

	for id := range g.Nodes {
		if incoming[id] == 0 {
			g.Roots = append(g.Roots, id)
		}
	}
	sort.Strings(g.Roots)

	if cycle := findCycle(g); cycle != nil {
		return nil, flow.Coded(flow.CodeTemplateDiscoveryFailed,
			"Circular dependency detected among templates: %s", formatCycle(cycle))
	}
	return g, nil
}

// Descendants returns the prototypes reachable from id, excluding id itself.
func (g *TemplateGraph) Descendants(id string) []string {
	seen := make(map[string]struct{})
	var walk func(string)
	walk = func(cur string) {
		for _, next := range g.Edges[cur] {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			walk(next)
		}
	}
	walk(id)
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// findCycle runs a DFS with a recursion stack over every prototype and
// returns the first back edge path found, or nil when the graph is acyclic.
// A graph with no roots is necessarily cyclic and is caught here too.
func findCycle(g *TemplateGraph) []string {
	const (
		white = iota // unvisited
		grey         // on the recursion stack
		black        // fully explored
	)
	color := make(map[string]int, len(g.Nodes))
	var stack []string
	var cycle []string

	var visit func(string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range g.Edges[id] {
			switch color[next] {
			case grey:
				// Back edge: slice the stack from the first occurrence.
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string(nil), stack[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func formatCycle(cycle []string) string {
	out := ""
	for i, id := range cycle {
		if i > 0 {
			out += " -> "
		}
		out += id
	}
	return fmt.Sprint(out)
}
