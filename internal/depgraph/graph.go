// Package depgraph maintains the service dependency graph and computes
// safe startup ordering. The registry owns the graph and serializes access;
// the graph itself is not goroutine-safe.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrDependencyCycle means the requested edges would close a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrUnresolvedDependency means a declared dependency has no node.
	// Callers decide whether to block or proceed.
	ErrUnresolvedDependency = errors.New("unresolved dependency")
)

type node struct {
	deps  []string
	order int // registration order, breaks ties deterministically
}

// Graph is a directed dependency graph keyed by identity key.
type Graph struct {
	nodes map[string]*node
	next  int
}

func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// CanAdd reports whether inserting id with deps would keep the graph
// acyclic, without mutating anything. Used before persisting a record so
// a cycle can never reach the store.
func (g *Graph) CanAdd(id string, deps []string) error {
	for _, d := range deps {
		if d == id {
			return fmt.Errorf("%w: %s depends on itself", ErrDependencyCycle, id)
		}
	}
	if cyclePath := g.findCycle(id, deps); cyclePath != nil {
		return fmt.Errorf("%w: %v", ErrDependencyCycle, cyclePath)
	}
	return nil
}

// Add inserts id with its dependency edges. Cycle detection happens here,
// at insertion time, so a cycle can never be persisted: on failure the
// graph is left exactly as it was, with no partial edges.
func (g *Graph) Add(id string, deps []string) error {
	if err := g.CanAdd(id, deps); err != nil {
		return err
	}
	g.nodes[id] = &node{deps: append([]string(nil), deps...), order: g.next}
	g.next++
	return nil
}

// Remove deletes the node. Edges from other nodes pointing at id remain;
// they become unresolved dependencies.
func (g *Graph) Remove(id string) {
	delete(g.nodes, id)
}

// Has reports whether id is a node in the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Dependents returns the ids that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	var out []string
	for k, n := range g.nodes {
		for _, d := range n.deps {
			if d == id {
				out = append(out, k)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// TopologicalOrder returns the transitive requirements of id in
// dependencies-first order, ending with id itself. Independent branches
// are ordered by registration order. A declared dependency with no node
// yields ErrUnresolvedDependency.
func (g *Graph) TopologicalOrder(id string) ([]string, error) {
	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedDependency, id)
	}
	var out []string
	visited := make(map[string]bool)
	var visit func(cur string) error
	visit = func(cur string) error {
		if visited[cur] {
			return nil
		}
		visited[cur] = true
		n, ok := g.nodes[cur]
		if !ok {
			return fmt.Errorf("%w: %s (required by %s)", ErrUnresolvedDependency, cur, id)
		}
		for _, d := range g.sortedDeps(n) {
			if err := visit(d); err != nil {
				return err
			}
		}
		out = append(out, cur)
		return nil
	}
	if err := visit(id); err != nil {
		return nil, err
	}
	return out, nil
}

// sortedDeps orders a node's edges by the target's registration order so
// resolution is deterministic. Unregistered targets sort last by name;
// they fail later with ErrUnresolvedDependency.
func (g *Graph) sortedDeps(n *node) []string {
	deps := append([]string(nil), n.deps...)
	sort.SliceStable(deps, func(i, j int) bool {
		ni, iok := g.nodes[deps[i]]
		nj, jok := g.nodes[deps[j]]
		if iok && jok {
			return ni.order < nj.order
		}
		if iok != jok {
			return iok
		}
		return deps[i] < deps[j]
	})
	return deps
}

// findCycle checks whether adding id->deps would close a cycle, walking
// only existing edges. Returns the offending path or nil.
func (g *Graph) findCycle(id string, deps []string) []string {
	// a cycle through the new node exists iff some dep can already reach id
	for _, d := range deps {
		if path := g.pathTo(d, id, []string{id}); path != nil {
			return path
		}
	}
	return nil
}

func (g *Graph) pathTo(from, target string, prefix []string) []string {
	if from == target {
		return append(prefix, from)
	}
	n, ok := g.nodes[from]
	if !ok {
		return nil
	}
	prefix = append(prefix, from)
	for _, d := range n.deps {
		if containsString(prefix, d) && d != target {
			continue
		}
		if path := g.pathTo(d, target, prefix); path != nil {
			return path
		}
	}
	return nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
