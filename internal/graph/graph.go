// Package graph provides a small directed-acyclic-graph with deterministic
// topological ordering. The same structure orders changes within one
// repository and release targets across all repositories.
package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrCycle is returned when adding an edge would close a cycle. The
	// graph is left unmodified. A cycle means the external state is
	// unresolvable and the affected pipeline must halt.
	ErrCycle = errors.New("dependency cycle")
	// ErrUnknownNode is returned when an edge endpoint has not been added.
	ErrUnknownNode = errors.New("unknown node")
)

// Graph is a DAG whose nodes are keyed by string and carry a payload.
// An edge "A depends on B" orders B before A in OverallOrder.
type Graph[T any] struct {
	nodes map[string]*node[T]
	keys  []string // insertion order, for stable tie-breaking
}

type node[T any] struct {
	payload T
	deps    []string
	depSet  map[string]bool
}

// New constructs an empty graph.
func New[T any]() *Graph[T] {
	return &Graph[T]{nodes: make(map[string]*node[T])}
}

// AddNode registers a node. Re-adding an existing key keeps the original
// payload and position.
func (g *Graph[T]) AddNode(key string, payload T) {
	if _, ok := g.nodes[key]; ok {
		return
	}
	g.nodes[key] = &node[T]{payload: payload, depSet: make(map[string]bool)}
	g.keys = append(g.keys, key)
}

// HasNode reports whether the key has been added.
func (g *Graph[T]) HasNode(key string) bool {
	_, ok := g.nodes[key]
	return ok
}

// Payload returns the payload stored for the key.
func (g *Graph[T]) Payload(key string) (T, bool) {
	n, ok := g.nodes[key]
	if !ok {
		var zero T
		return zero, false
	}
	return n.payload, true
}

// Len returns the number of nodes.
func (g *Graph[T]) Len() int {
	return len(g.keys)
}

// Keys returns all node keys in insertion order.
func (g *Graph[T]) Keys() []string {
	out := make([]string, len(g.keys))
	copy(out, g.keys)
	return out
}

// AddDependency records that from depends on to. It fails with ErrCycle,
// before mutating anything, if the edge would close a cycle, and with
// ErrUnknownNode if either endpoint is missing.
func (g *Graph[T]) AddDependency(from, to string) error {
	fn, ok := g.nodes[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	if from == to {
		return fmt.Errorf("%w: %s depends on itself", ErrCycle, from)
	}
	if fn.depSet[to] {
		return nil
	}
	if g.reachable(to, from) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, from, to)
	}
	fn.deps = append(fn.deps, to)
	fn.depSet[to] = true
	return nil
}

// reachable reports whether target can be reached from start by following
// dependency edges.
func (g *Graph[T]) reachable(start, target string) bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		for _, d := range g.nodes[cur].deps {
			if !seen[d] {
				seen[d] = true
				stack = append(stack, d)
			}
		}
	}
	return false
}

// DependenciesOf returns the direct dependencies of the key, in the order
// they were added.
func (g *Graph[T]) DependenciesOf(key string) []string {
	n, ok := g.nodes[key]
	if !ok {
		return nil
	}
	out := make([]string, len(n.deps))
	copy(out, n.deps)
	return out
}

// Dependents returns the keys that directly depend on the given key, in
// insertion order.
func (g *Graph[T]) Dependents(key string) []string {
	var out []string
	for _, k := range g.keys {
		if g.nodes[k].depSet[key] {
			out = append(out, k)
		}
	}
	return out
}

// OverallOrder returns every key with dependencies ordered before their
// dependents. Ties break by insertion order, so the result is stable
// across runs given the same inputs.
func (g *Graph[T]) OverallOrder() []string {
	indegree := make(map[string]int, len(g.keys))
	dependents := make(map[string][]string, len(g.keys))
	for _, k := range g.keys {
		indegree[k] += 0
		for _, d := range g.nodes[k].deps {
			indegree[k]++
			dependents[d] = append(dependents[d], k)
		}
	}

	var ready []string
	for _, k := range g.keys {
		if indegree[k] == 0 {
			ready = append(ready, k)
		}
	}

	order := make([]string, 0, len(g.keys))
	for len(ready) > 0 {
		k := ready[0]
		ready = ready[1:]
		order = append(order, k)
		var unblocked []string
		for _, dep := range dependents[k] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unblocked = append(unblocked, dep)
			}
		}
		if len(unblocked) > 0 {
			ready = append(ready, unblocked...)
			ready = stableByInsertion(ready, g.keys)
		}
	}
	return order
}

// stableByInsertion reorders ready keys to match the graph's insertion
// order without disturbing set membership.
func stableByInsertion(ready, keys []string) []string {
	in := make(map[string]bool, len(ready))
	for _, k := range ready {
		in[k] = true
	}
	out := ready[:0]
	for _, k := range keys {
		if in[k] {
			out = append(out, k)
		}
	}
	return out
}
