package graph

import (
	"errors"
	"testing"
)

func build(t *testing.T, nodes []string, edges [][2]string) *Graph[string] {
	t.Helper()
	g := New[string]()
	for _, n := range nodes {
		g.AddNode(n, n)
	}
	for _, e := range edges {
		if err := g.AddDependency(e[0], e[1]); err != nil {
			t.Fatalf("AddDependency(%s, %s): %v", e[0], e[1], err)
		}
	}
	return g
}

func position(order []string, key string) int {
	for i, k := range order {
		if k == key {
			return i
		}
	}
	return -1
}

func TestOverallOrderRespectsDependencies(t *testing.T) {
	g := build(t,
		[]string{"a", "b", "c", "d", "e"},
		[][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}, {"e", "a"}},
	)

	order := g.OverallOrder()
	if len(order) != 5 {
		t.Fatalf("order has %d entries, want 5", len(order))
	}
	for _, k := range g.Keys() {
		for _, dep := range g.DependenciesOf(k) {
			if position(order, dep) > position(order, k) {
				t.Errorf("dependency %s ordered after dependent %s in %v", dep, k, order)
			}
		}
	}
}

func TestOverallOrderStableTieBreak(t *testing.T) {
	g := build(t, []string{"z", "m", "a"}, nil)
	want := []string{"z", "m", "a"}
	for run := 0; run < 3; run++ {
		order := g.OverallOrder()
		for i := range want {
			if order[i] != want[i] {
				t.Fatalf("run %d: order %v, want insertion order %v", run, order, want)
			}
		}
	}
}

func TestCycleRejectedBeforeMutation(t *testing.T) {
	g := build(t, []string{"a", "b", "c"}, [][2]string{{"b", "a"}, {"c", "b"}})

	err := g.AddDependency("a", "c")
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if deps := g.DependenciesOf("a"); len(deps) != 0 {
		t.Errorf("failed edge mutated graph: a now depends on %v", deps)
	}

	if err := g.AddDependency("a", "a"); !errors.Is(err, ErrCycle) {
		t.Errorf("self-edge should be ErrCycle, got %v", err)
	}
}

func TestUnknownNode(t *testing.T) {
	g := build(t, []string{"a"}, nil)
	if err := g.AddDependency("a", "ghost"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
	if err := g.AddDependency("ghost", "a"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
}

func TestDuplicateEdgeAndNode(t *testing.T) {
	g := New[int]()
	g.AddNode("a", 1)
	g.AddNode("a", 2)
	if v, _ := g.Payload("a"); v != 1 {
		t.Errorf("re-adding node overwrote payload: %d", v)
	}
	g.AddNode("b", 3)
	if err := g.AddDependency("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddDependency("a", "b"); err != nil {
		t.Fatal(err)
	}
	if deps := g.DependenciesOf("a"); len(deps) != 1 {
		t.Errorf("duplicate edge recorded twice: %v", deps)
	}
}

func TestDependents(t *testing.T) {
	g := build(t, []string{"a", "b", "c"}, [][2]string{{"b", "a"}, {"c", "a"}})
	got := g.Dependents("a")
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("Dependents(a) = %v", got)
	}
}
