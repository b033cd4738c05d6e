package graph_test

import (
	"strings"
	"testing"

	"github.com/nikaeng/nika/internal/graph"
)

func TestNew_UnknownEdgeReference(t *testing.T) {
	_, err := graph.New([]string{"a", "b"}, []graph.Edge{{Source: "a", Target: "missing"}})
	if err == nil {
		t.Fatal("expected error for edge referencing unknown task")
	}
}

func TestValidate_Diamond(t *testing.T) {
	// a -> b, a -> c, b -> d, c -> d
	g, err := graph.New([]string{"a", "b", "c", "d"}, []graph.Edge{
		{Source: "a", Target: "b"},
		{Source: "a", Target: "c"},
		{Source: "b", Target: "d"},
		{Source: "c", Target: "d"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	final := g.FinalTasks()
	if len(final) != 1 || final[0] != "d" {
		t.Fatalf("FinalTasks = %v, want [d]", final)
	}
}

func TestValidate_Cycle(t *testing.T) {
	g, err := graph.New([]string{"a", "b", "c"}, []graph.Edge{
		{Source: "a", Target: "b"},
		{Source: "b", Target: "c"},
		{Source: "c", Target: "a"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = g.Validate()
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "NIKA-025") {
		t.Fatalf("error %q does not carry NIKA-025", err)
	}
	if !strings.Contains(err.Error(), "a → b → c → a") {
		t.Fatalf("error %q does not name the cycle path", err)
	}
}

func TestReadySet_DeclarationOrderTieBreak(t *testing.T) {
	g, err := graph.New([]string{"a", "b", "c"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ready := g.ReadySet(map[string]bool{}, map[string]bool{}, map[string]bool{})
	if len(ready) != 3 || ready[0] != "a" || ready[1] != "b" || ready[2] != "c" {
		t.Fatalf("ReadySet = %v, want [a b c]", ready)
	}
}

func TestReadySet_WaitsOnPredecessors(t *testing.T) {
	g, err := graph.New([]string{"a", "b"}, []graph.Edge{{Source: "a", Target: "b"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ready := g.ReadySet(map[string]bool{}, map[string]bool{}, map[string]bool{})
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("ReadySet before a completes = %v, want [a]", ready)
	}

	ready = g.ReadySet(map[string]bool{"a": true}, map[string]bool{}, map[string]bool{"a": true})
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("ReadySet after a completes = %v, want [b]", ready)
	}
}

func TestReadySet_SkipsInFlight(t *testing.T) {
	g, err := graph.New([]string{"a", "b"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ready := g.ReadySet(map[string]bool{}, map[string]bool{"a": true}, map[string]bool{})
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("ReadySet = %v, want [b]", ready)
	}
}

func TestReadySet_PredecessorFailedDoesNotSatisfyReadiness(t *testing.T) {
	g, err := graph.New([]string{"a", "b"}, []graph.Edge{{Source: "a", Target: "b"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// a is done but failed (absent from succeeded): b must not be ready.
	ready := g.ReadySet(map[string]bool{"a": true}, map[string]bool{}, map[string]bool{})
	if len(ready) != 0 {
		t.Fatalf("ReadySet = %v, want none (b's only predecessor failed)", ready)
	}
}

func TestSkippedSet_PropagatesPastAFailedPredecessor(t *testing.T) {
	g, err := graph.New([]string{"a", "b", "c"}, []graph.Edge{
		{Source: "a", Target: "b"},
		{Source: "b", Target: "c"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// a failed; b hasn't run yet, so it should be reported skippable even
	// though c (which depends on b, not a directly) is not yet, since b
	// itself hasn't been marked done/skipped yet.
	done := map[string]bool{"a": true}
	succeeded := map[string]bool{}
	skipped := g.SkippedSet(done, map[string]bool{}, succeeded)
	if len(skipped) != 1 || skipped[0] != "b" {
		t.Fatalf("SkippedSet = %v, want [b]", skipped)
	}

	// Once b is itself recorded done-but-not-succeeded (skipped), c becomes
	// skippable too.
	done["b"] = true
	skipped = g.SkippedSet(done, map[string]bool{}, succeeded)
	if len(skipped) != 1 || skipped[0] != "c" {
		t.Fatalf("SkippedSet after b is recorded = %v, want [c]", skipped)
	}
}

func TestDone(t *testing.T) {
	g, err := graph.New([]string{"a", "b"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.Done(map[string]bool{"a": true}) {
		t.Fatal("Done should be false until every task is in done")
	}
	if !g.Done(map[string]bool{"a": true, "b": true}) {
		t.Fatal("Done should be true once every task is in done")
	}
}
