// Package graph builds the flow graph from a workflow's tasks and flow edges:
// adjacency and predecessor maps, cycle detection, and ready-set queries.
package graph

import (
	"fmt"
	"sort"
	"strings"

	nikaerrors "github.com/nikaeng/nika/pkg/errors"
)

// Edge is one expanded (source, target) pair. A flow declaration with
// multiple sources/targets expands to the cartesian product of edges before
// reaching the graph.
type Edge struct {
	Source string
	Target string
}

// Graph is the adjacency/predecessor representation of a workflow's tasks,
// derived once at construction and never mutated afterward.
type Graph struct {
	order        []string            // task ids in declaration order, for tie-breaking
	successors   map[string][]string
	predecessors map[string][]string
	indegree     map[string]int
	outdegree    map[string]int
}

// New builds a Graph from the declared task ids (in declaration order) and
// the expanded edge list. It does not check for cycles; call Validate for
// that.
func New(taskIDs []string, edges []Edge) (*Graph, error) {
	g := &Graph{
		order:        append([]string{}, taskIDs...),
		successors:   make(map[string][]string, len(taskIDs)),
		predecessors: make(map[string][]string, len(taskIDs)),
		indegree:     make(map[string]int, len(taskIDs)),
		outdegree:    make(map[string]int, len(taskIDs)),
	}

	known := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		known[id] = true
		g.indegree[id] = 0
		g.outdegree[id] = 0
	}

	for _, e := range edges {
		if !known[e.Source] {
			return nil, &nikaerrors.ValidationError{
				Code:    nikaerrors.CodeFlowUnknownBinding,
				Field:   "flows.source",
				Message: fmt.Sprintf("flow references unknown task %q", e.Source),
			}
		}
		if !known[e.Target] {
			return nil, &nikaerrors.ValidationError{
				Code:    nikaerrors.CodeFlowUnknownBinding,
				Field:   "flows.target",
				Message: fmt.Sprintf("flow references unknown task %q", e.Target),
			}
		}
		g.successors[e.Source] = append(g.successors[e.Source], e.Target)
		g.predecessors[e.Target] = append(g.predecessors[e.Target], e.Source)
		g.indegree[e.Target]++
		g.outdegree[e.Source]++
	}

	return g, nil
}

// color used by the three-coloring DFS cycle detector.
type color int

const (
	white color = iota
	gray
	black
)

// Validate runs a DFS three-coloring cycle check. On finding a back edge
// (a gray node reached again), it reports the cycle as the path from the
// re-entry point to the end of the current DFS stack.
func (g *Graph) Validate() error {
	colors := make(map[string]color, len(g.order))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = gray
		stack = append(stack, id)

		for _, next := range g.successors[id] {
			switch colors[next] {
			case white:
				if err := visit(next); err != nil {
					return err
				}
			case gray:
				cycleStart := 0
				for i, s := range stack {
					if s == next {
						cycleStart = i
						break
					}
				}
				cyclePath := append(append([]string{}, stack[cycleStart:]...), next)
				return &nikaerrors.ValidationError{
					Code:    nikaerrors.CodeFlowCycle,
					Field:   "flows",
					Message: fmt.Sprintf("cycle detected: %s", strings.Join(cyclePath, " → ")),
				}
			case black:
				// already fully explored, no cycle through here
			}
		}

		colors[id] = black
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range g.order {
		if colors[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Predecessors returns the direct predecessor task ids of id.
func (g *Graph) Predecessors(id string) []string {
	return g.predecessors[id]
}

// Successors returns the direct successor task ids of id.
func (g *Graph) Successors(id string) []string {
	return g.successors[id]
}

// FinalTasks returns the ids of tasks with no successors (outdegree zero),
// in declaration order. Their results make up the workflow's final output.
func (g *Graph) FinalTasks() []string {
	var final []string
	for _, id := range g.order {
		if g.outdegree[id] == 0 {
			final = append(final, id)
		}
	}
	return final
}

// Done reports whether every task id in the graph is present in done.
func (g *Graph) Done(done map[string]bool) bool {
	for _, id := range g.order {
		if !done[id] {
			return false
		}
	}
	return true
}

// ReadySet returns task ids that are not yet in done or inFlight, and whose
// predecessors have all succeeded, in declaration order (the tie-break rule
// for scheduling). A predecessor that ran but failed or was itself skipped
// does not satisfy readiness — see SkippedSet for what happens to those
// tasks instead.
func (g *Graph) ReadySet(done, inFlight, succeeded map[string]bool) []string {
	var ready []string
	for _, id := range g.order {
		if done[id] || inFlight[id] {
			continue
		}
		if g.predecessorsSucceeded(id, succeeded) {
			ready = append(ready, id)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool { return false }) // preserve declaration order
	return ready
}

// SkippedSet returns task ids that are not yet in done or inFlight but can
// never become ready, because at least one of their predecessors has
// already completed without succeeding (failed, or was itself skipped). In
// declaration order.
func (g *Graph) SkippedSet(done, inFlight, succeeded map[string]bool) []string {
	var skipped []string
	for _, id := range g.order {
		if done[id] || inFlight[id] {
			continue
		}
		for _, pred := range g.predecessors[id] {
			if done[pred] && !succeeded[pred] {
				skipped = append(skipped, id)
				break
			}
		}
	}
	return skipped
}

func (g *Graph) predecessorsSucceeded(id string, succeeded map[string]bool) bool {
	for _, pred := range g.predecessors[id] {
		if !succeeded[pred] {
			return false
		}
	}
	return true
}
