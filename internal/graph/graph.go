package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// Graph is the in-memory dependency graph of a workflow.
// Built once from a validated WorkflowDefinition and immutable for the run.
type Graph struct {
	Steps   map[string]*schema.StepDefinition // step name → definition
	Edges   map[string][]string               // step name → dependencies (depends_on)
	Reverse map[string][]string               // step name → dependents (who depends on me)
	Sorted  []string                          // topological order
	Roots   []string                          // steps with no dependencies
}

// Build parses a WorkflowDefinition into an executable Graph.
// It validates step names and dependencies, builds adjacency lists, performs
// topological sorting using Kahn's algorithm, and detects cycles. A cycle is
// reported as a structural error naming the steps involved, before any step
// runs.
func Build(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	g := &Graph{
		Steps:   make(map[string]*schema.StepDefinition, len(def.Steps)),
		Edges:   make(map[string][]string, len(def.Steps)),
		Reverse: make(map[string][]string, len(def.Steps)),
	}

	// First pass: register all steps and check for duplicates.
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty name", i)
		}
		if _, exists := g.Steps[step.Name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step name: %s", step.Name)
		}
		g.Steps[step.Name] = step
	}

	// Second pass: build adjacency lists and validate dependencies.
	for name, step := range g.Steps {
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := g.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %s depends on non-existent step: %s", name, dep).WithStep(name)
			}
			if dep == name {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
					"step %s depends on itself", name).WithStep(name)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %s has duplicate dependency: %s", name, dep).WithStep(name)
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.Reverse[dep] = append(g.Reverse[dep], name)
		}
		g.Edges[name] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(g.Steps))
	for name := range g.Steps {
		inDegree[name] = len(g.Edges[name])
	}

	queue := make([]string, 0)
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	// Sort roots for deterministic ordering.
	sort.Strings(queue)
	g.Roots = make([]string, len(queue))
	copy(g.Roots, queue)

	sorted := make([]string, 0, len(g.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(g.Reverse[node]))
		copy(dependents, g.Reverse[node])
		sort.Strings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.Steps) {
		// Steps never drained are on (or downstream of) a cycle; narrow the
		// report to the steps actually on a cycle before naming them.
		return nil, cycleError(g, inDegree)
	}
	g.Sorted = sorted

	return g, nil
}

// cycleError names the steps participating in a dependency cycle.
func cycleError(g *Graph, inDegree map[string]int) error {
	// Trim: repeatedly remove remaining steps that have no remaining
	// dependents. Whatever survives is exactly the cycle set.
	remaining := make(map[string]bool)
	for name, deg := range inDegree {
		if deg > 0 {
			remaining[name] = true
		}
	}

	for {
		trimmed := false
		for name := range remaining {
			hasDependent := false
			for _, dep := range g.Reverse[name] {
				if remaining[dep] {
					hasDependent = true
					break
				}
			}
			if !hasDependent {
				delete(remaining, name)
				trimmed = true
			}
		}
		if !trimmed {
			break
		}
	}

	members := make([]string, 0, len(remaining))
	for name := range remaining {
		members = append(members, name)
	}
	sort.Strings(members)

	return schema.NewErrorf(schema.ErrCodeCycleDetected,
		"workflow contains a dependency cycle involving: %s", strings.Join(members, ", ")).
		WithDetails(map[string]any{"steps": members})
}

// StatusFn reports the current status of a step by name.
type StatusFn func(name string) schema.StepStatus

// Ready returns the steps whose dependencies have all reached terminal
// success and that are themselves still pending, in deterministic order.
func (g *Graph) Ready(status StatusFn) []string {
	var ready []string
	for _, name := range g.Sorted {
		if status(name) != schema.StepStatusPending {
			continue
		}
		ok := true
		for _, dep := range g.Edges[name] {
			if status(dep) != schema.StepStatusSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready
}

// Blocked returns the pending steps with at least one dependency that is not
// yet (or will never be) a terminal success.
func (g *Graph) Blocked(status StatusFn) []string {
	var blocked []string
	for _, name := range g.Sorted {
		if status(name) != schema.StepStatusPending {
			continue
		}
		for _, dep := range g.Edges[name] {
			if status(dep) != schema.StepStatusSucceeded {
				blocked = append(blocked, name)
				break
			}
		}
	}
	return blocked
}

// TransitiveSuccessors returns every step downstream of name, in
// deterministic order. Used to cascade skips after a terminal failure.
func (g *Graph) TransitiveSuccessors(name string) []string {
	visited := make(map[string]bool)
	var walk func(n string)
	walk = func(n string) {
		for _, succ := range g.Reverse[n] {
			if !visited[succ] {
				visited[succ] = true
				walk(succ)
			}
		}
	}
	walk(name)

	// Preserve topological order in the output.
	out := make([]string, 0, len(visited))
	for _, n := range g.Sorted {
		if visited[n] {
			out = append(out, n)
		}
	}
	return out
}

// Len returns the number of steps in the graph.
func (g *Graph) Len() int { return len(g.Steps) }

// String renders a compact adjacency summary, useful in logs and tests.
func (g *Graph) String() string {
	var b strings.Builder
	for _, name := range g.Sorted {
		if len(g.Edges[name]) == 0 {
			fmt.Fprintf(&b, "%s; ", name)
			continue
		}
		fmt.Fprintf(&b, "%s <- [%s]; ", name, strings.Join(g.Edges[name], ", "))
	}
	return strings.TrimSuffix(b.String(), "; ")
}
