package graph

import (
	"fmt"
	"sort"
	"strings"
)

// DependencyErrorKind classifies graph-level validation errors.
type DependencyErrorKind int

const (
	// ErrSelfDependency marks a task that depends on itself.
	ErrSelfDependency DependencyErrorKind = iota
	// ErrMissingReference marks a dependency on a task that does not exist.
	ErrMissingReference
	// ErrCycle marks a dependency cycle; the full path is reported.
	ErrCycle
)

// DependencyError is a graph-level invariant violation that blocks
// scheduling.
type DependencyError struct {
	Kind   DependencyErrorKind
	TaskID string   // Task where the problem was detected
	Ref    string   // Missing dependency ID, for ErrMissingReference
	Cycle  []string // Full cycle path, for ErrCycle; first and last entries match
}

func (e DependencyError) Error() string {
	switch e.Kind {
	case ErrSelfDependency:
		return fmt.Sprintf("task %q depends on itself", e.TaskID)
	case ErrMissingReference:
		return fmt.Sprintf("task %q depends on non-existent task %q", e.TaskID, e.Ref)
	case ErrCycle:
		return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
	default:
		return fmt.Sprintf("dependency error on task %q", e.TaskID)
	}
}

// Result is the outcome of dependency validation.
type Result struct {
	Valid    bool
	Errors   []DependencyError
	Warnings []string
}

// Dependency chains deeper than this trigger a flattening warning.
const maxChainDepth = 5

// Validate checks graph-level invariants: no self-dependencies, no missing
// references, no cycles. It runs only after schema validation has passed;
// node identities are unreliable before that.
//
// Self-dependency, missing-reference, and cycle detection are independent
// passes. A missing reference can mask a cycle (or vice versa) if the
// checks are conflated, so keeping them separate lets one run report every
// problem at once.
//
// On success the graph is marked validated and becomes schedulable.
func Validate(g *Graph) Result {
	var res Result

	g.mu.RLock()
	for _, id := range sortedIDs(g.tasks) {
		for _, depID := range g.tasks[id].Dependencies {
			if depID == id {
				res.Errors = append(res.Errors, DependencyError{Kind: ErrSelfDependency, TaskID: id})
			}
		}
	}

	for _, id := range sortedIDs(g.tasks) {
		for _, depID := range g.tasks[id].Dependencies {
			if _, exists := g.tasks[depID]; !exists {
				res.Errors = append(res.Errors, DependencyError{Kind: ErrMissingReference, TaskID: id, Ref: depID})
			}
		}
	}

	res.Errors = append(res.Errors, detectCycles(g)...)

	if depth, deepest := maxDepth(g); depth > maxChainDepth {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"dependency chain through %q is %d levels deep (max recommended %d); consider flattening the graph",
			deepest, depth, maxChainDepth))
	}
	g.mu.RUnlock()

	res.Valid = len(res.Errors) == 0
	if res.Valid {
		g.markValidated()
	}
	return res
}

// Node colors for the cycle-detection DFS.
const (
	white = iota // unvisited
	gray         // on the current recursion stack
	black        // fully explored
)

// detectCycles runs a white/gray/black DFS over the dependency relation.
// Revisiting a gray node denotes a cycle; the path from that node's first
// occurrence to the revisit is reported as one cycle. Traversal resumes
// from unvisited nodes after each DFS tree so disconnected components are
// covered, and every distinct cycle is reported, not just the first.
//
// Caller holds g.mu.
func detectCycles(g *Graph) []DependencyError {
	color := make(map[string]int, len(g.tasks))
	var stack []string
	var errs []DependencyError

	var dfs func(id string)
	dfs = func(id string) {
		color[id] = gray
		stack = append(stack, id)

		for _, depID := range g.tasks[id].Dependencies {
			if depID == id {
				continue // self-loops are reported by the self-dependency pass
			}
			if _, exists := g.tasks[depID]; !exists {
				continue // missing references are reported by their own pass
			}

			switch color[depID] {
			case gray:
				errs = append(errs, DependencyError{Kind: ErrCycle, Cycle: cyclePath(stack, depID)})
			case white:
				dfs(depID)
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range sortedIDs(g.tasks) {
		if color[id] == white {
			dfs(id)
		}
	}
	return errs
}

// cyclePath extracts the cycle from the recursion stack: the slice from the
// first occurrence of start to the top, closed with start again.
func cyclePath(stack []string, start string) []string {
	for i, id := range stack {
		if id == start {
			path := append([]string(nil), stack[i:]...)
			return append(path, start)
		}
	}
	// start must be on the stack when it is gray
	return []string{start, start}
}

// maxDepth computes the longest dependency chain in the graph. Depth is
// memoized per node; the onStack set keeps the recursion finite if this
// runs on a graph that has not been cycle-checked yet.
//
// Caller holds g.mu.
func maxDepth(g *Graph) (int, string) {
	memo := make(map[string]int, len(g.tasks))
	onStack := make(map[string]bool)

	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		if onStack[id] {
			return 0
		}
		onStack[id] = true
		defer delete(onStack, id)

		d := 0
		for _, depID := range g.tasks[id].Dependencies {
			if _, exists := g.tasks[depID]; !exists {
				continue
			}
			if dd := depth(depID) + 1; dd > d {
				d = dd
			}
		}
		memo[id] = d
		return d
	}

	best, deepest := 0, ""
	for _, id := range sortedIDs(g.tasks) {
		if d := depth(id); d > best {
			best, deepest = d, id
		}
	}
	return best, deepest
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
