// Package graph builds the dependency graph from a task collection and
// checks the graph-level invariants that must hold before scheduling.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/aristath/loom/internal/task"
)

// Graph is a directed graph of tasks keyed by task ID, with a derived
// dependents relation for efficient downstream lookup. A graph is rebuilt
// from its collection on every edit; it is never mutated incrementally.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[string]*task.Task
	dependents map[string][]string // taskID -> tasks that depend on it
	validated  bool
}

// Build assembles a graph from a collection. The collection is expected to
// have passed schema validation; a duplicate ID at this point is a caller
// bug, not user input, and is returned as an error.
func Build(c *task.Collection) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]*task.Task, len(c.Tasks)),
		dependents: make(map[string][]string),
	}

	for _, t := range c.Tasks {
		if _, exists := g.tasks[t.ID]; exists {
			return nil, fmt.Errorf("task with ID %q already exists", t.ID)
		}
		g.tasks[t.ID] = t.Clone()

		for _, depID := range t.Dependencies {
			g.dependents[depID] = append(g.dependents[depID], t.ID)
		}
	}

	// Sort dependents for deterministic traversal order.
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	return g, nil
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Task returns a copy of the task with the given ID.
func (g *Graph) Task(id string) (*task.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, ok := g.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks, sorted by ID.
func (g *Graph) Tasks() []*task.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*task.Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns all task IDs, sorted.
func (g *Graph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dependents returns the IDs of tasks that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[id]...)
}

// TransitiveDependents returns every task reachable from id through the
// dependents relation, in breadth-first order. Used to propagate blocked
// status when an ancestor fails.
func (g *Graph) TransitiveDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	seen := map[string]bool{id: true}
	queue := append([]string(nil), g.dependents[id]...)

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.dependents[next]...)
	}
	return out
}

// SetStatus updates the status of the task with the given ID.
func (g *Graph) SetStatus(id string, status task.Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	t.Status = status
	return nil
}

// Validated reports whether the graph has passed dependency validation.
// An unvalidated graph must not be scheduled.
func (g *Graph) Validated() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validated
}

func (g *Graph) markValidated() {
	g.mu.Lock()
	g.validated = true
	g.mu.Unlock()
}

// Order returns a flat topological ordering of all task IDs, computed with
// gammazero/toposort. It is a cross-check independent of the leveler; a
// cycle or missing reference surfaces here as an error.
func (g *Graph) Order() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, t := range g.tasks {
		for _, depID := range t.Dependencies {
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", id, depID)
			}
		}
	}

	var edges []toposort.Edge
	for id, t := range g.tasks {
		if len(t.Dependencies) == 0 {
			// Edge from nil ensures isolated tasks appear in the result.
			edges = append(edges, toposort.Edge{nil, id})
		} else {
			for _, depID := range t.Dependencies {
				edges = append(edges, toposort.Edge{depID, id})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.tasks) {
		var missing []string
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		for id := range g.tasks {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}
