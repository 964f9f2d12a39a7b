// Package schedule computes the execution plan for a validated dependency
// graph: tasks grouped into levels of mutually independent work.
package schedule

import (
	"fmt"
	"sort"

	"github.com/aristath/loom/internal/graph"
)

// Plan is an ordered sequence of levels. Every dependency of every task in
// level k lies in some level j < k, and no task could move to an earlier
// level.
type Plan struct {
	Levels [][]string
}

// InvariantError reports a defect in the leveler itself, not in user
// input. It is fatal: the run must halt rather than proceed on corrupted
// scheduling data.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "scheduler invariant violated: " + e.Reason
}

// Level computes the execution plan using Kahn's algorithm grouped by
// levels. Level 0 holds every task with no unresolved dependencies; each
// subsequent level holds the tasks whose in-degree reaches zero once the
// previous level is materialized.
//
// Ties within a level are broken by descending priority, then ascending ID,
// so identical input always yields an identical plan.
//
// The graph must have passed dependency validation; an unvalidated graph is
// rejected and the caller must re-validate.
func Level(g *graph.Graph) (*Plan, error) {
	if !g.Validated() {
		return nil, fmt.Errorf("graph has not passed dependency validation; refusing to schedule")
	}

	tasks := g.Tasks()
	if len(tasks) == 0 {
		return &Plan{}, nil // empty graph, empty plan
	}

	inDegree := make(map[string]int, len(tasks))
	priority := make(map[string]int, len(tasks))
	for _, t := range tasks {
		inDegree[t.ID] = len(t.Dependencies)
		priority[t.ID] = t.Priority
	}

	var current []string
	for _, t := range tasks {
		if inDegree[t.ID] == 0 {
			current = append(current, t.ID)
		}
	}

	plan := &Plan{}
	placed := 0

	for len(current) > 0 {
		sortLevel(current, priority)
		plan.Levels = append(plan.Levels, current)
		placed += len(current)

		var next []string
		for _, id := range current {
			for _, depID := range g.Dependents(id) {
				inDegree[depID]--
				if inDegree[depID] == 0 {
					next = append(next, depID)
				}
			}
		}
		current = next
	}

	if placed != len(tasks) {
		// A validated graph is acyclic, so leftover tasks mean the leveler
		// itself is broken.
		return nil, &InvariantError{
			Reason: fmt.Sprintf("leveling placed %d of %d tasks", placed, len(tasks)),
		}
	}

	if err := verify(plan, g); err != nil {
		return nil, err
	}
	return plan, nil
}

// sortLevel orders a level by descending priority, then ascending ID.
func sortLevel(ids []string, priority map[string]int) {
	sort.Slice(ids, func(i, j int) bool {
		if priority[ids[i]] != priority[ids[j]] {
			return priority[ids[i]] > priority[ids[j]]
		}
		return ids[i] < ids[j]
	})
}

// verify checks the plan invariant: the union of all levels equals the node
// set exactly once, and every dependency resolves to a strictly earlier
// level. Violations are leveler bugs and fail as InvariantError.
func verify(p *Plan, g *graph.Graph) error {
	levelOf := make(map[string]int, g.Len())
	for i, level := range p.Levels {
		for _, id := range level {
			if prev, dup := levelOf[id]; dup {
				return &InvariantError{
					Reason: fmt.Sprintf("task %q appears in level %d and level %d", id, prev, i),
				}
			}
			levelOf[id] = i
		}
	}

	for _, t := range g.Tasks() {
		lvl, ok := levelOf[t.ID]
		if !ok {
			return &InvariantError{Reason: fmt.Sprintf("task %q omitted from plan", t.ID)}
		}
		for _, depID := range t.Dependencies {
			depLvl, ok := levelOf[depID]
			if !ok {
				return &InvariantError{Reason: fmt.Sprintf("dependency %q omitted from plan", depID)}
			}
			if depLvl >= lvl {
				return &InvariantError{
					Reason: fmt.Sprintf("task %q in level %d depends on %q in level %d", t.ID, lvl, depID, depLvl),
				}
			}
		}
	}
	return nil
}

// Flatten concatenates the levels into a single sequential order. The
// flat order has the same node membership as the leveled plan; sequential
// execution is simply one task per "level".
func (p *Plan) Flatten() []string {
	var out []string
	for _, level := range p.Levels {
		out = append(out, level...)
	}
	return out
}

// TaskCount returns the total number of tasks across all levels.
func (p *Plan) TaskCount() int {
	n := 0
	for _, level := range p.Levels {
		n += len(level)
	}
	return n
}

// LevelOf returns the level index containing id, or -1 if absent.
func (p *Plan) LevelOf(id string) int {
	for i, level := range p.Levels {
		for _, other := range level {
			if other == id {
				return i
			}
		}
	}
	return -1
}
