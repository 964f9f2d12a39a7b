package schedule

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/aristath/loom/internal/graph"
	"github.com/aristath/loom/internal/task"
)

// buildValidated assembles and validates a graph from task specs.
func buildValidated(t *testing.T, tasks ...*task.Task) *graph.Graph {
	t.Helper()

	g, err := graph.Build(&task.Collection{Tasks: tasks})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if res := graph.Validate(g); !res.Valid {
		t.Fatalf("graph unexpectedly invalid: %v", res.Errors)
	}
	return g
}

func tk(id string, priority int, deps ...string) *task.Task {
	return &task.Task{ID: id, Priority: priority, Dependencies: deps, Status: task.StatusPending}
}

func TestLevelBasic(t *testing.T) {
	// b and c both depend on a: a alone in level 0, b and c together in
	// level 1.
	g := buildValidated(t,
		tk("a", 0),
		tk("b", 0, "a"),
		tk("c", 0, "a"),
	)

	plan, err := Level(g)
	if err != nil {
		t.Fatalf("Level failed: %v", err)
	}

	want := [][]string{{"a"}, {"b", "c"}}
	if !reflect.DeepEqual(plan.Levels, want) {
		t.Errorf("expected levels %v, got %v", want, plan.Levels)
	}
}

func TestLevelPriorityTieBreak(t *testing.T) {
	g := buildValidated(t,
		tk("low", 1),
		tk("high", 9),
		tk("mid-a", 5),
		tk("mid-b", 5),
	)

	plan, err := Level(g)
	if err != nil {
		t.Fatalf("Level failed: %v", err)
	}

	// Descending priority, ascending id within equal priority.
	want := [][]string{{"high", "mid-a", "mid-b", "low"}}
	if !reflect.DeepEqual(plan.Levels, want) {
		t.Errorf("expected %v, got %v", want, plan.Levels)
	}
}

func TestLevelDeterministic(t *testing.T) {
	g := buildValidated(t,
		tk("e", 2),
		tk("a", 2),
		tk("c", 7),
		tk("b", 2, "c"),
		tk("d", 2, "c", "a"),
	)

	first, err := Level(g)
	if err != nil {
		t.Fatalf("Level failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Level(g)
		if err != nil {
			t.Fatalf("Level failed on iteration %d: %v", i, err)
		}
		if !reflect.DeepEqual(first.Levels, again.Levels) {
			t.Fatalf("plan not deterministic: %v vs %v", first.Levels, again.Levels)
		}
	}
}

func TestLevelEmptyGraph(t *testing.T) {
	g := buildValidated(t)

	plan, err := Level(g)
	if err != nil {
		t.Fatalf("Level failed on empty graph: %v", err)
	}
	if len(plan.Levels) != 0 {
		t.Errorf("expected empty plan, got %v", plan.Levels)
	}
}

func TestLevelRejectsUnvalidatedGraph(t *testing.T) {
	g, err := graph.Build(&task.Collection{Tasks: []*task.Task{tk("a", 0)}})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if _, err := Level(g); err == nil {
		t.Fatal("expected error for unvalidated graph")
	}
}

func TestLevelDependenciesStrictlyEarlier(t *testing.T) {
	g := buildValidated(t,
		tk("a", 0),
		tk("b", 0, "a"),
		tk("c", 0, "b"),
		tk("d", 0, "a", "c"),
		tk("e", 0),
	)

	plan, err := Level(g)
	if err != nil {
		t.Fatalf("Level failed: %v", err)
	}

	for _, tt := range g.Tasks() {
		lvl := plan.LevelOf(tt.ID)
		if lvl < 0 {
			t.Fatalf("task %s omitted from plan", tt.ID)
		}
		for _, dep := range tt.Dependencies {
			if depLvl := plan.LevelOf(dep); depLvl >= lvl {
				t.Errorf("dependency %s (level %d) not strictly before %s (level %d)", dep, depLvl, tt.ID, lvl)
			}
		}
	}
}

func TestFlattenMembership(t *testing.T) {
	g := buildValidated(t,
		tk("a", 0),
		tk("b", 0, "a"),
		tk("c", 5, "a"),
		tk("d", 0, "b"),
	)

	plan, err := Level(g)
	if err != nil {
		t.Fatalf("Level failed: %v", err)
	}

	flat := plan.Flatten()
	if len(flat) != plan.TaskCount() {
		t.Fatalf("flatten lost tasks: %d vs %d", len(flat), plan.TaskCount())
	}

	seen := make(map[string]bool, len(flat))
	for _, id := range flat {
		if seen[id] {
			t.Errorf("task %s appears twice in flat order", id)
		}
		seen[id] = true
	}
	for _, tt := range g.Tasks() {
		if !seen[tt.ID] {
			t.Errorf("task %s missing from flat order", tt.ID)
		}
	}
}

func TestInvariantErrorType(t *testing.T) {
	err := error(&InvariantError{Reason: "test"})

	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatal("InvariantError must be matchable with errors.As")
	}
}

func TestDocumentEstimate(t *testing.T) {
	g := buildValidated(t,
		tk("a", 0), tk("b", 0), tk("c", 0),
		tk("d", 0, "a"),
	)

	plan, err := Level(g)
	if err != nil {
		t.Fatalf("Level failed: %v", err)
	}

	// Level 0 has 3 tasks: with 2 workers that is 2 batches. Level 1 has
	// 1 task: 1 batch. 3 batches of 10 minutes.
	doc := NewDocument(plan, 10*time.Minute, 2)
	if doc.EstimatedMinutes != 30 {
		t.Errorf("expected 30 estimated minutes, got %v", doc.EstimatedMinutes)
	}
	if doc.LevelCount != 2 || doc.TaskCount != 4 {
		t.Errorf("unexpected document metadata: %+v", doc)
	}
}
