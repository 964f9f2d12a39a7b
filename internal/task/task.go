package task

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"     // Waiting for dependencies
	StatusInProgress Status = "in_progress" // Currently executing
	StatusPassing    Status = "passing"     // Finished and merged successfully
	StatusFailed     Status = "failed"      // Finished with error, timeout, or conflict
	StatusBlocked    Status = "blocked"     // An ancestor failed; never dispatched
)

// Terminal reports whether the status is a terminal state.
// Blocked is terminal: a blocked task is never dispatched.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassing, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// Known reports whether the status is one of the defined states.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusPassing, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// Task is the atomic unit of schedulable work.
type Task struct {
	ID            string   `yaml:"id"`
	Description   string   `yaml:"description"`
	Dependencies  []string `yaml:"dependencies,omitempty"`
	Tags          []string `yaml:"tags,omitempty"`
	Priority      int      `yaml:"priority"`
	Status        Status   `yaml:"status"`
	TestCriterion string   `yaml:"test_criterion,omitempty"`
}

// taskDoc mirrors Task for YAML decoding, plus the legacy boolean
// "passes" field that older collections use instead of "status".
type taskDoc struct {
	ID            string   `yaml:"id"`
	Description   string   `yaml:"description"`
	Dependencies  []string `yaml:"dependencies"`
	Tags          []string `yaml:"tags"`
	Priority      int      `yaml:"priority"`
	Status        Status   `yaml:"status"`
	Passes        *bool    `yaml:"passes"`
	TestCriterion string   `yaml:"test_criterion"`
}

// UnmarshalYAML decodes a task record, normalizing the legacy "passes"
// boolean into a Status and defaulting missing status to pending.
func (t *Task) UnmarshalYAML(value *yaml.Node) error {
	var doc taskDoc
	if err := value.Decode(&doc); err != nil {
		return err
	}

	t.ID = doc.ID
	t.Description = doc.Description
	t.Dependencies = doc.Dependencies
	t.Tags = doc.Tags
	t.Priority = doc.Priority
	t.Status = doc.Status
	t.TestCriterion = doc.TestCriterion

	if t.Status == "" {
		t.Status = StatusPending
		if doc.Passes != nil && *doc.Passes {
			t.Status = StatusPassing
		}
	}

	if !t.Status.Known() {
		return fmt.Errorf("task %q has unknown status %q", t.ID, t.Status)
	}

	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Tags != nil {
		cp.Tags = append([]string(nil), t.Tags...)
	}
	return &cp
}

// DependsOn reports whether the task lists depID as a direct dependency.
func (t *Task) DependsOn(depID string) bool {
	for _, d := range t.Dependencies {
		if d == depID {
			return true
		}
	}
	return false
}
