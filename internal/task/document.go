package task

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Collection is an ordered sequence of task records, read from and written
// back to a YAML document. Order is preserved across load/save so that a
// reordered collection round-trips byte-stably.
type Collection struct {
	Tasks []*Task
}

// Load reads a task collection document from path.
// The document must be a YAML sequence of task records; use DecodeRaw plus
// the schema validator for documents of unknown shape.
func Load(path string) (*Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading collection: %w", err)
	}
	return Parse(data)
}

// Parse decodes a task collection from YAML bytes.
func Parse(data []byte) (*Collection, error) {
	var tasks []*Task
	if err := yaml.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parsing collection: %w", err)
	}
	return &Collection{Tasks: tasks}, nil
}

// DecodeRaw decodes YAML bytes into untyped records for schema validation.
// Decoding errors are returned as errors, not panics; the schema validator
// treats a failed decode as a malformed document.
func DecodeRaw(data []byte) (any, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	return doc, nil
}

// Save writes the collection document to path atomically: the document is
// written to a temporary file in the same directory and renamed into place,
// so a crash mid-write never leaves a truncated collection.
func (c *Collection) Save(path string) error {
	data, err := yaml.Marshal(c.Tasks)
	if err != nil {
		return fmt.Errorf("encoding collection: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".loom-collection-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing collection: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing collection: %w", err)
	}
	return nil
}

// Get returns the task with the given ID, or nil if absent.
func (c *Collection) Get(id string) *Task {
	for _, t := range c.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// SetStatus updates the status of the task with the given ID.
// Returns an error if the task does not exist.
func (c *Collection) SetStatus(id string, status Status) error {
	t := c.Get(id)
	if t == nil {
		return fmt.Errorf("task %q not found in collection", id)
	}
	t.Status = status
	return nil
}

// Reorder returns a new collection with tasks arranged in the given ID
// order. Every ID must exist in the collection and appear exactly once.
func (c *Collection) Reorder(order []string) (*Collection, error) {
	if len(order) != len(c.Tasks) {
		return nil, fmt.Errorf("order has %d ids, collection has %d tasks", len(order), len(c.Tasks))
	}

	out := &Collection{Tasks: make([]*Task, 0, len(order))}
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if seen[id] {
			return nil, fmt.Errorf("duplicate id %q in order", id)
		}
		seen[id] = true

		t := c.Get(id)
		if t == nil {
			return nil, fmt.Errorf("task %q not found in collection", id)
		}
		out.Tasks = append(out.Tasks, t.Clone())
	}
	return out, nil
}
