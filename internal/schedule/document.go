package schedule

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is the execution plan artifact written by the leveler and read
// by the coordinator and external progress reporters.
type Document struct {
	LevelCount       int        `yaml:"level_count"`
	TaskCount        int        `yaml:"task_count"`
	EstimatedMinutes float64    `yaml:"estimated_minutes"`
	GeneratedAt      time.Time  `yaml:"generated_at"`
	Levels           [][]string `yaml:"levels"`
}

// NewDocument captures a plan together with a duration estimate: each level
// costs ceil(tasks/maxWorkers) task budgets, since tasks within a level run
// concurrently up to the worker bound.
func NewDocument(p *Plan, taskBudget time.Duration, maxWorkers int) *Document {
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	var estimate time.Duration
	for _, level := range p.Levels {
		batches := (len(level) + maxWorkers - 1) / maxWorkers
		estimate += time.Duration(batches) * taskBudget
	}

	return &Document{
		LevelCount:       len(p.Levels),
		TaskCount:        p.TaskCount(),
		EstimatedMinutes: estimate.Minutes(),
		GeneratedAt:      time.Now().UTC(),
		Levels:           p.Levels,
	}
}

// Write encodes the document as YAML at path.
func (d *Document) Write(path string) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding plan document: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing plan document: %w", err)
	}
	return nil
}
