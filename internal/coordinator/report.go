package coordinator

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/loom/internal/merge"
	"github.com/aristath/loom/internal/task"
)

// SessionRow is one worker session in the run report.
type SessionRow struct {
	TaskID          string  `yaml:"task_id"`
	WorkerID        string  `yaml:"worker_id"`
	Branch          string  `yaml:"branch,omitempty"`
	Level           int     `yaml:"level"`
	Outcome         string  `yaml:"outcome"`
	Status          string  `yaml:"status"`
	DurationSeconds float64 `yaml:"duration_seconds"`
	Merged          bool    `yaml:"merged"`
	Commit          string  `yaml:"commit,omitempty"`
	Error           string  `yaml:"error,omitempty"`
}

// Report is the per-run summary of worker assignments, branches, outcomes,
// and computed speedup versus sequential execution. Written by the
// coordinator at run completion.
type Report struct {
	RunID      string    `yaml:"run_id"`
	Collection string    `yaml:"collection,omitempty"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`

	Total   int `yaml:"total"`
	Passing int `yaml:"passing"`
	Failed  int `yaml:"failed"`
	Blocked int `yaml:"blocked"`
	Pending int `yaml:"pending"`

	// WallSeconds is elapsed run time; SessionSeconds sums every session's
	// duration. Speedup is their ratio: what sequential execution of the
	// same sessions would have cost relative to this run.
	WallSeconds    float64 `yaml:"wall_seconds"`
	SessionSeconds float64 `yaml:"session_seconds"`
	Speedup        float64 `yaml:"speedup"`

	Sessions []SessionRow `yaml:"sessions"`
}

// NewReport starts an empty report for a run.
func NewReport(runID, collection string) *Report {
	return &Report{
		RunID:      runID,
		Collection: collection,
		StartedAt:  time.Now(),
	}
}

// AddSession appends one session's row.
func (r *Report) AddSession(res *sessionResult, rec merge.Record, status task.Status) {
	row := SessionRow{
		TaskID:          res.taskID,
		WorkerID:        res.workerID,
		Level:           res.level,
		Status:          string(status),
		DurationSeconds: res.finishedAt.Sub(res.startedAt).Seconds(),
		Merged:          rec.Merged,
		Commit:          rec.Commit,
	}
	if res.info != nil {
		row.Branch = res.info.Branch
	}
	if res.outcome != "" {
		row.Outcome = string(res.outcome)
	} else {
		row.Outcome = "spawn_failed"
	}
	switch {
	case res.err != nil:
		row.Error = res.err.Error()
	case rec.Err != nil:
		row.Error = rec.Err.Error()
	}
	r.Sessions = append(r.Sessions, row)
}

// Finish stamps completion time and computes totals and speedup.
func (r *Report) Finish(sc statusCounts) {
	r.FinishedAt = time.Now()
	r.Total = sc.total
	r.Passing = sc.passing
	r.Failed = sc.failed
	r.Blocked = sc.blocked
	r.Pending = sc.pending

	r.WallSeconds = r.FinishedAt.Sub(r.StartedAt).Seconds()
	for _, s := range r.Sessions {
		r.SessionSeconds += s.DurationSeconds
	}
	if r.WallSeconds > 0 {
		r.Speedup = r.SessionSeconds / r.WallSeconds
	}
}

// Write emits the report as YAML.
func (r *Report) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encoding run report: %w", err)
	}
	return enc.Close()
}

// Save writes the report to path.
func (r *Report) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating run report: %w", err)
	}
	defer f.Close()
	return r.Write(f)
}
