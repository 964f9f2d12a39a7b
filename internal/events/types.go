package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicSession = "session"
	TopicMerge   = "merge"
	TopicRun     = "run"
)

// Event type constants
const (
	EventTypeSessionStarted  = "session.started"
	EventTypeSessionFinished = "session.finished"
	EventTypeTaskBlocked     = "task.blocked"
	EventTypeBranchMerged    = "merge.branch"
	EventTypeLevelStarted    = "run.level_started"
	EventTypeLevelCompleted  = "run.level_completed"
	EventTypeRunProgress     = "run.progress"
)

// SessionStartedEvent is published when a worker session dispatches a task.
type SessionStartedEvent struct {
	ID        string
	WorkerID  string
	Branch    string
	Level     int
	Timestamp time.Time
}

func (e SessionStartedEvent) EventType() string { return EventTypeSessionStarted }
func (e SessionStartedEvent) TaskID() string    { return e.ID }

// SessionFinishedEvent is published when a worker session reaches a
// terminal outcome.
type SessionFinishedEvent struct {
	ID        string
	WorkerID  string
	Outcome   string // completed, timed_out, crashed, spawn_failed, cancelled
	Duration  time.Duration
	Timestamp time.Time
}

func (e SessionFinishedEvent) EventType() string { return EventTypeSessionFinished }
func (e SessionFinishedEvent) TaskID() string    { return e.ID }

// TaskBlockedEvent is published when a task is blocked by an ancestor failure.
type TaskBlockedEvent struct {
	ID        string
	Ancestor  string // the failed task that caused the block
	Timestamp time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) TaskID() string    { return e.ID }

// BranchMergedEvent is published after the arbiter integrates (or fails to
// integrate) a branch.
type BranchMergedEvent struct {
	ID            string
	Branch        string
	Merged        bool
	Commit        string
	ConflictFiles []string
	Timestamp     time.Time
}

func (e BranchMergedEvent) EventType() string { return EventTypeBranchMerged }
func (e BranchMergedEvent) TaskID() string    { return e.ID }

// LevelStartedEvent is published when the coordinator begins a level.
type LevelStartedEvent struct {
	Level     int
	Tasks     []string
	Timestamp time.Time
}

func (e LevelStartedEvent) EventType() string { return EventTypeLevelStarted }
func (e LevelStartedEvent) TaskID() string    { return "" }

// LevelCompletedEvent is published once every task in a level is terminal
// and the level's merges have resolved. No task in the next level starts
// before this event.
type LevelCompletedEvent struct {
	Level     int
	Passing   int
	Failed    int
	Blocked   int
	Merged    int
	Conflicts int
	Timestamp time.Time
}

func (e LevelCompletedEvent) EventType() string { return EventTypeLevelCompleted }
func (e LevelCompletedEvent) TaskID() string    { return "" }

// RunProgressEvent is published when overall run progress changes.
type RunProgressEvent struct {
	Total     int
	Passing   int
	Failed    int
	Blocked   int
	Pending   int
	Timestamp time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) TaskID() string    { return "" }
