// Package logging provides structured logging for loom runs. It wraps
// log/slog with a JSON handler writing to a per-run log file, so a run
// can be debugged post-hoc from structured entries instead of scraping
// terminal output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Log levels accepted in configuration.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Logger wraps slog with the run log file it writes to.
type Logger struct {
	*slog.Logger
	file *os.File
}

// New creates a Logger writing JSON entries to {dir}/run-{runID}.log at
// the given level. If dir is empty, entries go to stderr.
func New(dir, runID, level string) (*Logger, error) {
	var writer io.Writer
	var file *os.File

	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		logPath := filepath.Join(dir, "run-"+runID+".log")
		var err error
		file, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
	} else {
		writer = os.Stderr
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})

	return &Logger{
		Logger: slog.New(handler).With("run_id", runID),
		file:   file,
	}, nil
}

// ParseLevel converts a config level string to slog.Level.
// Defaults to INFO if the string is not recognized.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithTask returns a child slog.Logger scoped to one task.
func (l *Logger) WithTask(taskID string) *slog.Logger {
	return l.Logger.With("task_id", taskID)
}

// WithLevel returns a child slog.Logger scoped to one execution level.
func (l *Logger) WithLevel(level int) *slog.Logger {
	return l.Logger.With("level", level)
}

// Close flushes and closes the underlying log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
