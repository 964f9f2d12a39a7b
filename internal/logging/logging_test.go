package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(dir, "abc123", LevelInfo)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("session started", "task_id", "t1")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "run-abc123.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	var entry map[string]any
	line := strings.TrimSpace(string(data))
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, line)
	}
	if entry["msg"] != "session started" {
		t.Errorf("unexpected message: %v", entry["msg"])
	}
	if entry["run_id"] != "abc123" {
		t.Errorf("run_id not attached: %v", entry["run_id"])
	}
	if entry["task_id"] != "t1" {
		t.Errorf("task_id not recorded: %v", entry["task_id"])
	}
}

func TestNewRespectsLevel(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(dir, "r", LevelWarn)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("filtered out")
	logger.Warn("kept")
	logger.Close()

	data, err := os.ReadFile(filepath.Join(dir, "run-r.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if strings.Contains(string(data), "filtered out") {
		t.Error("INFO entry written at WARN level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("WARN entry missing")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestCloseWithoutFile(t *testing.T) {
	logger, err := New("", "r", LevelInfo)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close without file: %v", err)
	}
}
