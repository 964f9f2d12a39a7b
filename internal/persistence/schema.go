package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS sessions (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		level INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		PRIMARY KEY (run_id, task_id, attempt),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_run_id ON sessions(run_id);

	CREATE TABLE IF NOT EXISTS merges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		level INTEGER NOT NULL,
		merged INTEGER NOT NULL,
		commit_hash TEXT,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_merges_run_id ON merges(run_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
