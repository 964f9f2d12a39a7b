package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveRun inserts or updates a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, collection, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Collection, run.Status, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// FinishRun records a run's terminal status and completion time.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID, status string) error {
	query := `
		UPDATE runs SET status = ?, finished_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, status, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// SaveSession inserts or updates a worker session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (run_id, task_id, worker_id, branch, level, outcome, attempt, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, task_id, attempt) DO UPDATE SET
			worker_id = excluded.worker_id,
			outcome = excluded.outcome,
			finished_at = excluded.finished_at
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.RunID, sess.TaskID, sess.WorkerID, sess.Branch, sess.Level,
		sess.Outcome, sess.Attempt, sess.StartedAt, sess.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// SaveMerge appends a merge record.
func (s *SQLiteStore) SaveMerge(ctx context.Context, m *Merge) error {
	query := `
		INSERT INTO merges (run_id, task_id, branch, level, merged, commit_hash, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	merged := 0
	if m.Merged {
		merged = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		m.RunID, m.TaskID, m.Branch, m.Level, merged, m.Commit, m.Error)
	if err != nil {
		return fmt.Errorf("failed to save merge: %w", err)
	}
	return nil
}

// LatestRun returns the most recently started run, or nil if no runs exist.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*Run, error) {
	query := `
		SELECT id, collection, status, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT 1
	`
	run := &Run{}
	err := s.db.QueryRowContext(ctx, query).Scan(
		&run.ID, &run.Collection, &run.Status, &run.StartedAt, &run.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}
	return run, nil
}

// ListSessions returns all session records for a run, ordered by level then
// start time.
func (s *SQLiteStore) ListSessions(ctx context.Context, runID string) ([]*Session, error) {
	query := `
		SELECT run_id, task_id, worker_id, branch, level, outcome, attempt, started_at, finished_at
		FROM sessions
		WHERE run_id = ?
		ORDER BY level, started_at
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(
			&sess.RunID, &sess.TaskID, &sess.WorkerID, &sess.Branch, &sess.Level,
			&sess.Outcome, &sess.Attempt, &sess.StartedAt, &sess.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListMerges returns all merge records for a run in insertion order.
func (s *SQLiteStore) ListMerges(ctx context.Context, runID string) ([]*Merge, error) {
	query := `
		SELECT run_id, task_id, branch, level, merged, commit_hash, error, created_at
		FROM merges
		WHERE run_id = ?
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query merges: %w", err)
	}
	defer rows.Close()

	var merges []*Merge
	for rows.Next() {
		m := &Merge{}
		var merged int
		var commit, errMsg sql.NullString
		if err := rows.Scan(
			&m.RunID, &m.TaskID, &m.Branch, &m.Level, &merged, &commit, &errMsg, &m.Created); err != nil {
			return nil, fmt.Errorf("failed to scan merge: %w", err)
		}
		m.Merged = merged != 0
		m.Commit = commit.String
		m.Error = errMsg.String
		merges = append(merges, m)
	}
	return merges, rows.Err()
}
