// Package persistence records run history in SQLite: runs, worker
// sessions, and merge records. The history is read by `loom status` and
// is append-only from the coordinator's point of view.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run is a persisted coordinator run.
type Run struct {
	ID         string
	Collection string
	Status     string // running, completed, failed, cancelled
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Session is a persisted worker session outcome.
type Session struct {
	RunID      string
	TaskID     string
	WorkerID   string
	Branch     string
	Level      int
	Outcome    string
	Attempt    int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Merge is a persisted merge-arbiter record.
type Merge struct {
	RunID   string
	TaskID  string
	Branch  string
	Level   int
	Merged  bool
	Commit  string
	Error   string
	Created time.Time
}

// Store defines the persistence interface for run history.
type Store interface {
	SaveRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, runID, status string) error
	SaveSession(ctx context.Context, s *Session) error
	SaveMerge(ctx context.Context, m *Merge) error

	LatestRun(ctx context.Context) (*Run, error)
	ListSessions(ctx context.Context, runID string) ([]*Session, error)
	ListMerges(ctx context.Context, runID string) ([]*Merge, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	// Foreign keys need the PRAGMA with modernc.org/sqlite; the connection
	// string form is not supported.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
