package index

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteIndex is an embedded run-history cache in one SQLite file at a
// caller-chosen path (pure-Go driver, no cgo, mirroring the teacher's
// graph/store/sqlite.go). It is never authoritative: OpenSQLiteIndex does
// not populate it, and a missing or corrupt database file can be refilled
// from the JSONL logs with RebuildFromRunDir.
type SQLiteIndex struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// OpenSQLiteIndex opens (creating if absent) the index file at path and
// ensures its schema exists.
func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: set busy_timeout: %w", err)
	}
	idx := &SQLiteIndex{db: db, path: path}
	if err := idx.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *SQLiteIndex) createSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS trials (
			run_id TEXT NOT NULL,
			trial_id TEXT NOT NULL,
			variant_id TEXT NOT NULL,
			task_index INTEGER NOT NULL,
			repl_index INTEGER NOT NULL,
			status TEXT NOT NULL,
			outcome TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			step_index INTEGER NOT NULL,
			indexed_at TEXT NOT NULL,
			PRIMARY KEY (run_id, trial_id)
		)
	`); err != nil {
		return fmt.Errorf("index: create trials table: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_trials_status ON trials(run_id, status)"); err != nil {
		return fmt.Errorf("index: create status index: %w", err)
	}
	return nil
}

// Upsert implements Index.
func (s *SQLiteIndex) Upsert(rec TrialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO trials (run_id, trial_id, variant_id, task_index, repl_index, status, outcome, exit_code, step_index, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, trial_id) DO UPDATE SET
			variant_id = excluded.variant_id, task_index = excluded.task_index, repl_index = excluded.repl_index,
			status = excluded.status, outcome = excluded.outcome, exit_code = excluded.exit_code,
			step_index = excluded.step_index, indexed_at = excluded.indexed_at
	`, rec.RunID, rec.TrialID, rec.VariantID, rec.TaskIndex, rec.ReplIndex,
		rec.Status, rec.Outcome, rec.ExitCode, rec.StepIndex, rec.IndexedAt.UTC().Format(indexedAtLayout))
	if err != nil {
		return fmt.Errorf("index: upsert trial %s: %w", rec.TrialID, err)
	}
	return nil
}

// ByStatus implements Index.
func (s *SQLiteIndex) ByStatus(runID, status string) ([]TrialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT run_id, trial_id, variant_id, task_index, repl_index, status, outcome, exit_code, step_index, indexed_at
		FROM trials WHERE run_id = ? AND status = ?
		ORDER BY trial_id
	`, runID, status)
	if err != nil {
		return nil, fmt.Errorf("index: query by status: %w", err)
	}
	defer rows.Close()
	return scanTrialRows(rows)
}

// Close implements Index.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteIndex) Path() string {
	return s.path
}
