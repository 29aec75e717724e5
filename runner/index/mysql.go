package index

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLIndex offers the same run-history schema as SQLiteIndex against a
// shared MySQL/MariaDB instance, so several run directories can be indexed
// into one database for cross-run dashboards — mirroring the sibling
// relationship between the teacher's graph/store/sqlite.go and
// graph/store/mysql.go. This is the only call site in the module that
// exercises github.com/go-sql-driver/mysql.
type MySQLIndex struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenMySQLIndex connects to dsn (e.g. "user:pass@tcp(host:3306)/agentlab")
// and ensures the trials table exists.
func OpenMySQLIndex(dsn string) (*MySQLIndex, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("index: open mysql: %w", err)
	}
	db.SetMaxOpenConns(8)
	idx := &MySQLIndex{db: db}
	if err := idx.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (m *MySQLIndex) createSchema() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS trials (
			run_id VARCHAR(255) NOT NULL,
			trial_id VARCHAR(255) NOT NULL,
			variant_id VARCHAR(255) NOT NULL,
			task_index INT NOT NULL,
			repl_index INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			outcome VARCHAR(64) NOT NULL,
			exit_code INT NOT NULL,
			step_index INT NOT NULL,
			indexed_at VARCHAR(40) NOT NULL,
			PRIMARY KEY (run_id, trial_id),
			INDEX idx_trials_status (run_id, status)
		)
	`)
	if err != nil {
		return fmt.Errorf("index: create trials table: %w", err)
	}
	return nil
}

// Upsert implements Index.
func (m *MySQLIndex) Upsert(rec TrialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.db.Exec(`
		INSERT INTO trials (run_id, trial_id, variant_id, task_index, repl_index, status, outcome, exit_code, step_index, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			variant_id = VALUES(variant_id), task_index = VALUES(task_index), repl_index = VALUES(repl_index),
			status = VALUES(status), outcome = VALUES(outcome), exit_code = VALUES(exit_code),
			step_index = VALUES(step_index), indexed_at = VALUES(indexed_at)
	`, rec.RunID, rec.TrialID, rec.VariantID, rec.TaskIndex, rec.ReplIndex,
		rec.Status, rec.Outcome, rec.ExitCode, rec.StepIndex, rec.IndexedAt.UTC().Format(indexedAtLayout))
	if err != nil {
		return fmt.Errorf("index: upsert trial %s: %w", rec.TrialID, err)
	}
	return nil
}

// ByStatus implements Index.
func (m *MySQLIndex) ByStatus(runID, status string) ([]TrialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.db.Query(`
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
func (m *MySQLIndex) Close() error {
	return m.db.Close()
}
