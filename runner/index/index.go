// Package index provides a derived, rebuildable run-history cache over a
// run directory's evidence_records.jsonl and task_chain_states.jsonl logs.
// The JSONL logs remain the durable source of truth (I1); the index exists
// only so operators can query trial status without scanning them, and is
// always safe to delete and rebuild.
package index

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// indexedAtLayout is the text layout used for the indexed_at column on both
// backends, so TrialRecord round-trips identically regardless of which
// database stores it.
const indexedAtLayout = time.RFC3339Nano

// TrialRecord is one denormalized row of the run-history index.
type TrialRecord struct {
	RunID     string
	TrialID   string
	VariantID string
	TaskIndex int
	ReplIndex int
	Status    string
	Outcome   string
	ExitCode  int
	StepIndex int
	IndexedAt time.Time
}

// Index is the run-history query surface both backends implement.
type Index interface {
	// Upsert inserts or replaces one trial's row, keyed by (run_id, trial_id).
	Upsert(rec TrialRecord) error
	// ByStatus returns every indexed trial with the given status for runID,
	// ordered by trial_id.
	ByStatus(runID, status string) ([]TrialRecord, error)
	Close() error
}

// evidenceLine mirrors the fields RebuildFromRunDir needs from one line of
// evidence_records.jsonl, defined locally rather than imported from the
// runner package to avoid a dependency cycle (runner imports runner/index
// for RunInput.Index, so runner/index must not import runner).
type evidenceLine struct {
	IDs struct {
		RunID     string `json:"run_id"`
		TrialID   string `json:"trial_id"`
		VariantID string `json:"variant_id"`
		TaskIndex int    `json:"task_index"`
		ReplIndex int    `json:"repl_index"`
	} `json:"ids"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Outcome  string `json:"outcome"`
}

type chainLine struct {
	IDs struct {
		TrialID string `json:"trial_id"`
	} `json:"ids"`
	StepIndex int `json:"step_index"`
}

// RebuildFromRunDir replays evidence_records.jsonl (joined against
// task_chain_states.jsonl for each trial's step_index) under runDir and
// upserts every trial row into idx, stamping each with now. It populates an
// index from the logs alone (RunExperiment also upserts each trial as it
// finishes when RunInput.Index is set) and is safe to call repeatedly:
// Upsert replaces any existing row for the same trial_id.
func RebuildFromRunDir(idx Index, runDir string, now time.Time) error {
	steps, err := readChainSteps(filepath.Join(runDir, "evidence", "task_chain_states.jsonl"))
	if err != nil {
		return err
	}

	path := filepath.Join(runDir, "evidence", "evidence_records.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("index: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec evidenceLine
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if err := idx.Upsert(TrialRecord{
			RunID: rec.IDs.RunID, TrialID: rec.IDs.TrialID, VariantID: rec.IDs.VariantID,
			TaskIndex: rec.IDs.TaskIndex, ReplIndex: rec.IDs.ReplIndex,
			Status: rec.Status, Outcome: rec.Outcome, ExitCode: rec.ExitCode,
			StepIndex: steps[rec.IDs.TrialID], IndexedAt: now,
		}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func readChainSteps(path string) (map[string]int, error) {
	steps := map[string]int{}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return steps, nil
		}
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec chainLine
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		steps[rec.IDs.TrialID] = rec.StepIndex
	}
	return steps, scanner.Err()
}

// scanTrialRows drains rows into TrialRecords, shared by both backends
// since each stores indexed_at as indexedAtLayout text.
func scanTrialRows(rows *sql.Rows) ([]TrialRecord, error) {
	var out []TrialRecord
	for rows.Next() {
		var rec TrialRecord
		var indexedAt string
		if err := rows.Scan(&rec.RunID, &rec.TrialID, &rec.VariantID, &rec.TaskIndex, &rec.ReplIndex,
			&rec.Status, &rec.Outcome, &rec.ExitCode, &rec.StepIndex, &indexedAt); err != nil {
			return nil, fmt.Errorf("index: scan trial row: %w", err)
		}
		parsed, err := time.Parse(indexedAtLayout, indexedAt)
		if err != nil {
			return nil, fmt.Errorf("index: parse indexed_at %q: %w", indexedAt, err)
		}
		rec.IndexedAt = parsed
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: iterate trial rows: %w", err)
	}
	return out, nil
}
