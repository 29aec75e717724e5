package index

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// memIndex is a minimal in-memory Index used to test RebuildFromRunDir
// without a real database.
type memIndex struct {
	rows map[string]TrialRecord
}

func newMemIndex() *memIndex { return &memIndex{rows: map[string]TrialRecord{}} }

func (m *memIndex) Upsert(rec TrialRecord) error {
	m.rows[rec.RunID+"/"+rec.TrialID] = rec
	return nil
}

func (m *memIndex) ByStatus(runID, status string) ([]TrialRecord, error) {
	var out []TrialRecord
	for _, r := range m.rows {
		if r.RunID == runID && r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memIndex) Close() error { return nil }

func writeJSONLFixture(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestRebuildFromRunDirJoinsChainStepIndex(t *testing.T) {
	runDir := t.TempDir()
	writeJSONLFixture(t, filepath.Join(runDir, "evidence", "evidence_records.jsonl"), []string{
		`{"ids":{"run_id":"run_1","trial_id":"trial_1","variant_id":"baseline","task_index":0,"repl_index":0},"status":"completed","exit_code":0,"outcome":"success"}`,
		`{"ids":{"run_id":"run_1","trial_id":"trial_2","variant_id":"baseline","task_index":1,"repl_index":0},"status":"failed","exit_code":1,"outcome":"error"}`,
	})
	writeJSONLFixture(t, filepath.Join(runDir, "evidence", "task_chain_states.jsonl"), []string{
		`{"ids":{"trial_id":"trial_1"},"step_index":0}`,
		`{"ids":{"trial_id":"trial_2"},"step_index":1}`,
	})

	idx := newMemIndex()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	if err := RebuildFromRunDir(idx, runDir, now); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	completed, err := idx.ByStatus("run_1", "completed")
	if err != nil || len(completed) != 1 {
		t.Fatalf("expected 1 completed row, got %d (err %v)", len(completed), err)
	}
	if completed[0].StepIndex != 0 || completed[0].VariantID != "baseline" {
		t.Fatalf("unexpected completed row: %+v", completed[0])
	}

	failed, err := idx.ByStatus("run_1", "failed")
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected 1 failed row, got %d (err %v)", len(failed), err)
	}
	if failed[0].StepIndex != 1 {
		t.Fatalf("expected step_index 1 for trial_2, got %d", failed[0].StepIndex)
	}
}

func TestRebuildFromRunDirMissingLogsIsNotError(t *testing.T) {
	runDir := t.TempDir()
	idx := newMemIndex()
	if err := RebuildFromRunDir(idx, runDir, time.Now()); err != nil {
		t.Fatalf("expected no error for a run dir with no evidence logs yet, got %v", err)
	}
	if len(idx.rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(idx.rows))
	}
}

func TestRebuildFromRunDirSkipsMalformedLines(t *testing.T) {
	runDir := t.TempDir()
	writeJSONLFixture(t, filepath.Join(runDir, "evidence", "evidence_records.jsonl"), []string{
		`not json`,
		`{"ids":{"run_id":"run_1","trial_id":"trial_1","variant_id":"baseline"},"status":"completed","outcome":"success"}`,
	})
	idx := newMemIndex()
	if err := RebuildFromRunDir(idx, runDir, time.Now()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(idx.rows) != 1 {
		t.Fatalf("expected 1 row after skipping malformed line, got %d", len(idx.rows))
	}
}

func TestTrialRecordRoundTripsThroughSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := OpenSQLiteIndex(dbPath)
	if err != nil {
		t.Fatalf("open sqlite index: %v", err)
	}
	defer idx.Close()

	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		status := "completed"
		if i == 2 {
			status = "failed"
		}
		rec := TrialRecord{
			RunID: "run_x", TrialID: fmt.Sprintf("trial_%d", i), VariantID: "baseline",
			TaskIndex: i, ReplIndex: 0, Status: status, Outcome: "success", ExitCode: 0,
			StepIndex: 0, IndexedAt: now,
		}
		if err := idx.Upsert(rec); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	completed, err := idx.ByStatus("run_x", "completed")
	if err != nil {
		t.Fatalf("by status: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("expected 2 completed rows, got %d", len(completed))
	}
	if !completed[0].IndexedAt.Equal(now) {
		t.Fatalf("expected indexed_at to round-trip, got %v", completed[0].IndexedAt)
	}

	failed, err := idx.ByStatus("run_x", "failed")
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected 1 failed row, got %d (err %v)", len(failed), err)
	}
}

func TestSQLiteIndexUpsertReplacesRow(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := OpenSQLiteIndex(dbPath)
	if err != nil {
		t.Fatalf("open sqlite index: %v", err)
	}
	defer idx.Close()

	now := time.Now().UTC().Truncate(time.Second)
	base := TrialRecord{RunID: "run_y", TrialID: "trial_1", VariantID: "baseline", Status: "running", IndexedAt: now}
	if err := idx.Upsert(base); err != nil {
		t.Fatalf("upsert initial: %v", err)
	}
	base.Status = "completed"
	if err := idx.Upsert(base); err != nil {
		t.Fatalf("upsert replacement: %v", err)
	}

	running, err := idx.ByStatus("run_y", "running")
	if err != nil || len(running) != 0 {
		t.Fatalf("expected no rows still running, got %d (err %v)", len(running), err)
	}
	completed, err := idx.ByStatus("run_y", "completed")
	if err != nil || len(completed) != 1 {
		t.Fatalf("expected 1 completed row, got %d (err %v)", len(completed), err)
	}
}
