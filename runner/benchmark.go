package runner

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
)

const (
	benchmarkAdapterManifestSchema = "benchmark_adapter_manifest_v1"
	benchmarkPredictionSchema      = "benchmark_prediction_v1"
	benchmarkScoreSchema           = "benchmark_score_v1"
	benchmarkSummarySchema         = "benchmark_summary_v1"
)

// BenchmarkAdapterManifest is the persisted "benchmark/adapter_manifest"
// document: what produced the benchmark artifacts and where they live.
type BenchmarkAdapterManifest struct {
	SchemaVersion  string `json:"schema_version"`
	RunID          string `json:"run_id"`
	AdapterCommand string `json:"adapter_command,omitempty"`
	Mode           string `json:"mode"` // "adapter" | "passthrough"
}

// BenchmarkPrediction is one line of "benchmark/predictions.jsonl".
type BenchmarkPrediction struct {
	SchemaVersion string `json:"schema_version"`
	TrialID       string `json:"trial_id"`
	VariantID     string `json:"variant_id"`
	Outcome       string `json:"outcome"`
}

// BenchmarkScore is one line of "benchmark/scores.jsonl".
type BenchmarkScore struct {
	SchemaVersion string `json:"schema_version"`
	TrialID       string `json:"trial_id"`
	VariantID     string `json:"variant_id"`
	Verdict       string `json:"verdict"` // pass | fail | error | missing
}

// VariantSummary rolls up one variant's scores.
type VariantSummary struct {
	VariantID string  `json:"variant_id"`
	Total     int     `json:"total"`
	Passed    int     `json:"passed"`
	PassRate  float64 `json:"pass_rate"`
}

// BenchmarkSummary is the persisted "benchmark/summary.json" document.
type BenchmarkSummary struct {
	SchemaVersion string           `json:"schema_version"`
	RunID         string           `json:"run_id"`
	Variants      []VariantSummary `json:"variants"`
}

// BenchmarkInput bundles what WriteBenchmarkOutputs needs: the completed
// run's trial results and (optionally) an external adapter command.
type BenchmarkInput struct {
	RunDir         string
	RunID          string
	Results        []TrialSlotResult
	AdapterCommand []string // empty selects the passthrough
}

// verdictForOutcome derives a benchmark verdict from a trial's outcome
// (§4.7): success maps to pass, missing and error pass through unchanged,
// everything else (failure, timeout, ...) maps to fail.
func verdictForOutcome(outcome string) string {
	switch outcome {
	case "success":
		return "pass"
	case "missing":
		return "missing"
	case "error":
		return "error"
	default:
		return "fail"
	}
}

// WriteBenchmarkOutputs normalizes the benchmark adapter manifest and, for
// the passthrough path, converts each trial result into one prediction and
// one score line, then rolls up per-variant pass-rate summaries. If an
// adapter command is configured it is spawned instead with a fixed
// environment naming the run id, run dir, evidence/chain-state paths, and
// the predictions/scores/summary output paths, and is expected to produce
// those artifacts itself (§4.7).
func WriteBenchmarkOutputs(ctx context.Context, in BenchmarkInput) error {
	benchmarkDir := filepath.Join(in.RunDir, "benchmark")
	predictionsPath := filepath.Join(benchmarkDir, "predictions.jsonl")
	scoresPath := filepath.Join(benchmarkDir, "scores.jsonl")
	summaryPath := filepath.Join(benchmarkDir, "summary.json")

	mode := "passthrough"
	var adapterCommandStr string
	if len(in.AdapterCommand) > 0 {
		mode = "adapter"
		adapterCommandStr = fmt.Sprintf("%v", in.AdapterCommand)
	}
	manifest := BenchmarkAdapterManifest{
		SchemaVersion: benchmarkAdapterManifestSchema, RunID: in.RunID, AdapterCommand: adapterCommandStr, Mode: mode,
	}
	if err := AtomicWriteJSON(filepath.Join(benchmarkDir, "adapter_manifest"), manifest); err != nil {
		return fmt.Errorf("benchmark: write adapter_manifest: %w", err)
	}

	if mode == "adapter" {
		return runBenchmarkAdapter(ctx, in, predictionsPath, scoresPath, summaryPath)
	}
	return writeBenchmarkPassthrough(in, predictionsPath, scoresPath, summaryPath)
}

// runBenchmarkAdapter spawns the configured adapter command with the fixed
// environment the spec names, leaving it responsible for producing the
// predictions/scores/summary artifacts itself.
func runBenchmarkAdapter(ctx context.Context, in BenchmarkInput, predictionsPath, scoresPath, summaryPath string) error {
	cmd := exec.CommandContext(ctx, in.AdapterCommand[0], in.AdapterCommand[1:]...)
	cmd.Env = append(cmd.Environ(),
		"AGENTLAB_RUN_ID="+in.RunID,
		"AGENTLAB_RUN_DIR="+in.RunDir,
		"AGENTLAB_EVIDENCE_RECORDS_PATH="+evidenceRecordsPath(in.RunDir),
		"AGENTLAB_TASK_CHAIN_STATES_PATH="+taskChainStatesPath(in.RunDir),
		"AGENTLAB_PREDICTIONS_PATH="+predictionsPath,
		"AGENTLAB_SCORES_PATH="+scoresPath,
		"AGENTLAB_SUMMARY_PATH="+summaryPath,
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("benchmark: adapter command failed: %w", err)
	}
	return nil
}

// writeBenchmarkPassthrough converts each trial result directly into a
// prediction/score line and computes the per-variant summary.
func writeBenchmarkPassthrough(in BenchmarkInput, predictionsPath, scoresPath, summaryPath string) error {
	totals := map[string]*VariantSummary{}
	order := []string{}

	for _, r := range in.Results {
		prediction := BenchmarkPrediction{
			SchemaVersion: benchmarkPredictionSchema, TrialID: r.TrialID, VariantID: r.VariantID, Outcome: r.Outcome,
		}
		if err := AppendJSONL(predictionsPath, prediction); err != nil {
			return fmt.Errorf("benchmark: append prediction: %w", err)
		}

		verdict := verdictForOutcome(r.Outcome)
		score := BenchmarkScore{
			SchemaVersion: benchmarkScoreSchema, TrialID: r.TrialID, VariantID: r.VariantID, Verdict: verdict,
		}
		if err := AppendJSONL(scoresPath, score); err != nil {
			return fmt.Errorf("benchmark: append score: %w", err)
		}

		summary, ok := totals[r.VariantID]
		if !ok {
			summary = &VariantSummary{VariantID: r.VariantID}
			totals[r.VariantID] = summary
			order = append(order, r.VariantID)
		}
		summary.Total++
		if verdict == "pass" {
			summary.Passed++
		}
	}

	variants := make([]VariantSummary, 0, len(order))
	for _, id := range order {
		s := totals[id]
		if s.Total > 0 {
			s.PassRate = float64(s.Passed) / float64(s.Total)
		}
		variants = append(variants, *s)
	}

	summaryDoc := BenchmarkSummary{SchemaVersion: benchmarkSummarySchema, RunID: in.RunID, Variants: variants}
	if err := AtomicWriteJSON(summaryPath, summaryDoc); err != nil {
		return fmt.Errorf("benchmark: write summary.json: %w", err)
	}
	return nil
}
