package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dshills/agentlab/runner/emit"
	"github.com/dshills/agentlab/runner/index"
)

// RunManifest is the persisted "manifest.json" document: the run's identity
// and the runner build that produced it.
type RunManifest struct {
	RunID         string `json:"run_id"`
	CreatedAt     string `json:"created_at"`
	RunnerVersion string `json:"runner_version"`
}

// RunnerVersion is the stable identifier stamped into every manifest.json
// and attestation.json this build produces.
const RunnerVersion = "agentlab-runner/1"

// DatasetTask pairs a task payload with the optional task-boundary files and
// container mounts it contributes to each trial built from it.
type DatasetTask struct {
	Payload       any
	BoundaryFiles []TaskBoundaryFile
	Mounts        []TaskMountRef
}

// RunInput bundles everything RunExperiment needs to execute a full
// experiment end to end.
type RunInput struct {
	RunsRoot    string
	ProjectRoot string
	DatasetSrc  string
	PacksRoot   string
	HarnessRoot string
	Experiment  ResolvedExperiment
	Tasks       []DatasetTask
	Budgets     *TrialBudgets
	Timeouts    *TrialTimeouts
	Clock       Clock
	Emitter     emit.Emitter
	// BenchmarkAdapterCommand, if set, is spawned once the schedule
	// completes instead of the built-in passthrough (§4.7).
	BenchmarkAdapterCommand []string
	// Executor overrides the executor normally selected from
	// Experiment.Runtime.Sandbox.Mode. Nil in production; tests inject a
	// fake to avoid spawning real processes or containers.
	Executor Executor
	// Metrics records Prometheus observations for this run. Nil disables
	// metrics recording entirely.
	Metrics *Metrics
	// Index mirrors each completed trial slot into a run-history cache
	// (§DOMAIN STACK). Nil skips indexing; the JSONL evidence logs remain
	// authoritative either way, and index.RebuildFromRunDir can always
	// reconstruct it later.
	Index index.Index
}

// RunResult summarizes a completed (or paused) run.
type RunResult struct {
	RunID         string
	RunDir        string
	Status        RunStatus
	TrialResults  []TrialSlotResult
	PrunedVariants []int
}

// RunExperiment validates the resolved experiment, lays out the run
// directory, builds the schedule, and executes trial slots serially,
// honoring pruning and pause requests (§2, §4.4, §4.5).
func RunExperiment(ctx context.Context, in RunInput) (RunResult, error) {
	if err := ValidateRequiredFields(in.Experiment); err != nil {
		return RunResult{}, err
	}
	if in.Clock == nil {
		in.Clock = SystemClock{}
	}
	emitter := in.Emitter
	if emitter == nil {
		emitter = emit.Multi(nil)
	}

	now := in.Clock.Now()
	runID := NewRunID(now)
	runDir := filepath.Join(in.RunsRoot, runID)

	digest, err := canonicalJSONDigest(in.Experiment)
	if err != nil {
		return RunResult{}, fmt.Errorf("run: digest resolved experiment: %w", err)
	}
	if err := AtomicWriteJSON(filepath.Join(runDir, "resolved_experiment.json"), in.Experiment); err != nil {
		return RunResult{}, fmt.Errorf("run: write resolved_experiment.json: %w", err)
	}
	if err := AtomicWrite(filepath.Join(runDir, "resolved_experiment.digest"), []byte(digest)); err != nil {
		return RunResult{}, fmt.Errorf("run: write resolved_experiment.digest: %w", err)
	}
	manifest := RunManifest{RunID: runID, CreatedAt: now.UTC().Format("2006-01-02T15:04:05Z07:00"), RunnerVersion: RunnerVersion}
	if err := AtomicWriteJSON(filepath.Join(runDir, "manifest.json"), manifest); err != nil {
		return RunResult{}, fmt.Errorf("run: write manifest.json: %w", err)
	}

	rc := RunControl{RunID: runID, Status: RunRunning}
	if err := WriteRunControl(runDir, rc); err != nil {
		return RunResult{}, fmt.Errorf("run: write initial run_control.json: %w", err)
	}
	guard := NewRunGuard(runDir)
	defer guard.Close()

	chains, err := LoadChainStateStore(runDir)
	if err != nil {
		return RunResult{}, fmt.Errorf("run: load chain state store: %w", err)
	}
	artifacts := NewArtifactStore(filepath.Join(runDir, "artifacts"))
	executor := in.Executor
	if executor == nil {
		built, err := NewExecutor(in.Experiment.Runtime.Sandbox.Mode)
		if err != nil {
			return RunResult{}, fmt.Errorf("run: build executor: %w", err)
		}
		executor = built
	}

	variantCount := len(in.Experiment.Design.Variants)
	taskCount := len(in.Tasks)
	scheduleStart := time.Now()
	slots := BuildSchedule(variantCount, taskCount, in.Experiment.Design.Replications, in.Experiment.Design.SchedulingPolicy, in.Experiment.Design.RandomSeed)
	in.Metrics.RecordScheduleBuildDuration(time.Since(scheduleStart))
	tracker := NewPruningTracker(in.Experiment.Policy.Pruning.MaxConsecutiveFailures)

	var results []TrialSlotResult
	ordinal := 0
	finalStatus := RunCompleted

slotLoop:
	for _, slot := range slots {
		select {
		case <-ctx.Done():
			finalStatus = RunFailed
			break slotLoop
		default:
		}
		if tracker.IsPruned(slot.VariantIndex) {
			continue
		}
		ordinal++
		variant := in.Experiment.Design.Variants[slot.VariantIndex]
		task := in.Tasks[slot.TaskIndex]

		rc.ActiveTrialID = TrialID(ordinal)
		rc.ActiveControlPath = trialControlPath(runDir, rc.ActiveTrialID, in.Experiment.Runtime.Harness.ControlPlane.Path)
		if err := WriteRunControl(runDir, rc); err != nil {
			return RunResult{}, fmt.Errorf("run: update active_trial_id: %w", err)
		}

		slotInput := TrialSlotInput{
			RunDir: runDir, RunID: runID, Ordinal: ordinal, Experiment: in.Experiment,
			Variant: variant, TaskIndex: slot.TaskIndex, Task: task.Payload, ReplIndex: slot.ReplIndex,
			ProjectRoot: in.ProjectRoot, DatasetSrc: in.DatasetSrc, PacksRoot: in.PacksRoot, HarnessRoot: in.HarnessRoot,
			BoundaryFiles: task.BoundaryFiles, Mounts: task.Mounts, Budgets: in.Budgets, Timeouts: in.Timeouts,
			Clock: in.Clock, Executor: executor, Chains: chains, Artifacts: artifacts, Metrics: in.Metrics,
		}
		result, err := ExecuteTrialSlot(ctx, slotInput)
		if err != nil {
			return RunResult{}, fmt.Errorf("run: execute %s: %w", slotInput.Variant.ID, err)
		}
		emitter.Emit(emit.Event{RunID: runID, TrialID: result.TrialID, Msg: "trial_finished", Meta: map[string]any{"status": string(result.Status), "outcome": result.Outcome}, Timestamp: in.Clock.Now()})
		results = append(results, result)
		tracker.RecordOutcome(slot.VariantIndex, result.Status == TrialCompleted)

		if in.Index != nil {
			if err := in.Index.Upsert(index.TrialRecord{
				RunID: runID, TrialID: result.TrialID, VariantID: result.VariantID,
				TaskIndex: slot.TaskIndex, ReplIndex: slot.ReplIndex,
				Status: string(result.Status), Outcome: result.Outcome, ExitCode: result.ExitCode,
				StepIndex: result.StepIndex, IndexedAt: in.Clock.Now(),
			}); err != nil {
				return RunResult{}, fmt.Errorf("run: index trial %s: %w", result.TrialID, err)
			}
		}

		if result.PauseRequested {
			finalStatus = RunPaused
			break slotLoop
		}
	}

	if finalStatus != RunPaused {
		rc.ActiveTrialID = ""
		rc.ActiveControlPath = ""
	}
	rc.Status = finalStatus
	if err := WriteRunControl(runDir, rc); err != nil {
		return RunResult{}, fmt.Errorf("run: write final run_control.json: %w", err)
	}
	guard.Complete()

	if finalStatus == RunCompleted {
		if err := WriteBenchmarkOutputs(ctx, BenchmarkInput{
			RunDir: runDir, RunID: runID, Results: results, AdapterCommand: in.BenchmarkAdapterCommand,
		}); err != nil {
			return RunResult{}, fmt.Errorf("run: write benchmark outputs: %w", err)
		}
	}

	var pruned []int
	for v := 0; v < variantCount; v++ {
		if tracker.IsPruned(v) {
			pruned = append(pruned, v)
		}
	}

	return RunResult{RunID: runID, RunDir: runDir, Status: finalStatus, TrialResults: results, PrunedVariants: pruned}, nil
}
