package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// trialControlPath derives the host-side control-action file path for a
// trial, the same formula the lifecycle executor uses, so replay/fork/
// pause/resume agree with the main schedule loop about where to find it.
func trialControlPath(runDir, trialID, controlPlanePath string) string {
	trialDir := filepath.Join(runDir, "trials", trialID)
	return ResolveEventPathForTrial(controlPlanePath, trialDir)
}

// loadResolvedExperiment reads "<run_dir>/resolved_experiment.json", the
// canonical record every control operation re-reads rather than trusting a
// caller-supplied copy that may have drifted.
func loadResolvedExperiment(runDir string) (ResolvedExperiment, error) {
	data, err := os.ReadFile(filepath.Join(runDir, "resolved_experiment.json"))
	if err != nil {
		return ResolvedExperiment{}, fmt.Errorf("controlops: read resolved_experiment.json: %w", err)
	}
	var exp ResolvedExperiment
	if err := json.Unmarshal(data, &exp); err != nil {
		return ResolvedExperiment{}, fmt.Errorf("controlops: parse resolved_experiment.json: %w", err)
	}
	return exp, nil
}

// loadTrialInputDoc loads a trial's trial_input.json as a generic document,
// so replay/fork can mutate it with JSON-pointer surgery without round
// tripping through the typed TrialInput struct.
func loadTrialInputDoc(trialDir string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(trialDir, "trial_input.json"))
	if err != nil {
		return nil, fmt.Errorf("controlops: read trial_input.json: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("controlops: parse trial_input.json: %w", err)
	}
	return doc, nil
}

// loadTrialOutputDoc loads a trial's trial_output.json as a generic
// document. A missing file is not an error: it reports an empty document,
// since replay/fork source trials may not have produced one yet.
func loadTrialOutputDoc(trialDir string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(trialDir, "trial_output.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("controlops: read trial_output.json: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("controlops: parse trial_output.json: %w", err)
	}
	return doc, nil
}

// firstFileInDir returns the path of the first regular file found in dir,
// mirroring a trial's single-file "dataset/" layout. A missing directory or
// one with no files reports "", nil — the parent trial may not have been
// seeded with a dataset file at all, same as NewTrialPaths treats "" as
// "nothing to copy".
func firstFileInDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("controlops: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", nil
}

// replayGradeForIntegration derives the replay_grade recorded in a replay
// or fork manifest from the harness's integration level (§4.6).
func replayGradeForIntegration(level string) string {
	switch level {
	case "sdk_full":
		return "strict"
	case "sdk_control":
		return "checkpointed"
	default:
		return "best_effort"
	}
}

// integrationLevelRank orders integration tiers low to high, per the
// glossary: cli_basic < cli_events < otel < sdk_control < sdk_full.
var integrationLevelRank = map[string]int{
	"cli_basic":   0,
	"cli_events":  1,
	"otel":        2,
	"sdk_control": 3,
	"sdk_full":    4,
}

// integrationAtLeast reports whether level meets or exceeds min on the
// glossary's integration-level ordering. An unrecognized level ranks below
// every named tier.
func integrationAtLeast(level, min string) bool {
	rank, ok := integrationLevelRank[level]
	if !ok {
		return false
	}
	return rank >= integrationLevelRank[min]
}

// clonedTrialInput bundles what executeClonedTrial needs to run a
// replay/fork trial outside the normal schedule loop: a single execution
// attempt with no retry, no snapshot/diff bookkeeping, and no evidence
// record (§4.6 deliberately runs these as a thinner lifecycle than §4.5).
type clonedTrialInput struct {
	TrialDir     string
	TrialID      string
	WorkspaceSrc string
	DatasetSrc   string
	InputDoc     map[string]any
	Experiment   ResolvedExperiment
	ProjectRoot  string
	HarnessRoot  string
	Executor     Executor
	Clock        Clock
}

// clonedTrialOutcome is executeClonedTrial's report to its caller.
type clonedTrialOutcome struct {
	Status     TrialStatus
	ExitReason string
	ExitCode   int
	Outcome    string
}

// executeClonedTrial runs one replay/fork trial: prepare paths from
// workspaceSrc, persist the (already-mutated) input document, execute once,
// and classify the result exactly as the main lifecycle does in step 15 —
// but without retry, snapshots, or evidence records, matching the original's
// replay/fork trial execution.
func executeClonedTrial(ctx context.Context, in clonedTrialInput) (clonedTrialOutcome, error) {
	if err := WriteTrialState(in.TrialDir, TrialState{Status: TrialRunning}); err != nil {
		return clonedTrialOutcome{}, fmt.Errorf("cloned_trial: write initial trial_state: %w", err)
	}
	guard := NewTrialStateGuard(in.TrialDir)
	defer guard.Close()

	paths := NewTrialPaths(in.TrialDir, in.WorkspaceSrc, in.DatasetSrc)
	if err := paths.Prepare(); err != nil {
		return clonedTrialOutcome{}, fmt.Errorf("cloned_trial: prepare paths: %w", err)
	}

	inputBytes, err := json.MarshalIndent(in.InputDoc, "", "  ")
	if err != nil {
		return clonedTrialOutcome{}, fmt.Errorf("cloned_trial: marshal input: %w", err)
	}

	containerMode := in.Experiment.Runtime.Sandbox.Mode == "container"
	inputPath := filepath.Join(in.TrialDir, "trial_input.json")
	if err := AtomicWrite(inputPath, inputBytes); err != nil {
		return clonedTrialOutcome{}, fmt.Errorf("cloned_trial: write trial_input.json: %w", err)
	}
	containerInputPath := inputPath
	outputPath := filepath.Join(in.TrialDir, "trial_output.json")
	containerOutputPath := outputPath
	if containerMode {
		containerInputPath = filepath.Join(paths.Out, "trial_input.json")
		containerOutputPath = filepath.Join(paths.Out, "trial_output.json")
		if err := AtomicWrite(containerInputPath, inputBytes); err != nil {
			return clonedTrialOutcome{}, fmt.Errorf("cloned_trial: write container trial_input.json: %w", err)
		}
	}

	now := in.Clock.Now()
	controlHostPath := ResolveEventPathForTrial(in.Experiment.Runtime.Harness.ControlPlane.Path, in.TrialDir)
	if err := WriteControlFile(controlHostPath, now); err != nil {
		return clonedTrialOutcome{}, fmt.Errorf("cloned_trial: initialize control file: %w", err)
	}

	command := in.Experiment.Runtime.Harness.Command
	if containerMode {
		command = resolveCommandContainer(command, in.ProjectRoot, in.HarnessRoot)
	} else {
		command = resolveCommandLocal(command, in.ProjectRoot)
	}

	req := ExecuteRequest{
		Command:              command,
		Paths:                paths,
		InputPath:            containerInputPath,
		OutputPath:           containerOutputPath,
		ControlPath:          controlHostPath,
		HarnessRoot:          in.HarnessRoot,
		OTLPEndpoint:         otlpEndpointFor(in.Experiment.Runtime.Tracing),
		InputBytes:           inputBytes,
		Sandbox:              in.Experiment.Runtime.Sandbox,
		NetworkMode:          in.Experiment.Runtime.Network.Mode,
		SetupCommand:         in.Experiment.Runtime.Harness.SetupCommand,
		ContainerInputPath:   in.Experiment.Runtime.Harness.InputPath,
		ContainerOutputPath:  in.Experiment.Runtime.Harness.OutputPath,
		ContainerControlPath: in.Experiment.Runtime.Harness.ControlPlane.Path,
	}
	execResult, err := in.Executor.Execute(ctx, req)
	if err != nil {
		return clonedTrialOutcome{}, fmt.Errorf("cloned_trial: execute: %w", err)
	}
	if containerMode {
		if err := copyCanonicalTrialOutput(containerOutputPath, outputPath); err != nil {
			return clonedTrialOutcome{}, fmt.Errorf("cloned_trial: copy trial_output.json from container mount: %w", err)
		}
	}
	outcome := readTrialOutputOutcome(outputPath)

	var status TrialStatus
	var exitReason string
	if execResult.ExitCode == 0 && outcome != "error" {
		status = TrialCompleted
	} else {
		status = TrialFailed
		if execResult.ExitCode != 0 {
			exitReason = "harness_exit_nonzero"
		} else {
			exitReason = "trial_output_error"
		}
	}
	if err := WriteTrialState(in.TrialDir, TrialState{Status: status, ExitReason: exitReason}); err != nil {
		return clonedTrialOutcome{}, fmt.Errorf("cloned_trial: write final trial_state: %w", err)
	}
	guard.Complete()

	return clonedTrialOutcome{Status: status, ExitReason: exitReason, ExitCode: execResult.ExitCode, Outcome: outcome}, nil
}

// resolveExecutor returns override if non-nil, else builds the executor
// named by the experiment's sandbox mode — the same fallback RunExperiment
// uses for its own trial slots.
func resolveExecutor(override Executor, sandboxMode string) (Executor, error) {
	if override != nil {
		return override, nil
	}
	return NewExecutor(sandboxMode)
}
