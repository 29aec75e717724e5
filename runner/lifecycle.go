package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TrialRuntimePaths is the runtime_paths block of trial_input.json: the
// paths the harness itself should use, which differ between local_process
// (host paths) and local_docker (container mount points).
type TrialRuntimePaths struct {
	Workspace string `json:"workspace"`
	State     string `json:"state"`
	Dataset   string `json:"dataset"`
	Out       string `json:"out"`
}

// TrialBudgets bounds a harness's resource consumption for one trial.
type TrialBudgets struct {
	MaxSteps       int `json:"max_steps,omitempty"`
	MaxTotalTokens int `json:"max_total_tokens,omitempty"`
	MaxToolCalls   int `json:"max_tool_calls,omitempty"`
}

// TrialTimeouts bounds a harness's wall-clock consumption for one trial.
type TrialTimeouts struct {
	TrialSeconds int `json:"trial_seconds,omitempty"`
}

// TrialInput is the persisted "trial_input.json" document (§4.5 step 6).
type TrialInput struct {
	SchemaVersion    string            `json:"schema_version"`
	IDs              TrialIdentifiers  `json:"ids"`
	Task             any               `json:"task"`
	Bindings         map[string]any    `json:"bindings,omitempty"`
	RuntimePaths     TrialRuntimePaths `json:"runtime_paths"`
	NetworkMode      string            `json:"network_mode"`
	ControlPlanePath string            `json:"control_plane_path"`
	Budgets          *TrialBudgets     `json:"budgets,omitempty"`
	Timeouts         *TrialTimeouts    `json:"timeouts,omitempty"`
}

const trialInputSchema = "trial_input_v1"

// TrialMetadata is the persisted "trial_metadata.json" document (§4.5 step
// 7): the policy merge layers plus this trial's position in its chain.
type TrialMetadata struct {
	PolicyLayers    map[string]PolicySection `json:"policy_layers"`
	EffectivePolicy PolicySection            `json:"effective_policy"`
	ChainStepIndex  int                      `json:"chain_step_index"`
	EventTypeCounts map[string]int           `json:"event_type_counts,omitempty"`
}

// StateInventory is the persisted "state_inventory.json" document (§4.5
// step 13): the effective sandbox and network surface a trial actually ran
// under.
type StateInventory struct {
	SanitizationProfile  string              `json:"sanitization_profile"`
	IntegrationLevel     string              `json:"integration_level"`
	MountTable           []ResolvedTaskMount `json:"mount_table,omitempty"`
	NetworkModeRequested string              `json:"network_mode_requested"`
	NetworkModeEffective string              `json:"network_mode_effective"`
	Enforced             bool                `json:"enforced"`
	HarnessIdentity      string              `json:"harness_identity,omitempty"`
}

// TrialSlotInput bundles everything ExecuteTrialSlot needs to run one
// scheduled (variant, task, repl) slot to completion.
type TrialSlotInput struct {
	RunDir        string
	RunID         string
	Ordinal       int
	Experiment    ResolvedExperiment
	Variant       Variant
	TaskIndex     int
	Task          any
	ReplIndex     int
	ProjectRoot   string
	DatasetSrc    string
	PacksRoot     string
	HarnessRoot   string
	BoundaryFiles []TaskBoundaryFile
	Mounts        []TaskMountRef
	Budgets       *TrialBudgets
	Timeouts      *TrialTimeouts
	PolicyLayers  map[string]PolicySection
	Clock         Clock
	Executor      Executor
	Chains        *ChainStateStore
	Artifacts     *ArtifactStore
	Metrics       *Metrics
}

// TrialSlotResult is ExecuteTrialSlot's report back to the run loop.
type TrialSlotResult struct {
	TrialID        string
	TrialDir       string
	VariantID      string
	StepIndex      int
	Status         TrialStatus
	ExitReason     string
	Outcome        string
	ExitCode       int
	Attempts       int
	PauseRequested bool
}

// ExecuteTrialSlot runs the full per-slot trial lifecycle (§4.5 steps 1–17).
func ExecuteTrialSlot(ctx context.Context, in TrialSlotInput) (TrialSlotResult, error) {
	now := in.Clock.Now()
	trialID := TrialID(in.Ordinal)
	trialDir := filepath.Join(in.RunDir, "trials", trialID)

	// Step 1: allocate and guard.
	if err := WriteTrialState(trialDir, TrialState{Status: TrialRunning}); err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: write initial trial_state: %w", err)
	}
	guard := NewTrialStateGuard(trialDir)
	defer guard.Close()
	in.Metrics.RecordTrialStarted(in.Variant.ID)

	// Step 2: prepare paths.
	paths := NewTrialPaths(trialDir, in.ProjectRoot, in.DatasetSrc)
	if err := paths.Prepare(); err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: prepare paths: %w", err)
	}

	// Step 3: restore chain state.
	statePolicy := ResolveEffectiveStatePolicy(in.Experiment.Policy.StatePolicy, in.Variant.StatePolicyOverride)
	chainLabel := DeriveChainLabel(statePolicy, in.Task, in.TaskIndex)
	sanitizedChain := SanitizeChainKey(chainLabel)
	prior, priorExists := in.Chains.Get(in.Variant.ID, sanitizedChain)
	stepIndex := 0
	if statePolicy != StatePolicyIsolatePerTrial && priorExists {
		if err := CopyWorkspaceTree(prior.LatestSnapshotPath, paths.Workspace); err != nil {
			return TrialSlotResult{}, fmt.Errorf("lifecycle: restore chain workspace: %w", err)
		}
		stepIndex = prior.StepIndex + 1
	}

	// Step 4: materialize task-boundary workspace files.
	if err := MaterializeTaskBoundaryFiles(paths.Workspace, in.BoundaryFiles); err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: materialize boundary files: %w", err)
	}

	// Step 5: resolve task mounts (container-only; no-op list for process mode).
	var resolvedMounts []ResolvedTaskMount
	if in.Experiment.Runtime.Sandbox.Mode == "container" {
		for _, m := range in.Mounts {
			hostPath, err := ResolveTaskMount(m, in.PacksRoot)
			if err != nil {
				return TrialSlotResult{}, fmt.Errorf("lifecycle: resolve task mount: %w", err)
			}
			resolvedMounts = append(resolvedMounts, ResolvedTaskMount{TargetPath: m.TargetPath, HostPath: hostPath})
		}
	}

	ids := TrialIdentifiers{
		RunID: in.RunID, TrialID: trialID, VariantID: in.Variant.ID,
		TaskIndex: in.TaskIndex, ReplIndex: in.ReplIndex,
	}

	controlHostPath := ResolveEventPathForTrial(in.Experiment.Runtime.Harness.ControlPlane.Path, trialDir)
	if err := WriteControlFile(controlHostPath, now); err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: initialize control file: %w", err)
	}

	// Step 6: build and persist trial input.
	containerMode := in.Experiment.Runtime.Sandbox.Mode == "container"
	runtimePaths := TrialRuntimePaths{Workspace: paths.Workspace, State: paths.State, Dataset: paths.Dataset, Out: paths.Out}
	if containerMode {
		runtimePaths = TrialRuntimePaths{Workspace: "/workspace", State: "/state", Dataset: "/dataset", Out: "/out"}
	}
	trialInput := TrialInput{
		SchemaVersion:    trialInputSchema,
		IDs:              ids,
		Task:             in.Task,
		Bindings:         in.Variant.Bindings,
		RuntimePaths:     runtimePaths,
		NetworkMode:      in.Experiment.Runtime.Network.Mode,
		ControlPlanePath: in.Experiment.Runtime.Harness.ControlPlane.Path,
		Budgets:          in.Budgets,
		Timeouts:         in.Timeouts,
	}
	// trial_input.json/trial_output.json always live at a canonical path
	// under trialDir, so evidence refs, resume, replay, and fork never need
	// to know which sandbox mode produced a trial. For local_docker, the
	// harness additionally needs its own copy under the bind-mounted "out"
	// directory, since trialDir itself is never mounted into the container
	// (mirrors the original's prepare_io_paths plus its canonical-copy-back
	// around run_harness_container).
	inputPath := filepath.Join(trialDir, "trial_input.json")
	if err := AtomicWriteJSON(inputPath, trialInput); err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: write trial_input.json: %w", err)
	}
	inputBytes, err := json.Marshal(trialInput)
	if err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: marshal trial_input for stdin: %w", err)
	}
	containerInputPath := inputPath
	containerOutputPath := filepath.Join(trialDir, "trial_output.json")
	if containerMode {
		containerInputPath = filepath.Join(paths.Out, "trial_input.json")
		containerOutputPath = filepath.Join(paths.Out, "trial_output.json")
		if err := AtomicWriteJSON(containerInputPath, trialInput); err != nil {
			return TrialSlotResult{}, fmt.Errorf("lifecycle: write container trial_input.json: %w", err)
		}
	}

	// Step 7: write trial metadata.
	layers := in.PolicyLayers
	if layers == nil {
		layers = map[string]PolicySection{"effective": in.Experiment.Policy}
	}
	metadata := TrialMetadata{PolicyLayers: layers, EffectivePolicy: in.Experiment.Policy, ChainStepIndex: stepIndex}
	if err := AtomicWriteJSON(filepath.Join(trialDir, "trial_metadata.json"), metadata); err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: write trial_metadata.json: %w", err)
	}

	// Step 8: pre-snapshot.
	preSnapshot, err := CaptureWorkspaceSnapshot(paths.Workspace, now)
	if err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: pre-snapshot: %w", err)
	}
	preSnapshotPath := filepath.Join(trialDir, "evidence", "workspace_pre_snapshot.json")
	if err := WriteWorkspaceSnapshot(preSnapshotPath, preSnapshot); err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: write pre-snapshot: %w", err)
	}
	chainRootDir := filepath.Join(in.RunDir, "evidence", "chains", sanitizedChain, "root")
	if stepIndex == 0 {
		if err := CopyWorkspaceTree(paths.Workspace, chainRootDir); err != nil {
			return TrialSlotResult{}, fmt.Errorf("lifecycle: duplicate chain root: %w", err)
		}
	}

	// Steps 9–11: execute with retry.
	outputPath := filepath.Join(trialDir, "trial_output.json")
	maxAttempts := in.Experiment.Policy.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	command := in.Experiment.Runtime.Harness.Command
	if containerMode {
		command = resolveCommandContainer(command, in.ProjectRoot, in.HarnessRoot)
	} else {
		command = resolveCommandLocal(command, in.ProjectRoot)
	}

	var execResult ExecutionResult
	var execErr error
	var outcome string
	attempts := 0
	for attempts < maxAttempts {
		attempts++
		if attempts > 1 {
			in.Metrics.RecordRetryAttempt(in.Variant.ID)
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
			TaskMounts:           resolvedMounts,
			ContainerInputPath:   in.Experiment.Runtime.Harness.InputPath,
			ContainerOutputPath:  in.Experiment.Runtime.Harness.OutputPath,
			ContainerControlPath: in.Experiment.Runtime.Harness.ControlPlane.Path,
		}
		execResult, execErr = in.Executor.Execute(ctx, req)
		if execErr != nil {
			return TrialSlotResult{}, fmt.Errorf("lifecycle: execute attempt %d: %w", attempts, execErr)
		}
		if containerMode {
			if err := copyCanonicalTrialOutput(containerOutputPath, outputPath); err != nil {
				return TrialSlotResult{}, fmt.Errorf("lifecycle: copy trial_output.json from container mount: %w", err)
			}
		}
		outcome = readTrialOutputOutcome(outputPath)
		if !RetryTriggered(in.Experiment.Policy.Retry, execResult.ExitCode, outcome) {
			break
		}
	}

	// Step 10: post-snapshot and diffs.
	postSnapshot, err := CaptureWorkspaceSnapshot(paths.Workspace, now)
	if err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: post-snapshot: %w", err)
	}
	postSnapshotPath := filepath.Join(trialDir, "evidence", "workspace_post_snapshot.json")
	if err := WriteWorkspaceSnapshot(postSnapshotPath, postSnapshot); err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: write post-snapshot: %w", err)
	}
	in.Metrics.RecordChainSnapshotBytes(postSnapshot.TotalBytes)
	incrementalDiff := DiffSnapshots(preSnapshot, postSnapshot)
	incrementalDiffPath := filepath.Join(trialDir, "evidence", "incremental_diff.json")
	if err := WriteSnapshotDiff(incrementalDiffPath, incrementalDiff); err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: write incremental diff: %w", err)
	}
	chainRootSnapshot, err := CaptureWorkspaceSnapshot(chainRootDir, now)
	if err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: snapshot chain root: %w", err)
	}
	cumulativeDiff := DiffSnapshots(chainRootSnapshot, postSnapshot)
	cumulativeDiffPath := filepath.Join(trialDir, "evidence", "cumulative_diff.json")
	if err := WriteSnapshotDiff(cumulativeDiffPath, cumulativeDiff); err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: write cumulative diff: %w", err)
	}

	// Step 12: emit evidence record.
	refs := EvidenceRefs{
		TrialInput: inputPath, TrialOutput: outputPath,
		Stdout: execResult.StdoutPath, Stderr: execResult.StderrPath,
		PreSnapshot: preSnapshotPath, PostSnapshot: postSnapshotPath,
		IncrementalDiff: incrementalDiffPath, CumulativeDiff: cumulativeDiffPath,
	}
	if err := ValidateEvidenceRefs(refs, stepIndex); err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: validate evidence refs: %w", err)
	}

	// Step 13: write state inventory.
	inventory := StateInventory{
		SanitizationProfile:  in.Experiment.Design.SanitizationProfile,
		IntegrationLevel:     in.Experiment.Runtime.Harness.IntegrationLevel,
		MountTable:           resolvedMounts,
		NetworkModeRequested: in.Experiment.Runtime.Network.Mode,
		NetworkModeEffective: in.Experiment.Runtime.Network.Mode,
		Enforced:             in.Experiment.Runtime.Network.Mode != "full",
		HarnessIdentity:      resolveExecDigest(in.Experiment.Runtime.Harness.Command, in.ProjectRoot),
	}
	if err := AtomicWriteJSON(filepath.Join(trialDir, "state_inventory.json"), inventory); err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: write state_inventory.json: %w", err)
	}

	// Diagnostic tally over the harness's own event log, if it declared
	// one; re-persisted onto trial_metadata.json once the log exists,
	// since step 7 ran before the harness had written anything (§4.6
	// diagnostics, grounded on count_event_types).
	if in.Experiment.Runtime.Harness.EventsPath != "" {
		eventsHostPath := ResolveEventPathForTrial(in.Experiment.Runtime.Harness.EventsPath, trialDir)
		if counts, err := countEventTypes(eventsHostPath); err == nil && len(counts) > 0 {
			metadata.EventTypeCounts = counts
			if err := AtomicWriteJSON(filepath.Join(trialDir, "trial_metadata.json"), metadata); err != nil {
				return TrialSlotResult{}, fmt.Errorf("lifecycle: rewrite trial_metadata.json with event counts: %w", err)
			}
		}
	}

	// Step 15 (pause-intent check, ahead of chain-state update since a
	// paused trial still carries state forward if policy says so): classify.
	controlAction, err := ReadControlAction(controlHostPath)
	if err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: read control action: %w", err)
	}
	pauseRequested := controlAction.Action == "stop" && controlAction.RequestedBy == "lab_pause"

	var status TrialStatus
	var exitReason string
	switch {
	case pauseRequested:
		status = TrialPaused
		exitReason = "paused_by_user"
	case execResult.ExitCode == 0 && outcome != "error":
		status = TrialCompleted
	default:
		status = TrialFailed
		if execResult.ExitCode != 0 {
			exitReason = "harness_exit_nonzero"
		} else {
			exitReason = "trial_output_error"
		}
	}

	// Step 14: update chain state (only on a state-carrying, non-failed step).
	if statePolicy != StatePolicyIsolatePerTrial && status != TrialFailed {
		postRef, err := in.Artifacts.PutBytes(mustMarshal(postSnapshot))
		if err != nil {
			return TrialSlotResult{}, fmt.Errorf("lifecycle: store post-snapshot artifact: %w", err)
		}
		postSnapshotDir := filepath.Join(in.RunDir, "evidence", "chains", sanitizedChain, fmt.Sprintf("step_%d", stepIndex))
		if err := CopyWorkspaceTree(paths.Workspace, postSnapshotDir); err != nil {
			return TrialSlotResult{}, fmt.Errorf("lifecycle: materialize chain step snapshot: %w", err)
		}
		next := AdvanceChainState(prior, priorExists, in.Variant.ID, sanitizedChain, postRef, postSnapshotDir)
		if err := in.Chains.Put(next); err != nil {
			return TrialSlotResult{}, fmt.Errorf("lifecycle: persist chain state: %w", err)
		}
	}

	evidenceRecord := EvidenceRecord{
		IDs: ids, Policy: in.Experiment.Policy, Status: status,
		ExitCode: execResult.ExitCode, Outcome: outcome, Refs: refs,
	}
	if err := AppendEvidenceRecord(in.RunDir, evidenceRecord); err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: append evidence record: %w", err)
	}
	chainRecord := TaskChainStateRecord{IDs: ids, StepIndex: stepIndex, IncrementalDiffRef: incrementalDiffPath, CumulativeDiffRef: cumulativeDiffPath}
	chainRecord.Snapshots.Root = chainRootDir
	chainRecord.Snapshots.Post = postSnapshotPath
	if priorExists {
		chainRecord.Snapshots.Prev = prior.LatestSnapshotPath
	}
	if err := AppendTaskChainStateRecord(in.RunDir, chainRecord); err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: append task-chain state record: %w", err)
	}

	finalState := TrialState{Status: status, ExitReason: exitReason}
	if pauseRequested {
		finalState.PauseLabel = controlAction.Label
	}
	if err := WriteTrialState(trialDir, finalState); err != nil {
		return TrialSlotResult{}, fmt.Errorf("lifecycle: write final trial_state: %w", err)
	}
	guard.Complete()
	in.Metrics.RecordTrialOutcome(in.Variant.ID, status)

	// Step 17: apply materialization policy.
	if !pauseRequested {
		if err := ApplyMaterializationPolicy(trialDir, in.Experiment.Policy.Materialization); err != nil {
			return TrialSlotResult{}, fmt.Errorf("lifecycle: apply materialization policy: %w", err)
		}
	}

	return TrialSlotResult{
		TrialID: trialID, TrialDir: trialDir, VariantID: in.Variant.ID, StepIndex: stepIndex, Status: status, ExitReason: exitReason,
		Outcome: outcome, ExitCode: execResult.ExitCode, Attempts: attempts, PauseRequested: pauseRequested,
	}, nil
}

// copyCanonicalTrialOutput copies a container-mode trial's bind-mounted
// trial_output.json back to the canonical path under trialDir, so every
// downstream reader (evidence refs, resume, replay, fork) can assume
// trial_output.json lives at the same place regardless of sandbox mode. A
// harness that never wrote an output file leaves nothing to copy; the
// caller's outcome classification treats that as "missing" (§4.5.1).
func copyCanonicalTrialOutput(containerPath, canonicalPath string) error {
	if containerPath == canonicalPath {
		return nil
	}
	data, err := os.ReadFile(containerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return AtomicWrite(canonicalPath, data)
}

// readTrialOutputOutcome extracts the "outcome" field from trial_output.json,
// reporting "missing" if the file is absent or unparsable.
func readTrialOutputOutcome(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "missing"
	}
	var doc struct {
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc.Outcome == "" {
		return "missing"
	}
	return doc.Outcome
}

// otlpEndpointFor returns the fixed local OTLP endpoint when tracing mode
// is "otlp", else "".
func otlpEndpointFor(tracingMode string) string {
	if tracingMode == "otlp" {
		return "http://localhost:4318"
	}
	return ""
}

// resolveCommandLocal rewrites a harness command's path-like parts to
// absolute paths under the project root, mirroring local_docker's
// container-mount rewrite but for host execution (§4.5.1 local_process).
func resolveCommandLocal(command []string, expDir string) []string {
	resolved := make([]string, len(command))
	for i, part := range command {
		if filepath.IsAbs(part) {
			resolved[i] = part
			continue
		}
		if commandPartLooksLikePath(part) {
			resolved[i] = filepath.Join(expDir, part)
			continue
		}
		resolved[i] = part
	}
	return resolved
}

// resolveExecDigest reports the sha256 digest identifying the harness build
// that ran a trial: the hash of the resolved script file, if the command's
// first or second path-like part resolves to a real file under expDir, else
// the hash of the joined command line itself (§4.5 step 13, grounded on
// resolve_exec_digest).
func resolveExecDigest(command []string, expDir string) string {
	if candidate := resolveCommandDigestTarget(command); candidate != "" {
		hostPath := candidate
		if !filepath.IsAbs(candidate) {
			hostPath = filepath.Join(expDir, candidate)
		}
		if data, err := os.ReadFile(hostPath); err == nil {
			return sha256Hex(data)
		}
	}
	return sha256Hex([]byte(strings.Join(command, " ")))
}

// resolveCommandDigestTarget returns the first command part that looks like
// a script path, checking index 0 then index 1 (to skip a leading
// interpreter such as "python"), or "" if neither does.
func resolveCommandDigestTarget(command []string) string {
	if len(command) == 0 {
		return ""
	}
	if commandPartLooksLikePath(command[0]) {
		return command[0]
	}
	if len(command) >= 2 && commandPartLooksLikePath(command[1]) {
		return command[1]
	}
	return ""
}

// countEventTypes tallies the "event_type" field of each JSONL line in a
// harness's event log. A missing or empty log reports an empty map, not an
// error, since most trials never populate one.
func countEventTypes(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	counts := make(map[string]int)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var doc struct {
			EventType string `json:"event_type"`
		}
		if err := json.Unmarshal([]byte(line), &doc); err != nil || doc.EventType == "" {
			continue
		}
		counts[doc.EventType]++
	}
	return counts, nil
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("lifecycle: marshal: %v", err))
	}
	return b
}
