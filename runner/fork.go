package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ForkSelectorKind names which of the three selector grammars a parsed
// ForkSelector uses (§4.6).
type ForkSelectorKind string

const (
	SelectorCheckpoint ForkSelectorKind = "checkpoint"
	SelectorStep       ForkSelectorKind = "step"
	SelectorEventSeq   ForkSelectorKind = "event_seq"
)

// ForkSelector is a parsed "checkpoint:<name>" / "step:<N>" / "event_seq:<N>"
// selector string.
type ForkSelector struct {
	Kind ForkSelectorKind
	Name string
	N    uint64
}

// ParseForkSelector parses "kind:value" into a ForkSelector.
func ParseForkSelector(selector string) (ForkSelector, error) {
	kind, value, ok := strings.Cut(selector, ":")
	if !ok {
		return ForkSelector{}, fmt.Errorf("%w: %q", ErrMalformedSelector, selector)
	}
	switch kind {
	case "checkpoint":
		if strings.TrimSpace(value) == "" {
			return ForkSelector{}, fmt.Errorf("%w: %q", ErrEmptyCheckpointName, selector)
		}
		return ForkSelector{Kind: SelectorCheckpoint, Name: value}, nil
	case "step":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return ForkSelector{}, fmt.Errorf("%w: step must be an integer in %q", ErrMalformedSelector, selector)
		}
		return ForkSelector{Kind: SelectorStep, N: n}, nil
	case "event_seq":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return ForkSelector{}, fmt.Errorf("%w: event_seq must be an integer in %q", ErrMalformedSelector, selector)
		}
		return ForkSelector{Kind: SelectorEventSeq, N: n}, nil
	default:
		return ForkSelector{}, fmt.Errorf("%w: %q", ErrUnknownSelectorKind, kind)
	}
}

// Checkpoint is one harness-declared checkpoint from trial_output.json's
// "checkpoints" array: a logical name and/or path, plus an optional step
// number used by the step/event_seq selector grammars.
type Checkpoint struct {
	LogicalName string
	Path        string
	Step        *uint64
}

// parseCheckpoints extracts the "checkpoints" array from a parsed
// trial_output.json document; a missing or malformed array yields none.
func parseCheckpoints(trialOutput map[string]any) []Checkpoint {
	raw, _ := trialOutput["checkpoints"].([]any)
	checkpoints := make([]Checkpoint, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		cp := Checkpoint{}
		if v, ok := m["logical_name"].(string); ok {
			cp.LogicalName = v
		}
		if v, ok := m["path"].(string); ok {
			cp.Path = v
		}
		if v, ok := m["step"].(float64); ok {
			step := uint64(v)
			cp.Step = &step
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints
}

// resolveSelectorCheckpoint picks the checkpoint selector names out of
// trialOutput's declared checkpoints, resolves its path against trialDir,
// and validates its existence in strict mode. An empty return with no error
// means "no source checkpoint", valid only outside strict mode.
func resolveSelectorCheckpoint(selector ForkSelector, trialOutput map[string]any, trialDir string, strict bool) (string, error) {
	checkpoints := parseCheckpoints(trialOutput)

	var selected *Checkpoint
	switch selector.Kind {
	case SelectorCheckpoint:
		for i := range checkpoints {
			if checkpoints[i].LogicalName == selector.Name || checkpoints[i].Path == selector.Name {
				selected = &checkpoints[i]
				break
			}
		}
	case SelectorStep, SelectorEventSeq:
		var bestStep uint64
		for i := range checkpoints {
			if checkpoints[i].Step == nil || *checkpoints[i].Step > selector.N {
				continue
			}
			if selected == nil || *checkpoints[i].Step > bestStep {
				selected = &checkpoints[i]
				bestStep = *checkpoints[i].Step
			}
		}
	}

	if selected == nil {
		if strict {
			return "", fmt.Errorf("%w: selector did not resolve to a checkpoint", ErrStrictSourceUnavailable)
		}
		return "", nil
	}
	if selected.Path == "" {
		return "", fmt.Errorf("invalid checkpoint entry: missing path")
	}
	resolved := ResolveEventPathForTrial(selected.Path, trialDir)
	if _, err := os.Stat(resolved); err != nil {
		if strict {
			return "", fmt.Errorf("%w: checkpoint path not found %s", ErrStrictSourceUnavailable, resolved)
		}
		return "", nil
	}
	return resolved, nil
}

// ForkManifest is the persisted "forks/<fork_id>/manifest.json" document.
type ForkManifest struct {
	SchemaVersion    string `json:"schema_version"`
	Operation        string `json:"operation"`
	ForkID           string `json:"fork_id"`
	ParentTrialID    string `json:"parent_trial_id"`
	Selector         string `json:"selector"`
	SourceCheckpoint string `json:"source_checkpoint,omitempty"`
	FallbackMode     string `json:"fallback_mode"`
	Strict           bool   `json:"strict"`
	IntegrationLevel string `json:"integration_level"`
	ReplayGrade      string `json:"replay_grade"`
	CreatedAt        string `json:"created_at"`
}

// ForkInput selects the branch point and overlay bindings for a fork.
type ForkInput struct {
	RunDir      string
	ProjectRoot string
	HarnessRoot string
	FromTrial   string
	Selector    string
	SetBindings map[string]any
	Strict      bool
	Clock       Clock
	Executor    Executor
}

// ForkResult reports the outcome of a completed fork.
type ForkResult struct {
	ForkDir          string
	ForkID           string
	ForkTrialID      string
	ParentTrialID    string
	Selector         string
	Strict           bool
	ReplayGrade      string
	SourceCheckpoint string
	FallbackMode     string
	Status           TrialStatus
	ExitReason       string
}

// ForkTrial branches a new trial from a checkpoint, a parent trial's
// workspace, or the project root, overlaying --set bindings on top of the
// parent's input. Holds the run's operation lock for its duration (I2).
func ForkTrial(ctx context.Context, in ForkInput) (ForkResult, error) {
	if in.Clock == nil {
		in.Clock = SystemClock{}
	}
	var result ForkResult
	err := WithOperationLock(in.RunDir, func() error {
		return forkTrialLocked(ctx, in, &result)
	})
	return result, err
}

// forkTrialLocked is ForkTrial's body, factored out so ResumeRun — which
// already holds the operation lock — can invoke it directly without
// re-acquiring a lock it already holds.
func forkTrialLocked(ctx context.Context, in ForkInput, result *ForkResult) error {
	exp, err := loadResolvedExperiment(in.RunDir)
	if err != nil {
		return err
	}
	integrationLevel := exp.Runtime.Harness.IntegrationLevel
	if in.Strict && integrationLevel != "sdk_full" {
		return fmt.Errorf("%w: strict fork requires integration_level sdk_full (found %q)", ErrStrictRequiresSDKFull, integrationLevel)
	}

	parentTrialDir := filepath.Join(in.RunDir, "trials", in.FromTrial)
	if _, statErr := os.Stat(parentTrialDir); statErr != nil {
		return fmt.Errorf("%w: %s", ErrTrialNotFound, in.FromTrial)
	}
	inputDoc, err := loadTrialInputDoc(parentTrialDir)
	if err != nil {
		return err
	}

	parentOutput, err := loadTrialOutputDoc(parentTrialDir)
	if err != nil {
		return err
	}

	parsedSelector, err := ParseForkSelector(in.Selector)
	if err != nil {
		return err
	}
	sourceCheckpoint, err := resolveSelectorCheckpoint(parsedSelector, parentOutput, parentTrialDir, in.Strict)
	if err != nil {
		return err
	}
	if in.Strict && sourceCheckpoint == "" {
		return fmt.Errorf("%w: selector %q did not resolve to a committed checkpoint", ErrStrictSourceUnavailable, in.Selector)
	}

	now := in.Clock.Now()
	forkID := NewForkID(now)
	forkDir := filepath.Join(in.RunDir, "forks", forkID)
	forkTrialID := fmt.Sprintf("%s_%s", in.FromTrial, forkID)

	root := any(inputDoc)
	if err := SetJSONPointerValue(&root, "/ids/trial_id", forkTrialID); err != nil {
		return fmt.Errorf("fork: rewrite trial_id: %w", err)
	}
	if err := ApplyBindingOverrides(inputDoc, in.SetBindings); err != nil {
		return err
	}
	extFork := map[string]any{
		"parent_run_id":   filepath.Base(in.RunDir),
		"parent_trial_id": in.FromTrial,
		"selector":        in.Selector,
		"strict":          in.Strict,
	}
	if sourceCheckpoint != "" {
		extFork["source_checkpoint"] = sourceCheckpoint
	}
	if err := SetJSONPointerValue(&root, "/ext/fork", extFork); err != nil {
		return fmt.Errorf("fork: write fork provenance: %w", err)
	}

	datasetSrc, err := firstFileInDir(filepath.Join(parentTrialDir, "dataset"))
	if err != nil {
		return err
	}
	workspaceSrc := resolveForkWorkspaceSrc(sourceCheckpoint, parentTrialDir, in.ProjectRoot)

	executor, err := resolveExecutor(in.Executor, exp.Runtime.Sandbox.Mode)
	if err != nil {
		return err
	}

	forkTrialDir := filepath.Join(forkDir, "trial_1")
	outcome, err := executeClonedTrial(ctx, clonedTrialInput{
		TrialDir: forkTrialDir, TrialID: forkTrialID, WorkspaceSrc: workspaceSrc, DatasetSrc: datasetSrc,
		InputDoc: inputDoc, Experiment: exp, ProjectRoot: in.ProjectRoot, HarnessRoot: in.HarnessRoot,
		Executor: executor, Clock: in.Clock,
	})
	if err != nil {
		return err
	}

	fallbackMode := "input_only"
	if sourceCheckpoint != "" {
		fallbackMode = "checkpoint"
	}
	grade := replayGradeForIntegration(integrationLevel)
	manifest := ForkManifest{
		SchemaVersion: "fork_manifest_v1", Operation: "fork", ForkID: forkID, ParentTrialID: in.FromTrial,
		Selector: in.Selector, SourceCheckpoint: sourceCheckpoint, FallbackMode: fallbackMode, Strict: in.Strict,
		IntegrationLevel: integrationLevel, ReplayGrade: grade, CreatedAt: now.UTC().Format(time.RFC3339),
	}
	if err := AtomicWriteJSON(filepath.Join(forkDir, "manifest.json"), manifest); err != nil {
		return fmt.Errorf("fork: write manifest.json: %w", err)
	}

	*result = ForkResult{
		ForkDir: forkDir, ForkID: forkID, ForkTrialID: forkTrialID, ParentTrialID: in.FromTrial,
		Selector: in.Selector, Strict: in.Strict, ReplayGrade: grade, SourceCheckpoint: sourceCheckpoint,
		FallbackMode: fallbackMode, Status: outcome.Status, ExitReason: outcome.ExitReason,
	}
	return nil
}

// resolveForkWorkspaceSrc picks the fork's workspace seed: the checkpoint
// directory if it resolved to one, else the parent trial's workspace, else
// the project root (§4.6).
func resolveForkWorkspaceSrc(sourceCheckpoint, parentTrialDir, projectRoot string) string {
	if sourceCheckpoint != "" {
		if info, err := os.Stat(sourceCheckpoint); err == nil && info.IsDir() {
			return sourceCheckpoint
		}
	}
	if _, err := os.Stat(filepath.Join(parentTrialDir, "workspace")); err == nil {
		return filepath.Join(parentTrialDir, "workspace")
	}
	return projectRoot
}
