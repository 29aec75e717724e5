package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseForkSelectorVariants(t *testing.T) {
	cases := []struct {
		in      string
		wantErr error
	}{
		{"checkpoint:cp1", nil},
		{"checkpoint:", ErrEmptyCheckpointName},
		{"step:3", nil},
		{"step:abc", ErrMalformedSelector},
		{"event_seq:7", nil},
		{"event_seq:abc", ErrMalformedSelector},
		{"bogus", ErrMalformedSelector},
		{"wat:cp1", ErrUnknownSelectorKind},
	}
	for _, c := range cases {
		_, err := ParseForkSelector(c.in)
		if c.wantErr == nil && err != nil {
			t.Errorf("%q: unexpected error %v", c.in, err)
		}
		if c.wantErr != nil && !errors.Is(err, c.wantErr) {
			t.Errorf("%q: expected %v, got %v", c.in, c.wantErr, err)
		}
	}
}

// checkpointExecutor writes a trial_output.json declaring a single
// checkpoint at "/state/cp1" (step 3) and, when withFile is set, a real
// checkpoint file at the corresponding host path so strict resolution can
// succeed.
type checkpointExecutor struct {
	withFile bool
}

func (c *checkpointExecutor) Execute(ctx context.Context, req ExecuteRequest) (ExecutionResult, error) {
	if c.withFile {
		if err := os.MkdirAll(req.Paths.State, 0o755); err != nil {
			return ExecutionResult{}, err
		}
		if err := os.WriteFile(filepath.Join(req.Paths.State, "cp1"), []byte("checkpoint"), 0o644); err != nil {
			return ExecutionResult{}, err
		}
	}
	doc := map[string]any{
		"schema_version": "trial_output_v1",
		"outcome":        "success",
		"checkpoints": []map[string]any{
			{"logical_name": "cp1", "path": "/state/cp1", "step": 3},
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return ExecutionResult{}, err
	}
	if err := AtomicWrite(req.OutputPath, b); err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{
		StdoutPath: filepath.Join(req.Paths.TrialDir, "harness_stdout.log"),
		StderrPath: filepath.Join(req.Paths.TrialDir, "harness_stderr.log"),
	}, nil
}

func runOneTrialWithCheckpoint(t *testing.T, withFile bool) (RunResult, RunInput) {
	t.Helper()
	in := baseRunInput(t)
	in.Experiment.Design.Variants = []Variant{{ID: "baseline"}}
	in.Executor = &checkpointExecutor{withFile: withFile}
	result, err := RunExperiment(context.Background(), in)
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("expected seed run to complete, got %s", result.Status)
	}
	return result, in
}

func TestForkTrialResolvesCheckpointAndSeedsWorkspace(t *testing.T) {
	seed, seedIn := runOneTrialWithCheckpoint(t, true)

	forkResult, err := ForkTrial(context.Background(), ForkInput{
		RunDir:      seed.RunDir,
		ProjectRoot: seedIn.ProjectRoot,
		FromTrial:   seed.TrialResults[0].TrialID,
		Selector:    "checkpoint:cp1",
		Clock:       fixedClock{t: time.Date(2026, 7, 30, 3, 0, 0, 0, time.UTC)},
		Executor:    &sequencedExecutor{nextOutcome: func() string { return "success" }},
	})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if forkResult.SourceCheckpoint == "" {
		t.Fatalf("expected a resolved source checkpoint")
	}
	if forkResult.FallbackMode != "checkpoint" {
		t.Fatalf("expected fallback_mode=checkpoint, got %s", forkResult.FallbackMode)
	}
	if forkResult.Status != TrialCompleted {
		t.Fatalf("expected fork trial to complete, got %s", forkResult.Status)
	}
}

func TestForkTrialStepSelectorPicksLatestAtOrBelow(t *testing.T) {
	seed, seedIn := runOneTrialWithCheckpoint(t, true)

	forkResult, err := ForkTrial(context.Background(), ForkInput{
		RunDir:      seed.RunDir,
		ProjectRoot: seedIn.ProjectRoot,
		FromTrial:   seed.TrialResults[0].TrialID,
		Selector:    "step:10",
		Clock:       fixedClock{t: time.Date(2026, 7, 30, 3, 0, 0, 0, time.UTC)},
		Executor:    &sequencedExecutor{nextOutcome: func() string { return "success" }},
	})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if forkResult.FallbackMode != "checkpoint" {
		t.Fatalf("expected step:10 to resolve the step-3 checkpoint, got fallback_mode=%s", forkResult.FallbackMode)
	}
}

func TestForkTrialNonStrictFallsBackToInputOnly(t *testing.T) {
	seed, seedIn := runOneTrialWithCheckpoint(t, false)

	forkResult, err := ForkTrial(context.Background(), ForkInput{
		RunDir:      seed.RunDir,
		ProjectRoot: seedIn.ProjectRoot,
		FromTrial:   seed.TrialResults[0].TrialID,
		Selector:    "checkpoint:cp1",
		Strict:      false,
		Clock:       fixedClock{t: time.Date(2026, 7, 30, 3, 0, 0, 0, time.UTC)},
		Executor:    &sequencedExecutor{nextOutcome: func() string { return "success" }},
	})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if forkResult.FallbackMode != "input_only" || forkResult.SourceCheckpoint != "" {
		t.Fatalf("expected input_only fallback with no source checkpoint, got %+v", forkResult)
	}
}

func TestForkTrialStrictRejectsNonSDKFullIntegration(t *testing.T) {
	seed, seedIn := runOneTrialWithCheckpoint(t, false)

	_, err := ForkTrial(context.Background(), ForkInput{
		RunDir:      seed.RunDir,
		ProjectRoot: seedIn.ProjectRoot,
		FromTrial:   seed.TrialResults[0].TrialID,
		Selector:    "checkpoint:cp1",
		Strict:      true,
		Clock:       fixedClock{t: time.Date(2026, 7, 30, 3, 0, 0, 0, time.UTC)},
		Executor:    &sequencedExecutor{nextOutcome: func() string { return "success" }},
	})
	if !errors.Is(err, ErrStrictRequiresSDKFull) {
		t.Fatalf("expected strict fork to be rejected for non-sdk_full integration, got %v", err)
	}
}

func TestForkTrialSetBindingsOverlayParentInput(t *testing.T) {
	seed, seedIn := runOneTrialWithCheckpoint(t, true)

	forkResult, err := ForkTrial(context.Background(), ForkInput{
		RunDir:      seed.RunDir,
		ProjectRoot: seedIn.ProjectRoot,
		FromTrial:   seed.TrialResults[0].TrialID,
		Selector:    "checkpoint:cp1",
		SetBindings: map[string]any{"model.temperature": 0.2},
		Clock:       fixedClock{t: time.Date(2026, 7, 30, 3, 0, 0, 0, time.UTC)},
		Executor:    &sequencedExecutor{nextOutcome: func() string { return "success" }},
	})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(forkResult.ForkDir, "trial_1", "trial_input.json"))
	if err != nil {
		t.Fatalf("read cloned trial_input.json: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse cloned trial_input.json: %v", err)
	}
	bindings, _ := doc["bindings"].(map[string]any)
	model, _ := bindings["model"].(map[string]any)
	if model["temperature"] != 0.2 {
		t.Fatalf("expected overlay binding model.temperature=0.2, got %+v", doc["bindings"])
	}
}
