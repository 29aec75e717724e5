package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func runOneCompletedTrial(t *testing.T) (RunResult, RunInput) {
	t.Helper()
	in := baseRunInput(t)
	in.Experiment.Design.Variants = []Variant{{ID: "baseline"}}
	in.Executor = &sequencedExecutor{nextOutcome: func() string { return "success" }}
	result, err := RunExperiment(context.Background(), in)
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("expected seed run to complete, got %s", result.Status)
	}
	return result, in
}

func TestReplayTrialClonesAndExecutes(t *testing.T) {
	seed, seedIn := runOneCompletedTrial(t)

	replayResult, err := ReplayTrial(context.Background(), ReplayInput{
		RunDir:      seed.RunDir,
		ProjectRoot: seedIn.ProjectRoot,
		TrialID:     seed.TrialResults[0].TrialID,
		Clock:       fixedClock{t: time.Date(2026, 7, 30, 2, 0, 0, 0, time.UTC)},
		Executor:    &sequencedExecutor{nextOutcome: func() string { return "success" }},
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayResult.Status != TrialCompleted {
		t.Fatalf("expected replay to complete, got %s", replayResult.Status)
	}
	if replayResult.ReplayGrade != "best_effort" {
		t.Fatalf("expected best_effort grade for cli_events integration, got %s", replayResult.ReplayGrade)
	}
	manifestPath := filepath.Join(replayResult.ReplayDir, "manifest.json")
	if _, err := os.Stat(manifestPath); err != nil {
		t.Fatalf("expected manifest.json: %v", err)
	}

	clonedInputPath := filepath.Join(replayResult.ReplayDir, "trial_1", "trial_input.json")
	if _, err := os.Stat(clonedInputPath); err != nil {
		t.Fatalf("expected cloned trial_input.json: %v", err)
	}
}

func TestReplayTrialStrictRequiresSDKFull(t *testing.T) {
	seed, seedIn := runOneCompletedTrial(t)

	_, err := ReplayTrial(context.Background(), ReplayInput{
		RunDir:      seed.RunDir,
		ProjectRoot: seedIn.ProjectRoot,
		TrialID:     seed.TrialResults[0].TrialID,
		Strict:      true,
		Clock:       fixedClock{t: time.Date(2026, 7, 30, 2, 0, 0, 0, time.UTC)},
		Executor:    &sequencedExecutor{nextOutcome: func() string { return "success" }},
	})
	if !errors.Is(err, ErrStrictRequiresSDKFull) {
		t.Fatalf("expected ErrStrictRequiresSDKFull, got %v", err)
	}
}

func TestReplayTrialUnknownParentFails(t *testing.T) {
	seed, seedIn := runOneCompletedTrial(t)

	_, err := ReplayTrial(context.Background(), ReplayInput{
		RunDir:      seed.RunDir,
		ProjectRoot: seedIn.ProjectRoot,
		TrialID:     "trial_99",
		Clock:       fixedClock{t: time.Date(2026, 7, 30, 2, 0, 0, 0, time.UTC)},
		Executor:    &sequencedExecutor{nextOutcome: func() string { return "success" }},
	})
	if !errors.Is(err, ErrTrialNotFound) {
		t.Fatalf("expected ErrTrialNotFound, got %v", err)
	}
}
