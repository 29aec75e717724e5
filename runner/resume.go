package runner

import (
	"context"
	"fmt"
	"path/filepath"
)

// ResumeInput selects the paused trial to resume and an optional explicit
// checkpoint label overriding the derived selector.
type ResumeInput struct {
	RunDir      string
	ProjectRoot string
	HarnessRoot string
	TrialID     string // defaults to the run's active (paused) trial
	Label       string // explicit checkpoint selector override
	SetBindings map[string]any
	Strict      bool
	Clock       Clock
	Executor    Executor
}

// ResumeResult reports the outcome of a completed resume.
type ResumeResult struct {
	ForkResult
	Selector string
}

// ResumeRun resumes a paused run: it derives a checkpoint selector from the
// paused trial (explicit label, else its pause_label, else the checkpoint
// with the highest step, ties won by the later entry) and brings the
// derived trial forward as a strict-aware fork. Acquires the run's
// operation lock exactly once and calls the fork's lock-free body directly,
// since OperationLock is not reentrant (§4.6, §5 I2).
func ResumeRun(ctx context.Context, in ResumeInput) (ResumeResult, error) {
	if in.Clock == nil {
		in.Clock = SystemClock{}
	}
	var result ResumeResult
	err := WithOperationLock(in.RunDir, func() error {
		return resumeRunLocked(ctx, in, &result)
	})
	return result, err
}

func resumeRunLocked(ctx context.Context, in ResumeInput, result *ResumeResult) error {
	rc, err := ReadRunControl(in.RunDir)
	if err != nil {
		return err
	}
	if rc.Status != RunPaused {
		return fmt.Errorf("%w: run status is %q", ErrResumeNonPaused, rc.Status)
	}

	trialID := in.TrialID
	if trialID == "" {
		trialID = rc.ActiveTrialID
	}
	if trialID == "" {
		return ErrResumeNoActiveTrial
	}

	trialDir := filepath.Join(in.RunDir, "trials", trialID)
	trialState, err := ReadTrialState(trialDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResumeTrialNotPaused, err)
	}
	if trialState.Status != TrialPaused {
		return fmt.Errorf("%w: trial status is %q", ErrResumeTrialNotPaused, trialState.Status)
	}

	selector, err := resolveResumeSelector(in.Label, trialState, trialDir)
	if err != nil {
		return err
	}

	forkResult := ForkResult{}
	forkErr := forkTrialLocked(ctx, ForkInput{
		RunDir:      in.RunDir,
		ProjectRoot: in.ProjectRoot,
		HarnessRoot: in.HarnessRoot,
		FromTrial:   trialID,
		Selector:    selector,
		SetBindings: in.SetBindings,
		Strict:      in.Strict,
		Clock:       in.Clock,
		Executor:    in.Executor,
	}, &forkResult)
	if forkErr != nil {
		return forkErr
	}

	rc.Status = RunRunning
	rc.ActiveTrialID = forkResult.ForkTrialID
	rc.ActiveControlPath = ""
	if err := WriteRunControl(in.RunDir, rc); err != nil {
		return fmt.Errorf("resume: write run_control: %w", err)
	}

	result.ForkResult = forkResult
	result.Selector = selector
	return nil
}

// resolveResumeSelector derives the fork selector string to resume a paused
// trial with: the explicit label if supplied, else the trial's pause_label,
// else "checkpoint:<name>" for the checkpoint with the highest step (ties
// won by the later entry in trial_output.json's checkpoints array), per
// spec property: checkpoints {a, step 3}, {b, step 5} with no explicit
// label derive "checkpoint:b".
func resolveResumeSelector(label string, state TrialState, trialDir string) (string, error) {
	if label != "" {
		return "checkpoint:" + label, nil
	}
	if state.PauseLabel != "" {
		return "checkpoint:" + state.PauseLabel, nil
	}

	output, err := loadTrialOutputDoc(trialDir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResumeNoTrialOutput, err)
	}
	checkpoints := parseCheckpoints(output)
	if len(checkpoints) == 0 {
		return "", ErrResumeNoCheckpoint
	}

	var best *Checkpoint
	var bestStep uint64
	for i := range checkpoints {
		if checkpoints[i].Step == nil {
			continue
		}
		if best == nil || *checkpoints[i].Step >= bestStep {
			best = &checkpoints[i]
			bestStep = *checkpoints[i].Step
		}
	}
	if best == nil {
		return "", ErrResumeNoCheckpoint
	}
	name := best.LogicalName
	if name == "" {
		name = best.Path
	}
	if name == "" {
		return "", ErrResumeCheckpointNotFound
	}
	return "checkpoint:" + name, nil
}
