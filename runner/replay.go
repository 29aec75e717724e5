package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ReplayManifest is the persisted "replays/<replay_id>/manifest.json"
// document (§4.6).
type ReplayManifest struct {
	SchemaVersion    string `json:"schema_version"`
	Operation        string `json:"operation"`
	ReplayID         string `json:"replay_id"`
	ParentTrialID    string `json:"parent_trial_id"`
	Strict           bool   `json:"strict"`
	IntegrationLevel string `json:"integration_level"`
	ReplayGrade      string `json:"replay_grade"`
	CreatedAt        string `json:"created_at"`
}

// ReplayInput selects the parent trial to re-run and the mode to re-run it
// in.
type ReplayInput struct {
	RunDir      string
	ProjectRoot string
	HarnessRoot string
	TrialID     string
	Strict      bool
	Clock       Clock
	Executor    Executor // override; nil builds from the resolved experiment's sandbox mode
}

// ReplayResult reports the outcome of a completed replay.
type ReplayResult struct {
	ReplayDir     string
	ReplayID      string
	ReplayTrialID string
	ParentTrialID string
	Strict        bool
	ReplayGrade   string
	Status        TrialStatus
	ExitReason    string
}

// ReplayTrial re-runs a completed trial under a fresh trial_id, cloning its
// trial_input.json and seeding its workspace from the parent trial (or the
// project root if the parent's workspace was already materialized away).
// Holds the run's operation lock for its duration (I2).
func ReplayTrial(ctx context.Context, in ReplayInput) (ReplayResult, error) {
	if in.Clock == nil {
		in.Clock = SystemClock{}
	}
	var result ReplayResult
	err := WithOperationLock(in.RunDir, func() error {
		return replayTrialLocked(ctx, in, &result)
	})
	return result, err
}

func replayTrialLocked(ctx context.Context, in ReplayInput, result *ReplayResult) error {
	exp, err := loadResolvedExperiment(in.RunDir)
	if err != nil {
		return err
	}
	integrationLevel := exp.Runtime.Harness.IntegrationLevel
	if in.Strict && integrationLevel != "sdk_full" {
		return fmt.Errorf("%w: strict replay requires integration_level sdk_full (found %q)", ErrStrictRequiresSDKFull, integrationLevel)
	}

	parentTrialDir := filepath.Join(in.RunDir, "trials", in.TrialID)
	if _, statErr := os.Stat(parentTrialDir); statErr != nil {
		return fmt.Errorf("%w: %s", ErrTrialNotFound, in.TrialID)
	}
	inputDoc, err := loadTrialInputDoc(parentTrialDir)
	if err != nil {
		return err
	}

	now := in.Clock.Now()
	replayID := NewReplayID(now)
	replayDir := filepath.Join(in.RunDir, "replays", replayID)
	replayTrialID := fmt.Sprintf("%s_%s", in.TrialID, replayID)

	root := any(inputDoc)
	if err := SetJSONPointerValue(&root, "/ids/trial_id", replayTrialID); err != nil {
		return fmt.Errorf("replay: rewrite trial_id: %w", err)
	}

	datasetSrc, err := firstFileInDir(filepath.Join(parentTrialDir, "dataset"))
	if err != nil {
		return err
	}
	workspaceSrc := filepath.Join(parentTrialDir, "workspace")
	if _, statErr := os.Stat(workspaceSrc); statErr != nil {
		workspaceSrc = in.ProjectRoot
	}

	executor, err := resolveExecutor(in.Executor, exp.Runtime.Sandbox.Mode)
	if err != nil {
		return err
	}

	replayTrialDir := filepath.Join(replayDir, "trial_1")
	outcome, err := executeClonedTrial(ctx, clonedTrialInput{
		TrialDir: replayTrialDir, TrialID: replayTrialID, WorkspaceSrc: workspaceSrc, DatasetSrc: datasetSrc,
		InputDoc: inputDoc, Experiment: exp, ProjectRoot: in.ProjectRoot, HarnessRoot: in.HarnessRoot,
		Executor: executor, Clock: in.Clock,
	})
	if err != nil {
		return err
	}

	grade := replayGradeForIntegration(integrationLevel)
	manifest := ReplayManifest{
		SchemaVersion: "replay_manifest_v1", Operation: "replay", ReplayID: replayID,
		ParentTrialID: in.TrialID, Strict: in.Strict, IntegrationLevel: integrationLevel,
		ReplayGrade: grade, CreatedAt: now.UTC().Format(time.RFC3339),
	}
	if err := AtomicWriteJSON(filepath.Join(replayDir, "manifest.json"), manifest); err != nil {
		return fmt.Errorf("replay: write manifest.json: %w", err)
	}

	*result = ReplayResult{
		ReplayDir: replayDir, ReplayID: replayID, ReplayTrialID: replayTrialID, ParentTrialID: in.TrialID,
		Strict: in.Strict, ReplayGrade: grade, Status: outcome.Status, ExitReason: outcome.ExitReason,
	}
	return nil
}
