package runner

import (
	"fmt"
	"path/filepath"
	"time"
)

// ackTimeout bounds how long PauseRun waits for each control action's ack
// before failing (spec scenario: external ack writer replies within 2s).
const ackTimeout = 5 * time.Second

// PauseInput names the run and the trial believed to be active.
type PauseInput struct {
	RunDir      string
	TrialID     string
	Label       string
	RequestedBy string
	Clock       Clock
	Metrics     *Metrics
}

// PauseResult reports the outcome of a completed pause.
type PauseResult struct {
	TrialID      string
	CheckpointOK bool
	StopOK       bool
}

// PauseRun legally pauses a running experiment: the run must be "running"
// and the harness's integration level must be cli_events or higher (it
// requires an events path to observe acks). Writes a "checkpoint" control
// action, waits for its ack, then a "stop" action, waits for its ack, then
// transitions trial and run state to paused (§4.6).
func PauseRun(in PauseInput) (PauseResult, error) {
	if in.Clock == nil {
		in.Clock = SystemClock{}
	}
	var result PauseResult
	err := WithOperationLock(in.RunDir, func() error {
		return pauseRunLocked(in, &result)
	})
	return result, err
}

func pauseRunLocked(in PauseInput, result *PauseResult) error {
	rc, err := ReadRunControl(in.RunDir)
	if err != nil {
		return err
	}
	if rc.Status != RunRunning {
		return fmt.Errorf("%w: run status is %q", ErrPauseNonRunning, rc.Status)
	}
	if rc.ActiveTrialID == "" {
		return ErrPauseNoActiveTrial
	}
	if in.TrialID != "" && in.TrialID != rc.ActiveTrialID {
		return fmt.Errorf("%w: requested %q, active is %q", ErrPauseTargetNotActive, in.TrialID, rc.ActiveTrialID)
	}
	trialID := rc.ActiveTrialID

	exp, err := loadResolvedExperiment(in.RunDir)
	if err != nil {
		return err
	}
	if !integrationAtLeast(exp.Runtime.Harness.IntegrationLevel, "cli_events") {
		return fmt.Errorf("%w: integration_level %q", ErrUnsupportedIntegrationTier, exp.Runtime.Harness.IntegrationLevel)
	}
	if exp.Runtime.Harness.EventsPath == "" {
		return ErrPauseRequiresEventsPath
	}

	controlHostPath := rc.ActiveControlPath
	if controlHostPath == "" {
		controlHostPath = trialControlPath(in.RunDir, trialID, exp.Runtime.Harness.ControlPlane.Path)
	}
	if controlHostPath == "" {
		return ErrPauseMissingControlPath
	}
	trialDir := filepath.Join(in.RunDir, "trials", trialID)
	eventsHostPath := ResolveEventPathForTrial(exp.Runtime.Harness.EventsPath, trialDir)

	seq, err := ReadControlSeq(controlHostPath)
	if err != nil {
		return err
	}
	now := in.Clock.Now()
	requestedBy := in.RequestedBy
	if requestedBy == "" {
		requestedBy = "lab_pause"
	}

	checkpointSeq := seq + 1
	checkpointVersion, err := WriteControlAction(controlHostPath, checkpointSeq, "checkpoint", in.Label, requestedBy, now)
	if err != nil {
		return err
	}
	checkpointWaitStart := time.Now()
	if err := WaitForControlAck(eventsHostPath, "checkpoint", checkpointVersion, now.Add(ackTimeout)); err != nil {
		return err
	}
	in.Metrics.RecordControlAckLatency("checkpoint", time.Since(checkpointWaitStart))
	result.CheckpointOK = true

	stopSeq := checkpointSeq + 1
	stopVersion, err := WriteControlAction(controlHostPath, stopSeq, "stop", in.Label, requestedBy, now)
	if err != nil {
		return err
	}
	stopWaitStart := time.Now()
	if err := WaitForControlAck(eventsHostPath, "stop", stopVersion, now.Add(ackTimeout)); err != nil {
		return err
	}
	in.Metrics.RecordControlAckLatency("stop", time.Since(stopWaitStart))
	result.StopOK = true

	if err := WriteTrialState(trialDir, TrialState{
		Status:     TrialPaused,
		PauseLabel: in.Label,
		ExitReason: "paused_by_user",
	}); err != nil {
		return fmt.Errorf("pause: write trial_state: %w", err)
	}

	rc.Status = RunPaused
	if err := WriteRunControl(in.RunDir, rc); err != nil {
		return fmt.Errorf("pause: write run_control: %w", err)
	}

	result.TrialID = trialID
	return nil
}
