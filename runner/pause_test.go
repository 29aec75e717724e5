package runner

import (
	"path/filepath"
	"testing"
	"time"
)

// seedPausableRun lays out a minimal run directory with one "running"
// trial and a resolved experiment at the given integration level, without
// actually executing a trial — PauseRun and ResumeRun only read
// resolved_experiment.json, run_control.json, and trial_state.json.
func seedPausableRun(t *testing.T, integrationLevel string) (runDir, trialDir string, experiment ResolvedExperiment) {
	t.Helper()
	runDir = t.TempDir()
	experiment = completeResolvedExperiment()
	experiment.Runtime.Harness.IntegrationLevel = integrationLevel
	experiment.Runtime.Harness.EventsPath = "/state/events.jsonl"
	if err := AtomicWriteJSON(filepath.Join(runDir, "resolved_experiment.json"), experiment); err != nil {
		t.Fatalf("seed resolved_experiment.json: %v", err)
	}

	trialDir = filepath.Join(runDir, "trials", "trial_1")
	if err := WriteTrialState(trialDir, TrialState{Status: TrialRunning}); err != nil {
		t.Fatalf("seed trial_state: %v", err)
	}

	controlPath := trialControlPath(runDir, "trial_1", experiment.Runtime.Harness.ControlPlane.Path)
	if err := WriteControlFile(controlPath, time.Now()); err != nil {
		t.Fatalf("seed control file: %v", err)
	}

	rc := RunControl{RunID: "run_test", Status: RunRunning, ActiveTrialID: "trial_1", ActiveControlPath: controlPath}
	if err := WriteRunControl(runDir, rc); err != nil {
		t.Fatalf("seed run_control: %v", err)
	}
	return runDir, trialDir, experiment
}

// ackHarness simulates an external harness process polling the control
// file and appending matching control_ack lines to the events log, the
// same protocol PauseRun's WaitForControlAck waits on.
func ackHarness(t *testing.T, controlPath, eventsPath string, stop <-chan struct{}) {
	t.Helper()
	acked := map[uint64]bool{}
	for {
		select {
		case <-stop:
			return
		default:
		}
		action, err := ReadControlAction(controlPath)
		if err == nil && action.Seq > 0 && !acked[action.Seq] {
			version, digestErr := canonicalJSONDigest(action)
			if digestErr == nil {
				_ = AppendJSONL(eventsPath, ControlAck{
					EventType:      "control_ack",
					ActionObserved: action.Action,
					ControlVersion: version,
				})
				acked[action.Seq] = true
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPauseRunRoundTrip(t *testing.T) {
	runDir, trialDir, experiment := seedPausableRun(t, "cli_events")
	eventsPath := ResolveEventPathForTrial(experiment.Runtime.Harness.EventsPath, trialDir)
	controlPath := trialControlPath(runDir, "trial_1", experiment.Runtime.Harness.ControlPlane.Path)

	stop := make(chan struct{})
	go ackHarness(t, controlPath, eventsPath, stop)
	defer close(stop)

	result, err := PauseRun(PauseInput{RunDir: runDir, Label: "manual_pause", Clock: fixedClock{t: time.Now()}})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !result.CheckpointOK || !result.StopOK {
		t.Fatalf("expected both acks observed, got %+v", result)
	}

	rc, err := ReadRunControl(runDir)
	if err != nil {
		t.Fatalf("read run_control: %v", err)
	}
	if rc.Status != RunPaused {
		t.Fatalf("expected run paused, got %s", rc.Status)
	}

	state, err := ReadTrialState(trialDir)
	if err != nil {
		t.Fatalf("read trial_state: %v", err)
	}
	if state.Status != TrialPaused || state.PauseLabel != "manual_pause" || state.ExitReason != "paused_by_user" {
		t.Fatalf("unexpected trial_state after pause: %+v", state)
	}
}

func TestPauseRunRejectsLowIntegrationLevel(t *testing.T) {
	runDir, _, _ := seedPausableRun(t, "cli_basic")

	_, err := PauseRun(PauseInput{RunDir: runDir, Clock: fixedClock{t: time.Now()}})
	if err == nil {
		t.Fatalf("expected pause to be rejected for cli_basic integration level")
	}
}

func TestPauseRunRejectsNonActiveTarget(t *testing.T) {
	runDir, _, _ := seedPausableRun(t, "cli_events")

	_, err := PauseRun(PauseInput{RunDir: runDir, TrialID: "trial_99", Clock: fixedClock{t: time.Now()}})
	if err == nil {
		t.Fatalf("expected pause to be rejected for a non-active trial target")
	}
}

func TestPauseRunRejectsWhenRunNotRunning(t *testing.T) {
	runDir, _, _ := seedPausableRun(t, "cli_events")
	rc, err := ReadRunControl(runDir)
	if err != nil {
		t.Fatalf("read run_control: %v", err)
	}
	rc.Status = RunCompleted
	if err := WriteRunControl(runDir, rc); err != nil {
		t.Fatalf("write run_control: %v", err)
	}

	_, err = PauseRun(PauseInput{RunDir: runDir, Clock: fixedClock{t: time.Now()}})
	if err == nil {
		t.Fatalf("expected pause to be rejected when run is not running")
	}
}
