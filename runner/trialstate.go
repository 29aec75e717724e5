package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TrialStatus is the Trial entity's lifecycle status (§3).
type TrialStatus string

const (
	TrialRunning   TrialStatus = "running"
	TrialPaused    TrialStatus = "paused"
	TrialCompleted TrialStatus = "completed"
	TrialFailed    TrialStatus = "failed"
)

// TrialState is the persisted "trial_state.json" document.
type TrialState struct {
	Status             TrialStatus `json:"status"`
	PauseLabel         string      `json:"pause_label,omitempty"`
	CheckpointSelected string      `json:"checkpoint_selected,omitempty"`
	ExitReason         string      `json:"exit_reason,omitempty"`
}

func trialStatePath(trialDir string) string {
	return filepath.Join(trialDir, "trial_state.json")
}

// WriteTrialState atomically persists state to trialDir/trial_state.json.
func WriteTrialState(trialDir string, state TrialState) error {
	return AtomicWriteJSON(trialStatePath(trialDir), state)
}

// ReadTrialState loads trialDir/trial_state.json.
func ReadTrialState(trialDir string) (TrialState, error) {
	data, err := os.ReadFile(trialStatePath(trialDir))
	if err != nil {
		return TrialState{}, fmt.Errorf("trial_state: read: %w", err)
	}
	var state TrialState
	if err := json.Unmarshal(data, &state); err != nil {
		return TrialState{}, fmt.Errorf("trial_state: parse: %w", err)
	}
	return state, nil
}

// TrialStateGuard ensures a trial's on-disk status never rests at "running"
// across an abnormal exit (I4): if the lifecycle function returns without
// calling Complete, Close overwrites trial_state.json with status "failed"
// and exit_reason "aborted".
type TrialStateGuard struct {
	trialDir  string
	completed bool
}

// NewTrialStateGuard installs a guard around a trial already written as
// "running" at trialDir.
func NewTrialStateGuard(trialDir string) *TrialStateGuard {
	return &TrialStateGuard{trialDir: trialDir}
}

// Complete marks the guard satisfied; Close becomes a no-op.
func (g *TrialStateGuard) Complete() {
	g.completed = true
}

// Close forces trial_state.json to {failed, aborted} if Complete was never
// called. Intended for `defer guard.Close()` immediately after the trial's
// "running" state is written.
func (g *TrialStateGuard) Close() error {
	if g.completed {
		return nil
	}
	return WriteTrialState(g.trialDir, TrialState{Status: TrialFailed, ExitReason: "aborted"})
}
