// Package emit provides structured event emission for the trial runner.
//
// Emitters observe the runner's own lifecycle (trial start/stop, control
// round-trips, chain-state updates) — they are not the harness event log
// the control plane reads acks from, and they are not a replacement for an
// OTLP receiver; the runner only produces its own telemetry here.
package emit

import "time"

// Event is a single lifecycle observation emitted by the runner.
type Event struct {
	RunID     string         `json:"run_id"`
	TrialID   string         `json:"trial_id,omitempty"`
	Step      int            `json:"step,omitempty"`
	Msg       string         `json:"msg"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
