package runner

import (
	"fmt"
	"regexp"
	"time"
)

// Clock abstracts time.Now so id generation and timestamps are testable.
// Production code uses SystemClock; tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// NewRunID produces a run identifier of the form "run_<YYYYMMDD_HHMMSS>".
func NewRunID(now time.Time) string {
	return fmt.Sprintf("run_%s", now.Format("20060102_150405"))
}

// NewReplayID produces a replay identifier "replay_<YYYYMMDD_HHMMSS>".
func NewReplayID(now time.Time) string {
	return fmt.Sprintf("replay_%s", now.Format("20060102_150405"))
}

// NewForkID produces a fork identifier "fork_<YYYYMMDD_HHMMSS>".
func NewForkID(now time.Time) string {
	return fmt.Sprintf("fork_%s", now.Format("20060102_150405"))
}

// TrialID produces "trial_<N>" for the given 1-based ordinal.
func TrialID(ordinal int) string {
	return fmt.Sprintf("trial_%d", ordinal)
}

var unsafeChainChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeChainKey maps an arbitrary chain label to a filesystem-safe
// string: any character outside [A-Za-z0-9_-] becomes '_'; an empty result
// becomes "chain" (§4.3).
func SanitizeChainKey(label string) string {
	sanitized := unsafeChainChars.ReplaceAllString(label, "_")
	if sanitized == "" {
		return "chain"
	}
	return sanitized
}
