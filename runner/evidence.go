package runner

import (
	"fmt"
	"path/filepath"
)

// TrialIdentifiers names the run/trial/variant/task/repl a record belongs
// to, embedded in both evidence records and task-chain state records.
type TrialIdentifiers struct {
	RunID     string `json:"run_id"`
	TrialID   string `json:"trial_id"`
	VariantID string `json:"variant_id"`
	TaskIndex int    `json:"task_index"`
	ReplIndex int     `json:"repl_index"`
}

// EvidenceRefs collects the content-addressed or path references an
// evidence record carries (§3, §4.5 step 12).
type EvidenceRefs struct {
	TrialInput       string `json:"trial_input"`
	TrialOutput      string `json:"trial_output"`
	Stdout           string `json:"stdout"`
	Stderr           string `json:"stderr"`
	HookEvents       string `json:"hook_events,omitempty"`
	PreSnapshot      string `json:"pre_snapshot"`
	PostSnapshot     string `json:"post_snapshot"`
	IncrementalDiff  string `json:"incremental_diff"`
	CumulativeDiff   string `json:"cumulative_diff"`
	Patch            string `json:"patch,omitempty"`
}

// EvidenceRecord is one line of evidence/evidence_records.jsonl.
type EvidenceRecord struct {
	IDs      TrialIdentifiers `json:"ids"`
	Policy   PolicySection    `json:"policy"`
	Status   TrialStatus      `json:"status"`
	ExitCode int              `json:"exit_code"`
	Outcome  string           `json:"outcome"`
	Refs     EvidenceRefs     `json:"refs"`
}

// TaskChainStateRecord is one line of evidence/task_chain_states.jsonl,
// mirroring the chain-state store's view after this trial.
type TaskChainStateRecord struct {
	IDs       TrialIdentifiers `json:"ids"`
	Snapshots struct {
		Root string `json:"root"`
		Prev string `json:"prev,omitempty"`
		Post string `json:"post"`
	} `json:"snapshots"`
	IncrementalDiffRef string `json:"incremental_diff_ref"`
	CumulativeDiffRef  string `json:"cumulative_diff_ref"`
	StepIndex          int    `json:"step_index"`
}

func evidenceRecordsPath(runDir string) string { return filepath.Join(runDir, "evidence", "evidence_records.jsonl") }
func taskChainStatesPath(runDir string) string { return filepath.Join(runDir, "evidence", "task_chain_states.jsonl") }

// AppendEvidenceRecord appends one line to evidence/evidence_records.jsonl.
func AppendEvidenceRecord(runDir string, rec EvidenceRecord) error {
	return AppendJSONL(evidenceRecordsPath(runDir), rec)
}

// AppendTaskChainStateRecord appends one line to evidence/task_chain_states.jsonl.
func AppendTaskChainStateRecord(runDir string, rec TaskChainStateRecord) error {
	return AppendJSONL(taskChainStatesPath(runDir), rec)
}

// RequiredEvidenceClasses returns the evidence ref fields that must be
// non-empty for a completed trial. The set depends only on stepIndex; the
// trial's effective policy is not consulted. Chain-step records only require
// a cumulative diff once step_index > 0.
func RequiredEvidenceClasses(stepIndex int) []string {
	base := []string{"trial_input", "trial_output", "stdout", "stderr", "pre_snapshot", "post_snapshot", "incremental_diff"}
	if stepIndex > 0 {
		base = append(base, "cumulative_diff")
	}
	return base
}

// ValidateEvidenceRefs checks that every ref named by RequiredEvidenceClasses
// is populated, returning ErrMissingField (wrapped with the ref name) for
// the first violation.
func ValidateEvidenceRefs(refs EvidenceRefs, stepIndex int) error {
	values := map[string]string{
		"trial_input":      refs.TrialInput,
		"trial_output":     refs.TrialOutput,
		"stdout":            refs.Stdout,
		"stderr":            refs.Stderr,
		"pre_snapshot":      refs.PreSnapshot,
		"post_snapshot":     refs.PostSnapshot,
		"incremental_diff":  refs.IncrementalDiff,
		"cumulative_diff":   refs.CumulativeDiff,
	}
	for _, class := range RequiredEvidenceClasses(stepIndex) {
		if values[class] == "" {
			return fmt.Errorf("%w: evidence ref %q", ErrMissingField, class)
		}
	}
	return nil
}
