package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ChainState is the continuity record for one (variant, chain) pair: the
// chain's root snapshot (established on the first step), its latest
// snapshot (post-step of the most recent trial), and a zero-based step
// index. It is updated only after a successful snapshot and only when the
// effective state policy preserves state (I5).
type ChainState struct {
	VariantID          string `json:"variant_id"`
	ChainLabel         string `json:"chain_label"`
	RootSnapshotRef    string `json:"root_snapshot_ref"`
	RootSnapshotPath   string `json:"root_snapshot_path"`
	LatestSnapshotRef  string `json:"latest_snapshot_ref"`
	LatestSnapshotPath string `json:"latest_snapshot_path"`
	StepIndex          int    `json:"step_index"`
}

// chainKey uniquely identifies a chain within a run.
func chainKey(variantID, sanitizedChainLabel string) string {
	return variantID + "/" + sanitizedChainLabel
}

// ChainStateStore is the per-run ledger of ChainState entries, persisted as
// a single JSON document at "<run_dir>/runtime/chain_state.json" and
// protected by an in-process mutex (the run directory is already
// single-writer thanks to the operation lock, so no file locking is
// needed here — only goroutine safety within one process).
type ChainStateStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]ChainState
}

// chainStateDocument is the on-disk shape of the chain-state ledger.
type chainStateDocument struct {
	Schema  string                `json:"schema"`
	Entries map[string]ChainState `json:"entries"`
}

const chainStateSchema = "chain_state_v1"

// chainStatePath returns the chain-state ledger path for runDir.
func chainStatePath(runDir string) string {
	return filepath.Join(runDir, "runtime", "chain_state.json")
}

// LoadChainStateStore loads the ledger at "<run_dir>/runtime/chain_state.json",
// or returns an empty store if it does not yet exist.
func LoadChainStateStore(runDir string) (*ChainStateStore, error) {
	path := chainStatePath(runDir)
	store := &ChainStateStore{path: path, entries: make(map[string]ChainState)}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("chain_state: read %s: %w", path, err)
	}
	var doc chainStateDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("chain_state: parse %s: %w", path, err)
	}
	if doc.Entries != nil {
		store.entries = doc.Entries
	}
	return store, nil
}

// Get returns the chain state for (variantID, sanitizedChainLabel), and
// whether it was found. A chain with no prior entry is the chain's first
// step: the caller should restore the workspace from the project-root
// baseline rather than from a prior snapshot.
func (s *ChainStateStore) Get(variantID, sanitizedChainLabel string) (ChainState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.entries[chainKey(variantID, sanitizedChainLabel)]
	return cs, ok
}

// Put atomically persists cs into the ledger. Called only after a
// successful post-snapshot, never speculatively.
func (s *ChainStateStore) Put(cs ChainState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[chainKey(cs.VariantID, cs.ChainLabel)] = cs
	doc := chainStateDocument{Schema: chainStateSchema, Entries: s.entries}
	if err := AtomicWriteJSON(s.path, doc); err != nil {
		return fmt.Errorf("chain_state: persist: %w", err)
	}
	return nil
}

// AdvanceChainState derives the next ChainState after a successful trial
// step: first step of a chain sets both root and latest to the new
// snapshot; later steps only move latest forward and increment step_index.
func AdvanceChainState(prior ChainState, prevExists bool, variantID, sanitizedChainLabel, postSnapshotRef, postSnapshotPath string) ChainState {
	if !prevExists {
		return ChainState{
			VariantID:          variantID,
			ChainLabel:         sanitizedChainLabel,
			RootSnapshotRef:    postSnapshotRef,
			RootSnapshotPath:   postSnapshotPath,
			LatestSnapshotRef:  postSnapshotRef,
			LatestSnapshotPath: postSnapshotPath,
			StepIndex:          0,
		}
	}
	return ChainState{
		VariantID:          variantID,
		ChainLabel:         sanitizedChainLabel,
		RootSnapshotRef:    prior.RootSnapshotRef,
		RootSnapshotPath:   prior.RootSnapshotPath,
		LatestSnapshotRef:  postSnapshotRef,
		LatestSnapshotPath: postSnapshotPath,
		StepIndex:          prior.StepIndex + 1,
	}
}

// EffectiveStatePolicy reports whether, and how, a trial carries forward
// workspace state from its chain, given the experiment-level default and
// any variant-level override (§4.3).
type EffectiveStatePolicy string

const (
	StatePolicyIsolatePerTrial EffectiveStatePolicy = "isolate_per_trial"
	StatePolicyPersistPerTask  EffectiveStatePolicy = "persist_per_task"
	StatePolicyAccumulate      EffectiveStatePolicy = "accumulate"
)

// ResolveEffectiveStatePolicy merges a variant override onto the
// experiment default; an empty override defers to the default.
func ResolveEffectiveStatePolicy(experimentDefault, variantOverride EffectiveStatePolicy) EffectiveStatePolicy {
	if variantOverride == "" {
		return experimentDefault
	}
	return variantOverride
}

// taskID extracts a task's "id" field from its raw JSON payload, falling
// back to "task_<taskIndex>" when absent (tasks are arbitrary JSON values;
// only this one string field is ever read from them here).
func taskID(payload any, taskIndex int) string {
	if m, ok := payload.(map[string]any); ok {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	return fmt.Sprintf("task_%d", taskIndex)
}

// taskChainID extracts a task's optional "chain_id" field, or "" if absent.
func taskChainID(payload any) string {
	if m, ok := payload.(map[string]any); ok {
		if v, ok := m["chain_id"].(string); ok {
			return v
		}
	}
	return ""
}

// DeriveChainLabel implements §4.3's chain_label derivation: explicit
// task.chain_id if present; else task_id for persist_per_task; "global"
// for accumulate; task_id for isolate_per_trial (unused by that policy,
// since it never restores or stores chain state).
func DeriveChainLabel(policy EffectiveStatePolicy, taskPayload any, taskIndex int) string {
	if cid := taskChainID(taskPayload); cid != "" {
		return cid
	}
	if policy == StatePolicyAccumulate {
		return "global"
	}
	return taskID(taskPayload, taskIndex)
}
