package runner

import (
	"path/filepath"
	"testing"
)

func TestChainStateStoreGetOnEmptyStoreReportsNotFound(t *testing.T) {
	runDir := t.TempDir()
	store, err := LoadChainStateStore(runDir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := store.Get("v1", "default"); ok {
		t.Fatalf("expected no entry in a fresh store")
	}
}

func TestChainStateStorePutPersistsAcrossReload(t *testing.T) {
	runDir := t.TempDir()
	store, err := LoadChainStateStore(runDir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cs := AdvanceChainState(ChainState{}, false, "v1", "default", "sha256:root", "/evidence/chains/v1/default/step_000000")
	if err := store.Put(cs); err != nil {
		t.Fatalf("put: %v", err)
	}

	reloaded, err := LoadChainStateStore(runDir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.Get("v1", "default")
	if !ok {
		t.Fatalf("expected entry after reload")
	}
	if got.StepIndex != 0 || got.RootSnapshotRef != "sha256:root" {
		t.Fatalf("unexpected reloaded state: %+v", got)
	}

	if _, err := filepath.Abs(chainStatePath(runDir)); err != nil {
		t.Fatalf("path: %v", err)
	}
}

func TestAdvanceChainStateFirstStepSetsRootAndLatestEqual(t *testing.T) {
	cs := AdvanceChainState(ChainState{}, false, "v1", "default", "sha256:post", "/path/post")
	if cs.RootSnapshotRef != cs.LatestSnapshotRef {
		t.Fatalf("expected root == latest on first step: %+v", cs)
	}
	if cs.StepIndex != 0 {
		t.Fatalf("expected step_index 0, got %d", cs.StepIndex)
	}
}

func TestAdvanceChainStateLaterStepPreservesRootAdvancesLatest(t *testing.T) {
	first := AdvanceChainState(ChainState{}, false, "v1", "default", "sha256:root", "/path/root")
	second := AdvanceChainState(first, true, "v1", "default", "sha256:step1", "/path/step1")
	if second.RootSnapshotRef != "sha256:root" {
		t.Fatalf("expected root preserved, got %s", second.RootSnapshotRef)
	}
	if second.LatestSnapshotRef != "sha256:step1" {
		t.Fatalf("expected latest advanced, got %s", second.LatestSnapshotRef)
	}
	if second.StepIndex != 1 {
		t.Fatalf("expected step_index 1, got %d", second.StepIndex)
	}
}

func TestResolveEffectiveStatePolicyOverrideWins(t *testing.T) {
	if got := ResolveEffectiveStatePolicy(StatePolicyIsolatePerTrial, StatePolicyAccumulate); got != StatePolicyAccumulate {
		t.Fatalf("expected override to win, got %s", got)
	}
	if got := ResolveEffectiveStatePolicy(StatePolicyAccumulate, ""); got != StatePolicyAccumulate {
		t.Fatalf("expected default to apply when no override, got %s", got)
	}
}

func TestDeriveChainLabelExplicitChainIDWins(t *testing.T) {
	task := map[string]any{"id": "task_7", "chain_id": "shared_chain"}
	if got := DeriveChainLabel(StatePolicyIsolatePerTrial, task, 7); got != "shared_chain" {
		t.Fatalf("expected explicit chain_id to win, got %q", got)
	}
}

func TestDeriveChainLabelPersistPerTaskUsesTaskID(t *testing.T) {
	task := map[string]any{"id": "task_3"}
	if got := DeriveChainLabel(StatePolicyPersistPerTask, task, 3); got != "task_3" {
		t.Fatalf("expected task id, got %q", got)
	}
}

func TestDeriveChainLabelPersistPerTaskFallsBackToIndex(t *testing.T) {
	if got := DeriveChainLabel(StatePolicyPersistPerTask, map[string]any{}, 4); got != "task_4" {
		t.Fatalf("expected index-derived fallback, got %q", got)
	}
}

func TestDeriveChainLabelAccumulateUsesGlobal(t *testing.T) {
	task := map[string]any{"id": "task_9"}
	if got := DeriveChainLabel(StatePolicyAccumulate, task, 9); got != "global" {
		t.Fatalf("expected global label for accumulate, got %q", got)
	}
}

func TestChainStateStoreDistinguishesVariantsAndLabels(t *testing.T) {
	runDir := t.TempDir()
	store, err := LoadChainStateStore(runDir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a := AdvanceChainState(ChainState{}, false, "variant_a", "chain1", "sha256:a", "/a")
	b := AdvanceChainState(ChainState{}, false, "variant_b", "chain1", "sha256:b", "/b")
	if err := store.Put(a); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := store.Put(b); err != nil {
		t.Fatalf("put b: %v", err)
	}
	gotA, ok := store.Get("variant_a", "chain1")
	if !ok || gotA.RootSnapshotRef != "sha256:a" {
		t.Fatalf("unexpected variant_a entry: %+v ok=%v", gotA, ok)
	}
	gotB, ok := store.Get("variant_b", "chain1")
	if !ok || gotB.RootSnapshotRef != "sha256:b" {
		t.Fatalf("unexpected variant_b entry: %+v ok=%v", gotB, ok)
	}
}
