package runner

import (
	"context"
	"errors"
	"testing"
)

func TestLocalDockerExecutorRequiresSandboxImage(t *testing.T) {
	paths := newTrialDirPaths(t)
	req := ExecuteRequest{
		Command: []string{"run-harness"},
		Paths:   paths,
		Sandbox: SandboxSection{Mode: "container"},
	}
	if _, err := (LocalDockerExecutor{}).Execute(context.Background(), req); !errors.Is(err, ErrSandboxImageRequired) {
		t.Fatalf("expected ErrSandboxImageRequired, got %v", err)
	}
}

func TestLocalDockerExecutorRejectsAllowlistEnforcedNetwork(t *testing.T) {
	paths := newTrialDirPaths(t)
	req := ExecuteRequest{
		Command:     []string{"run-harness"},
		Paths:       paths,
		Sandbox:     SandboxSection{Mode: "container", Image: "agentlab/harness:latest"},
		NetworkMode: "allowlist_enforced",
	}
	if _, err := (LocalDockerExecutor{}).Execute(context.Background(), req); !errors.Is(err, ErrAllowlistNotImplemented) {
		t.Fatalf("expected ErrAllowlistNotImplemented, got %v", err)
	}
}

func TestResolveCommandContainerRewritesRelativePathsUnderWorkspace(t *testing.T) {
	got := resolveCommandContainer([]string{"python", "./scripts/run.py", "--flag"}, "/home/project", "")
	want := []string{"python", "/workspace/scripts/run.py", "--flag"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResolveCommandContainerRewritesAbsolutePathsUnderProjectRoot(t *testing.T) {
	got := resolveCommandContainer([]string{"/home/project/scripts/run.py"}, "/home/project", "")
	if got[0] != "/workspace/scripts/run.py" {
		t.Fatalf("got %q", got[0])
	}
}

func TestResolveCommandContainerLeavesBareBinaryNamesAlone(t *testing.T) {
	got := resolveCommandContainer([]string{"python3", "-m", "agent"}, "/home/project", "")
	want := []string{"python3", "-m", "agent"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResolveCommandContainerRewritesAbsolutePathsUnderHarnessRoot(t *testing.T) {
	got := resolveCommandContainer([]string{"/opt/harness/bin/run.py"}, "/home/project", "/opt/harness")
	if got[0] != "/harness/bin/run.py" {
		t.Fatalf("got %q", got[0])
	}
}
