package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
)

// LocalDockerExecutor runs the harness inside a hardened, ephemeral
// container (§4.5.1 local_docker), shelling out to the docker CLI rather
// than a Docker Engine API client.
type LocalDockerExecutor struct{}

// Execute implements Executor for container mode: docker run -i --rm with
// the standard hardening posture (read-only root, dropped capabilities, no
// new privileges, network isolation), workspace/state/dataset/out bind
// mounts, task-pack mounts read-only, and trial_output.json recovered from
// the container's stdout exactly as in local_process mode (docker run -i
// streams the container's stdout back to this process's pipe).
func (LocalDockerExecutor) Execute(ctx context.Context, req ExecuteRequest) (ExecutionResult, error) {
	if req.Sandbox.Image == "" {
		return ExecutionResult{}, ErrSandboxImageRequired
	}
	if req.NetworkMode == "allowlist_enforced" {
		return ExecutionResult{}, ErrAllowlistNotImplemented
	}
	if len(req.Command) == 0 {
		return ExecutionResult{}, fmt.Errorf("%w: empty harness command", ErrHarnessCommandNotFound)
	}

	args := []string{"run", "-i", "--rm"}
	if req.Sandbox.ReadOnly {
		args = append(args, "--read-only")
	}
	if req.Sandbox.User != "" {
		args = append(args, "-u", req.Sandbox.User)
	}
	if req.NetworkMode == "none" {
		args = append(args, "--network=none")
	}
	args = append(args, "--security-opt", "no-new-privileges", "--cap-drop", "ALL")
	if req.Sandbox.CPULimit != "" {
		args = append(args, "--cpus", req.Sandbox.CPULimit)
	}
	if req.Sandbox.MemLimit != "" {
		args = append(args, "--memory", req.Sandbox.MemLimit)
	}

	args = append(args,
		"-v", req.Paths.Workspace+":/workspace",
		"-v", req.Paths.State+":/state",
		"-v", req.Paths.Dataset+":/dataset:ro",
		"-v", req.Paths.Out+":/out",
		"--tmpfs", "/tmp:rw",
		"-w", "/workspace",
	)
	if req.HarnessRoot != "" {
		args = append(args, "-v", req.HarnessRoot+":/harness:ro")
	}
	for _, mount := range req.TaskMounts {
		args = append(args, "-v", mount.HostPath+":"+mount.TargetPath+":ro")
	}

	args = append(args,
		"-e", "AGENTLAB_TRIAL_INPUT="+req.ContainerInputPath,
		"-e", "AGENTLAB_TRIAL_OUTPUT="+req.ContainerOutputPath,
		"-e", "AGENTLAB_CONTROL_PATH="+req.ContainerControlPath,
	)
	if req.HarnessRoot != "" {
		args = append(args, "-e", "AGENTLAB_HARNESS_ROOT=/harness")
	}
	if req.OTLPEndpoint != "" {
		args = append(args, "-e", "OTEL_EXPORTER_OTLP_ENDPOINT="+req.OTLPEndpoint)
		if runtime.GOOS == "linux" {
			args = append(args, "--add-host", "host.docker.internal:host-gateway")
		}
	}

	args = append(args, req.Sandbox.Image)
	if req.SetupCommand != "" {
		script := req.SetupCommand + " && " + shellJoin(req.Command)
		args = append(args, "sh", "-lc", script)
	} else {
		args = append(args, req.Command...)
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(req.InputBytes)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	stdoutPath := filepath.Join(req.Paths.TrialDir, "harness_stdout.log")
	stderrPath := filepath.Join(req.Paths.TrialDir, "harness_stderr.log")
	if err := AtomicWrite(stdoutPath, stdout.Bytes()); err != nil {
		return ExecutionResult{}, fmt.Errorf("executor_docker: write stdout log: %w", err)
	}
	if err := AtomicWrite(stderrPath, stderr.Bytes()); err != nil {
		return ExecutionResult{}, fmt.Errorf("executor_docker: write stderr log: %w", err)
	}

	if err := recoverOrSynthesizeTrialOutput(req.OutputPath, req.InputBytes, stdout.Bytes(), stderr.Bytes()); err != nil {
		return ExecutionResult{}, err
	}

	result := ExecutionResult{StdoutPath: stdoutPath, StderrPath: stderrPath}
	if runErr == nil {
		return result, nil
	}
	exitErr, ok := runErr.(*exec.ExitError)
	if !ok {
		return result, fmt.Errorf("executor_docker: run container: %w", runErr)
	}
	if exitErr.ExitCode() < 0 {
		result.Signaled = true
		result.ExitCode = -1
	} else {
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// resolveCommandContainer rewrites a harness command's path-like parts onto
// the container's mounts: absolute paths under harnessRoot go to /harness,
// absolute paths under expDir (and bare relative paths, which are always
// project-relative) go to /workspace, mirroring the host-side rewrite that
// resolveCommandLocal performs against the project root (§4.5.1).
func resolveCommandContainer(command []string, expDir, harnessRoot string) []string {
	resolved := make([]string, len(command))
	for i, part := range command {
		if filepath.IsAbs(part) {
			if harnessRoot != "" {
				if rel, err := filepath.Rel(harnessRoot, part); err == nil && !isParentEscape(rel) {
					resolved[i] = "/harness/" + filepath.ToSlash(rel)
					continue
				}
			}
			if rel, err := filepath.Rel(expDir, part); err == nil && !isParentEscape(rel) {
				resolved[i] = "/workspace/" + filepath.ToSlash(rel)
				continue
			}
			resolved[i] = part
			continue
		}
		if commandPartLooksLikePath(part) {
			rel := filepath.ToSlash(part)
			for len(rel) >= 2 && rel[:2] == "./" {
				rel = rel[2:]
			}
			resolved[i] = "/workspace/" + rel
			continue
		}
		resolved[i] = part
	}
	return resolved
}

func isParentEscape(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == "../"
}

// commandPartLooksLikePath mirrors the original runner's heuristic for
// distinguishing a script path from a bare interpreter/binary name: it
// contains a path separator or a recognized script extension.
func commandPartLooksLikePath(part string) bool {
	if part == "" {
		return false
	}
	if filepath.ToSlash(part) != part {
		return true
	}
	for _, r := range part {
		if r == '/' {
			return true
		}
	}
	switch filepath.Ext(part) {
	case ".py", ".sh", ".js", ".rb", ".ts":
		return true
	}
	return false
}
