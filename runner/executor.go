package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// ExecutionResult is what any Executor reports back to the lifecycle
// orchestrator after one attempt.
type ExecutionResult struct {
	ExitCode   int // process exit code; -1 if the process was signaled
	Signaled   bool
	StdoutPath string
	StderrPath string
}

// ExecuteRequest bundles everything an Executor needs to run one trial
// attempt: the resolved harness command, the trial's filesystem layout,
// host-side input/output/control-plane paths, the container-side paths the
// harness sees in container mode, and sandbox posture.
type ExecuteRequest struct {
	Command      []string
	Paths        TrialPaths
	InputPath    string
	OutputPath   string
	ControlPath  string // host path; local_process exposes it via AGENTLAB_CONTROL_PATH
	HarnessRoot  string
	OTLPEndpoint string
	InputBytes   []byte
	Sandbox      SandboxSection
	NetworkMode  string
	SetupCommand string
	TaskMounts   []ResolvedTaskMount

	// Container-local declared paths, distinct from the host paths above:
	// InputPath/OutputPath/ControlPath are where this process reads and
	// writes the files (through the bind mounts), while these are the
	// values the harness *inside* the container should see via its env
	// vars. Only LocalDockerExecutor consults them.
	ContainerInputPath   string
	ContainerOutputPath  string
	ContainerControlPath string
}

// ResolvedTaskMount pairs a validated TaskMountRef with its host path,
// ready to bind-mount read-only into a container.
type ResolvedTaskMount struct {
	TargetPath string
	HostPath   string
}

// Executor runs one trial attempt, writing trial_output.json (directly, or
// via copy-back for container mode) and the harness's stdout/stderr logs.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecutionResult, error)
}

// synthesizeFallbackTrialOutput builds a trial_output_v1 error document
// quoting the last non-empty stderr line, used when a harness exits
// without producing trial_output.json.
func synthesizeFallbackTrialOutput(inputBytes, stderr []byte) ([]byte, error) {
	var ids any = map[string]any{}
	var parsedInput map[string]any
	if json.Unmarshal(inputBytes, &parsedInput) == nil {
		if v, ok := parsedInput["ids"]; ok {
			ids = v
		}
	}
	tail := lastNonEmptyLine(stderr)
	if tail == "" {
		tail = "harness exited without writing trial_output"
	}
	doc := map[string]any{
		"schema_version": "trial_output_v1",
		"ids":            ids,
		"outcome":        "error",
		"error": map[string]any{
			"error_type": "harness_process_error",
			"message":    tail,
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}

// recoverTrialOutputFromStdout attempts to parse the last non-empty stdout
// line as JSON; returns (bytes, true) only if that line parses as valid
// JSON, per the local_process fallback in §4.5.1.
func recoverTrialOutputFromStdout(stdout []byte) ([]byte, bool) {
	line := lastNonEmptyLine(stdout)
	if line == "" {
		return nil, false
	}
	var probe any
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return nil, false
	}
	return []byte(line), true
}

// lastNonEmptyLine returns the last line of data (trimmed) that is not
// entirely whitespace, or "" if every line is empty.
func lastNonEmptyLine(data []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	last := ""
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := trimSpaceBytes(line)
		if trimmed != "" {
			last = trimmed
		}
	}
	return last
}

func trimSpaceBytes(s string) string {
	start, end := 0, len(s)
	for start < end && isSpaceByte(s[start]) {
		start++
	}
	for end > start && isSpaceByte(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// shellQuote quotes s for inclusion in a POSIX shell command line, used to
// build the container "setup && command" wrapper.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' || r == '/' || r == ':') {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	escaped := ""
	for _, r := range s {
		if r == '\'' {
			escaped += `'"'"'`
		} else {
			escaped += string(r)
		}
	}
	return "'" + escaped + "'"
}

// shellJoin quotes and joins command parts into one shell command line.
func shellJoin(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += shellQuote(p)
	}
	return out
}

// NewExecutor returns the Executor for sandboxMode ("process", or "" which
// also selects process, or "container"); "remote" and any other value are
// rejected.
func NewExecutor(sandboxMode string) (Executor, error) {
	switch sandboxMode {
	case "process", "":
		return LocalProcessExecutor{}, nil
	case "container":
		return LocalDockerExecutor{}, nil
	case "remote":
		return nil, ErrRemoteNotImplemented
	default:
		return nil, fmt.Errorf("executor: unknown sandbox mode %q", sandboxMode)
	}
}
