package runner

import "fmt"

// ExperimentSection carries the experiment's top-level descriptive fields.
type ExperimentSection struct {
	Name         string `json:"name"`
	WorkloadType string `json:"workload_type"`
}

// DesignSection describes the cross-product of variants × tasks ×
// replications and how trials are ordered.
type DesignSection struct {
	SanitizationProfile string           `json:"sanitization_profile"`
	Replications        int              `json:"replications"`
	SchedulingPolicy    SchedulingPolicy `json:"scheduling_policy"`
	RandomSeed          uint64           `json:"random_seed"`
	Variants            []Variant        `json:"variants"`
}

// Variant is one arm of the experiment's design.
type Variant struct {
	ID                  string               `json:"id"`
	StatePolicyOverride EffectiveStatePolicy `json:"state_policy_override,omitempty"`
	Bindings            map[string]any       `json:"bindings,omitempty"`
}

// HarnessControlPlane locates the control-action file the runner writes and
// the harness polls.
type HarnessControlPlane struct {
	Path string `json:"path"`
}

// HarnessSection describes the external collaborator process spawned per
// trial.
type HarnessSection struct {
	Command          []string            `json:"command"`
	IntegrationLevel string              `json:"integration_level"` // cli_basic | cli_events | otel | sdk_control | sdk_full
	InputPath        string              `json:"input_path"`
	OutputPath       string              `json:"output_path"`
	ControlPlane     HarnessControlPlane `json:"control_plane"`
	EventsPath       string              `json:"events_path,omitempty"`
	SetupCommand     string              `json:"setup_command,omitempty"`
}

// SandboxSection selects local_process vs local_docker execution.
type SandboxSection struct {
	Mode     string `json:"mode"` // process | container
	Image    string `json:"image,omitempty"`
	ReadOnly bool   `json:"read_only,omitempty"`
	User     string `json:"user,omitempty"`
	CPULimit string `json:"cpu_limit,omitempty"`
	MemLimit string `json:"mem_limit,omitempty"`
}

// NetworkSection selects the sandbox network posture.
type NetworkSection struct {
	Mode string `json:"mode"` // none | full | allowlist_enforced
}

// RuntimeSection bundles the harness, sandbox, and network configuration.
type RuntimeSection struct {
	Harness HarnessSection `json:"harness"`
	Sandbox SandboxSection `json:"sandbox"`
	Network NetworkSection `json:"network"`
	Tracing string         `json:"tracing,omitempty"` // "" | "otlp"
}

// BaselineSection names the variant other variants are compared against.
type BaselineSection struct {
	VariantID string `json:"variant_id"`
}

// RetryPolicy controls the lifecycle executor's retry loop (§4.5.2).
type RetryPolicy struct {
	MaxAttempts int      `json:"max_attempts"`
	RetryOn     []string `json:"retry_on,omitempty"` // subset of {error, failure, timeout}; empty = any non-success
}

// PruningPolicy bounds consecutive-failure tolerance per variant.
type PruningPolicy struct {
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
}

// MaterializationPolicy is the post-trial retention tier (§6).
type MaterializationPolicy string

const (
	MaterializationFull         MaterializationPolicy = "full"
	MaterializationOutputsOnly  MaterializationPolicy = "outputs_only"
	MaterializationMetadataOnly MaterializationPolicy = "metadata_only"
	MaterializationNone         MaterializationPolicy = "none"
)

// PolicySection bundles the retry, pruning, state, and materialization
// policies merged from the global default down to effective, per §4.5 step
// 7's policy-merge layering.
type PolicySection struct {
	Retry           RetryPolicy           `json:"retry"`
	Pruning         PruningPolicy         `json:"pruning"`
	StatePolicy     EffectiveStatePolicy  `json:"state_policy"`
	Materialization MaterializationPolicy `json:"materialization"`
}

// ResolvedExperiment is the experiment spec after overrides have been
// applied and required fields validated — the entity §3 calls "Resolved
// Experiment". It is the runner's sole input; parsing the on-disk YAML or
// JSON-Schema document into this shape is an external collaborator's job.
type ResolvedExperiment struct {
	Experiment ExperimentSection `json:"experiment"`
	Design     DesignSection     `json:"design"`
	Runtime    RuntimeSection    `json:"runtime"`
	Baseline   BaselineSection   `json:"baseline"`
	Policy     PolicySection     `json:"policy"`
}

// ValidateRequiredFields checks the required-field list from §6 against a
// resolved experiment, returning ErrMissingField (wrapped with the field
// name) for the first violation found, scanned in the spec's declared
// order.
func ValidateRequiredFields(exp ResolvedExperiment) error {
	checks := []struct {
		name    string
		missing bool
	}{
		{"/experiment/workload_type", exp.Experiment.WorkloadType == ""},
		{"/design/sanitization_profile", exp.Design.SanitizationProfile == ""},
		{"/design/replications", exp.Design.Replications == 0},
		{"/runtime/harness/command", len(exp.Runtime.Harness.Command) == 0},
		{"/runtime/harness/integration_level", exp.Runtime.Harness.IntegrationLevel == ""},
		{"/runtime/harness/input_path", exp.Runtime.Harness.InputPath == ""},
		{"/runtime/harness/output_path", exp.Runtime.Harness.OutputPath == ""},
		{"/runtime/harness/control_plane/path", exp.Runtime.Harness.ControlPlane.Path == ""},
		{"/runtime/network/mode", exp.Runtime.Network.Mode == ""},
		{"/baseline/variant_id", exp.Baseline.VariantID == ""},
	}
	for _, c := range checks {
		if c.missing {
			return fmt.Errorf("%w: %s", ErrMissingField, c.name)
		}
	}
	return nil
}

// ExperimentSummary is the thin, read-only projection produced by Describe
// — total trial count and the harness/sandbox surface a caller would see
// without running anything.
type ExperimentSummary struct {
	Name             string `json:"name"`
	WorkloadType     string `json:"workload_type"`
	VariantCount     int    `json:"variant_count"`
	TaskCount        int    `json:"task_count"`
	Replications     int    `json:"replications"`
	TotalTrials      int    `json:"total_trials"`
	ContainerMode    bool   `json:"container_mode"`
	SandboxImage     string `json:"sandbox_image,omitempty"`
	NetworkMode      string `json:"network_mode"`
	IntegrationLevel string `json:"integration_level"`
}

// DescribeExperiment validates exp and summarizes its shape, without
// creating a run directory or touching the filesystem beyond what the
// caller has already resolved. taskCount is supplied by the caller because
// counting dataset rows is the dataset-loading collaborator's concern.
func DescribeExperiment(exp ResolvedExperiment, taskCount int) (ExperimentSummary, error) {
	if err := ValidateRequiredFields(exp); err != nil {
		return ExperimentSummary{}, err
	}
	variantCount := len(exp.Design.Variants)
	return ExperimentSummary{
		Name:             exp.Experiment.Name,
		WorkloadType:     exp.Experiment.WorkloadType,
		VariantCount:     variantCount,
		TaskCount:        taskCount,
		Replications:     exp.Design.Replications,
		TotalTrials:      variantCount * taskCount * exp.Design.Replications,
		ContainerMode:    exp.Runtime.Sandbox.Mode == "container",
		SandboxImage:     exp.Runtime.Sandbox.Image,
		NetworkMode:      exp.Runtime.Network.Mode,
		IntegrationLevel: exp.Runtime.Harness.IntegrationLevel,
	}, nil
}

// RetryTriggered decides whether an attempt should be retried given its
// exit code and parsed trial-output outcome, per the retry_on policy
// (§4.5.2): an empty list retries on any non-success.
func RetryTriggered(policy RetryPolicy, exitCode int, outcome string) bool {
	nonSuccess := exitCode != 0 || outcome == "error"
	if len(policy.RetryOn) == 0 {
		return nonSuccess
	}
	for _, trigger := range policy.RetryOn {
		switch trigger {
		case "error":
			if outcome == "error" {
				return true
			}
		case "failure":
			if exitCode != 0 {
				return true
			}
		case "timeout":
			if outcome == "timeout" {
				return true
			}
		}
	}
	return false
}
