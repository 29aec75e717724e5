package runner

import (
	"errors"
	"testing"
)

func completeResolvedExperiment() ResolvedExperiment {
	return ResolvedExperiment{
		Experiment: ExperimentSection{Name: "demo", WorkloadType: "agent"},
		Design: DesignSection{
			SanitizationProfile: "default",
			Replications:        2,
			SchedulingPolicy:    PolicyVariantSequential,
			Variants: []Variant{
				{ID: "baseline"},
				{ID: "treatment"},
			},
		},
		Runtime: RuntimeSection{
			Harness: HarnessSection{
				Command:          []string{"python", "harness.py"},
				IntegrationLevel: "cli_events",
				InputPath:        "/workspace/trial_input.json",
				OutputPath:       "/workspace/trial_output.json",
				ControlPlane:     HarnessControlPlane{Path: "/state/control_action.json"},
			},
			Network: NetworkSection{Mode: "none"},
		},
		Baseline: BaselineSection{VariantID: "baseline"},
	}
}

func TestValidateRequiredFieldsAcceptsCompleteSpec(t *testing.T) {
	if err := ValidateRequiredFields(completeResolvedExperiment()); err != nil {
		t.Fatalf("expected valid spec, got %v", err)
	}
}

func TestValidateRequiredFieldsDetectsMissingWorkloadType(t *testing.T) {
	exp := completeResolvedExperiment()
	exp.Experiment.WorkloadType = ""
	err := ValidateRequiredFields(exp)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestValidateRequiredFieldsDetectsZeroReplications(t *testing.T) {
	exp := completeResolvedExperiment()
	exp.Design.Replications = 0
	err := ValidateRequiredFields(exp)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField for zero replications, got %v", err)
	}
}

func TestValidateRequiredFieldsDetectsEmptyHarnessCommand(t *testing.T) {
	exp := completeResolvedExperiment()
	exp.Runtime.Harness.Command = nil
	err := ValidateRequiredFields(exp)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField for empty command, got %v", err)
	}
}

func TestDescribeExperimentComputesTotalTrials(t *testing.T) {
	exp := completeResolvedExperiment()
	summary, err := DescribeExperiment(exp, 4)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if summary.VariantCount != 2 || summary.TaskCount != 4 || summary.Replications != 2 {
		t.Fatalf("unexpected summary shape: %+v", summary)
	}
	if summary.TotalTrials != 16 {
		t.Fatalf("expected 16 total trials, got %d", summary.TotalTrials)
	}
}

func TestDescribeExperimentPropagatesValidationError(t *testing.T) {
	exp := completeResolvedExperiment()
	exp.Baseline.VariantID = ""
	if _, err := DescribeExperiment(exp, 4); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestRetryTriggeredEmptyListRetriesOnAnyNonSuccess(t *testing.T) {
	policy := RetryPolicy{}
	if !RetryTriggered(policy, 1, "success") {
		t.Fatalf("expected retry on nonzero exit with empty retry_on")
	}
	if !RetryTriggered(policy, 0, "error") {
		t.Fatalf("expected retry on outcome=error with empty retry_on")
	}
	if RetryTriggered(policy, 0, "success") {
		t.Fatalf("expected no retry on clean success")
	}
}

func TestRetryTriggeredHonorsSpecificTriggers(t *testing.T) {
	if RetryTriggered(RetryPolicy{RetryOn: []string{"error"}}, 1, "failure") {
		t.Fatalf("retry_on=[error] should not trigger on plain exit failure without outcome=error")
	}
	if !RetryTriggered(RetryPolicy{RetryOn: []string{"failure"}}, 1, "success") {
		t.Fatalf("retry_on=[failure] should trigger on nonzero exit")
	}
	if !RetryTriggered(RetryPolicy{RetryOn: []string{"timeout"}}, 0, "timeout") {
		t.Fatalf("retry_on=[timeout] should trigger on outcome=timeout")
	}
	if RetryTriggered(RetryPolicy{RetryOn: []string{"timeout"}}, 1, "failure") {
		t.Fatalf("retry_on=[timeout] should not trigger on plain failure")
	}
}
