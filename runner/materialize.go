package runner

import (
	"fmt"
	"os"
	"path/filepath"
)

// ApplyMaterializationPolicy trims a trial directory's footprint per §6:
// each tier additionally deletes what the previous tier deletes.
func ApplyMaterializationPolicy(trialDir string, policy MaterializationPolicy) error {
	var targets []string
	switch policy {
	case MaterializationFull, "":
		return nil
	case MaterializationOutputsOnly:
		targets = []string{"workspace", "dataset", "state", "tmp", "artifacts"}
	case MaterializationMetadataOnly:
		targets = []string{
			"workspace", "dataset", "state", "tmp", "artifacts",
			"out", "trial_input.json", "trial_output.json", "harness_manifest.json", "trace_manifest.json",
		}
	case MaterializationNone:
		targets = []string{
			"workspace", "dataset", "state", "tmp", "artifacts",
			"out", "trial_input.json", "trial_output.json", "harness_manifest.json", "trace_manifest.json",
			"state_inventory.json",
		}
	default:
		return fmt.Errorf("materialize: unknown policy %q", policy)
	}
	for _, rel := range targets {
		if err := os.RemoveAll(filepath.Join(trialDir, rel)); err != nil {
			return fmt.Errorf("materialize: remove %s: %w", rel, err)
		}
	}
	return nil
}
