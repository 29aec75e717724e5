package runner

// SchedulingPolicy determines the ordering of trial slots produced by
// BuildSchedule. It does not affect the slot set, only its permutation.
type SchedulingPolicy string

const (
	PolicyVariantSequential SchedulingPolicy = "variant_sequential"
	PolicyPairedInterleaved SchedulingPolicy = "paired_interleaved"
	PolicyRandomized        SchedulingPolicy = "randomized"
)

// TrialSlot is a scheduler unit: one (variant, task, replication) triple,
// materialized in a deterministic order and consumed serially.
type TrialSlot struct {
	VariantIndex int
	TaskIndex    int
	ReplIndex    int
}

// BuildSchedule is a pure function from (variant count, task count,
// replication count, policy, seed) to an ordered sequence of V·T·R trial
// slots. Every (v,t,r) triple appears exactly once regardless of policy.
func BuildSchedule(variantCount, taskCount, replCount int, policy SchedulingPolicy, seed uint64) []TrialSlot {
	base := buildVariantSequential(variantCount, taskCount, replCount)

	switch policy {
	case PolicyPairedInterleaved:
		return buildPairedInterleaved(variantCount, taskCount, replCount)
	case PolicyRandomized:
		shuffled := make([]TrialSlot, len(base))
		copy(shuffled, base)
		fisherYatesShuffle(shuffled, seed)
		return shuffled
	default:
		return base
	}
}

// buildVariantSequential lays out slots outer-to-inner as variant, task,
// replication.
func buildVariantSequential(variantCount, taskCount, replCount int) []TrialSlot {
	slots := make([]TrialSlot, 0, variantCount*taskCount*replCount)
	for v := 0; v < variantCount; v++ {
		for t := 0; t < taskCount; t++ {
			for r := 0; r < replCount; r++ {
				slots = append(slots, TrialSlot{VariantIndex: v, TaskIndex: t, ReplIndex: r})
			}
		}
	}
	return slots
}

// buildPairedInterleaved lays out slots outer-to-inner as task, variant,
// replication, guaranteeing that for each task every variant executes
// before any advance to the next task (the A/B pairing property).
func buildPairedInterleaved(variantCount, taskCount, replCount int) []TrialSlot {
	slots := make([]TrialSlot, 0, variantCount*taskCount*replCount)
	for t := 0; t < taskCount; t++ {
		for v := 0; v < variantCount; v++ {
			for r := 0; r < replCount; r++ {
				slots = append(slots, TrialSlot{VariantIndex: v, TaskIndex: t, ReplIndex: r})
			}
		}
	}
	return slots
}

// lcgMultiplier and lcgIncrement are the 64-bit LCG constants (the same
// constants used by PCG's default stream) driving the deterministic
// Fisher-Yates shuffle for PolicyRandomized.
const (
	lcgMultiplier uint64 = 6364136223846793005
	lcgIncrement  uint64 = 1442695040888963407
)

// fisherYatesShuffle permutes slots in place using a 64-bit LCG seeded from
// seed. Deterministic: the same seed always produces the same permutation.
func fisherYatesShuffle(slots []TrialSlot, seed uint64) {
	state := seed
	nextIndex := func(bound int) int {
		state = state*lcgMultiplier + lcgIncrement
		return int((state >> 33) % uint64(bound))
	}
	for i := len(slots) - 1; i > 0; i-- {
		j := nextIndex(i + 1)
		slots[i], slots[j] = slots[j], slots[i]
	}
}

// PruningTracker maintains, per variant, a counter of consecutive trial
// failures. Once the counter reaches the configured budget the variant is
// marked pruned and BuildSchedule's remaining slots for it are skipped by
// the caller; a success resets the counter to zero.
type PruningTracker struct {
	maxConsecutiveFailures int
	consecutiveFailures    map[int]int
	pruned                 map[int]bool
}

// NewPruningTracker returns a tracker that prunes a variant on its
// maxConsecutiveFailures-th consecutive failure.
func NewPruningTracker(maxConsecutiveFailures int) *PruningTracker {
	return &PruningTracker{
		maxConsecutiveFailures: maxConsecutiveFailures,
		consecutiveFailures:    make(map[int]int),
		pruned:                 make(map[int]bool),
	}
}

// IsPruned reports whether variantIndex has already been pruned.
func (p *PruningTracker) IsPruned(variantIndex int) bool {
	return p.pruned[variantIndex]
}

// RecordOutcome updates the consecutive-failure counter for variantIndex
// and prunes it if the budget is reached. A non-positive
// maxConsecutiveFailures disables pruning entirely.
func (p *PruningTracker) RecordOutcome(variantIndex int, succeeded bool) {
	if p.maxConsecutiveFailures <= 0 {
		return
	}
	if succeeded {
		p.consecutiveFailures[variantIndex] = 0
		return
	}
	p.consecutiveFailures[variantIndex]++
	if p.consecutiveFailures[variantIndex] >= p.maxConsecutiveFailures {
		p.pruned[variantIndex] = true
	}
}
