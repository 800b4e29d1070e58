package executor

import "context"

// HealingStatus is the outcome of one healing attempt.
type HealingStatus string

const (
	// HealingFixed means the underlying fault was repaired and the task
	// can retry immediately, skipping backoff.
	HealingFixed HealingStatus = "FIXED"

	// HealingUnfixed means healing ran but did not repair the fault.
	HealingUnfixed HealingStatus = "UNFIXED"

	// HealingSkipped means the healer declined to act on this failure.
	HealingSkipped HealingStatus = "SKIPPED"
)

// HealingResult reports what a healer did about a failure.
type HealingResult struct {
	Status HealingStatus
	Notes  string
}

// Healer attempts to repair the cause of a failed attempt before the
// next retry. The concrete fix generator lives outside this module and
// is injected through this interface.
type Healer interface {
	HealSingle(ctx context.Context, report *FailureReport) (*HealingResult, error)
}

// HealerFunc adapts a function to the Healer interface.
type HealerFunc func(ctx context.Context, report *FailureReport) (*HealingResult, error)

func (f HealerFunc) HealSingle(ctx context.Context, report *FailureReport) (*HealingResult, error) {
	return f(ctx, report)
}
