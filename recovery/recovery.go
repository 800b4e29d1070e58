// Package recovery restores workflow state from the most recent valid
// checkpoint after a crash or restart. Recovery never panics and never
// propagates a raw error to the caller: every outcome, including a corrupt
// checkpoint, is reported as a Result the orchestrator can act on.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/checkpoint"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/state"
)

// Validator inspects a candidate checkpoint before it is accepted. All
// registered validators must pass; the first failure rejects the
// checkpoint.
type Validator interface {
	Validate(cp *checkpoint.Checkpoint) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(cp *checkpoint.Checkpoint) error

func (f ValidatorFunc) Validate(cp *checkpoint.Checkpoint) error { return f(cp) }

// Callback runs after a checkpoint has been accepted, before the result
// is returned. Callbacks are skipped in dry-run mode.
type Callback func(ctx context.Context, st *state.WorkflowState) error

// Result is the outcome of one recovery attempt. Success is false when no
// checkpoint exists, the checkpoint failed validation, or a callback
// failed; Err carries the cause.
type Result struct {
	WorkflowID string
	Success    bool
	Checkpoint *checkpoint.Checkpoint
	State      *state.WorkflowState
	Reason     string
	Err        error
	Duration   time.Duration
}

// Recovery coordinates checkpoint lookup, validation, and post-recovery
// callbacks.
type Recovery struct {
	manager    *checkpoint.Manager
	logger     *zap.Logger
	validators []Validator
	callbacks  []Callback
}

// Option configures a Recovery.
type Option func(*Recovery)

// WithValidator appends a checkpoint validator.
func WithValidator(v Validator) Option {
	return func(r *Recovery) { r.validators = append(r.validators, v) }
}

// WithCallback appends a post-recovery callback.
func WithCallback(cb Callback) Option {
	return func(r *Recovery) { r.callbacks = append(r.callbacks, cb) }
}

// New creates a Recovery over the given checkpoint manager.
func New(manager *checkpoint.Manager, logger *zap.Logger, opts ...Option) (*Recovery, error) {
	if manager == nil {
		return nil, fmt.Errorf("checkpoint manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recovery{
		manager: manager,
		logger:  logger.With(zap.String("component", "recovery")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RecoverOption customizes one recovery attempt.
type RecoverOption func(*recoverOptions)

type recoverOptions struct {
	dryRun  bool
	version int
}

// DryRun validates the candidate checkpoint without running callbacks.
func DryRun() RecoverOption {
	return func(o *recoverOptions) { o.dryRun = true }
}

// AtVersion recovers from a specific checkpoint version instead of the
// latest.
func AtVersion(version int) RecoverOption {
	return func(o *recoverOptions) { o.version = version }
}

// CanRecover reports whether a dry-run recovery of the workflow would
// succeed: a checkpoint exists, passes checksum validation, and clears
// every validator.
func (r *Recovery) CanRecover(ctx context.Context, workflowID string) bool {
	return r.Recover(ctx, workflowID, DryRun()).Success
}

// Recover restores the workflow from its latest checkpoint. Exactly one
// candidate checkpoint is read per call: the latest by version (or the
// requested version). A corrupt or invalid candidate fails the recovery
// rather than silently falling back to an older snapshot or a default
// state.
func (r *Recovery) Recover(ctx context.Context, workflowID string, opts ...RecoverOption) *Result {
	var o recoverOptions
	for _, opt := range opts {
		opt(&o)
	}
	start := time.Now()
	result := &Result{WorkflowID: workflowID}
	defer func() { result.Duration = time.Since(start) }()

	var (
		cp  *checkpoint.Checkpoint
		err error
	)
	if o.version > 0 {
		cp, err = r.manager.GetVersion(ctx, workflowID, o.version)
	} else {
		cp, err = r.manager.GetLatest(ctx, workflowID)
	}
	if err != nil {
		result.Err = err
		switch err.(type) {
		case *checkpoint.NotFoundError:
			result.Reason = "no checkpoint available"
		case *checkpoint.ChecksumError:
			result.Reason = "checkpoint failed checksum validation"
		default:
			result.Reason = "checkpoint read failed"
		}
		r.logger.Warn("recovery failed",
			zap.String("workflow_id", workflowID),
			zap.String("reason", result.Reason),
			zap.Error(err),
		)
		return result
	}

	for _, v := range r.validators {
		if err := v.Validate(cp); err != nil {
			result.Checkpoint = cp
			result.Err = err
			result.Reason = "checkpoint rejected by validator"
			r.logger.Warn("recovery candidate rejected",
				zap.String("workflow_id", workflowID),
				zap.String("checkpoint_id", cp.ID),
				zap.Error(err),
			)
			return result
		}
	}

	result.Checkpoint = cp
	result.State = cp.State.Clone()

	if !o.dryRun {
		for _, cb := range r.callbacks {
			if err := cb(ctx, result.State); err != nil {
				result.Err = err
				result.Reason = "recovery callback failed"
				return result
			}
		}
	}

	result.Success = true
	r.logger.Info("workflow recovered",
		zap.String("workflow_id", workflowID),
		zap.String("checkpoint_id", cp.ID),
		zap.Int("version", cp.Version),
		zap.Bool("dry_run", o.dryRun),
	)
	return result
}

// RecoverAll recovers every listed workflow concurrently, bounded by
// maxConcurrency (0 means unbounded). A nil workflow list recovers every
// workflow the manager knows about. Individual failures are reported in
// the per-workflow results; the returned error covers only listing.
func (r *Recovery) RecoverAll(ctx context.Context, workflowIDs []string, maxConcurrency int, opts ...RecoverOption) (map[string]*Result, error) {
	if workflowIDs == nil {
		var err error
		workflowIDs, err = r.manager.ListWorkflows(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list workflows: %w", err)
		}
	}

	results := make(map[string]*Result, len(workflowIDs))
	g, gctx := errgroup.WithContext(ctx)
	if maxConcurrency > 0 {
		g.SetLimit(maxConcurrency)
	}

	resultCh := make(chan *Result, len(workflowIDs))
	for _, wf := range workflowIDs {
		wf := wf
		g.Go(func() error {
			resultCh <- r.Recover(gctx, wf, opts...)
			return nil
		})
	}
	_ = g.Wait()
	close(resultCh)

	for res := range resultCh {
		results[res.WorkflowID] = res
	}
	return results, nil
}
