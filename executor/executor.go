// Package executor runs persona tasks with governance checks, retries,
// healing, and token-budget accounting. It is the Level-1 execution
// layer; the safety package wraps it for coarser retries and circuit
// breaking.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/budget"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/enforcer"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/internal/metrics"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/retry"
)

// Status is an execution's lifecycle position.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusRetrying Status = "retrying"

	// StatusBankrupt means the token budget ran out. It is a graceful
	// stop, not an error, and consumes no retry slot.
	StatusBankrupt Status = "bankrupt"
)

// Task is one unit of persona work. Implementations must respect ctx.
type Task func(ctx context.Context, args map[string]any) (any, error)

// ExecutionResult is the outcome of Execute.
type ExecutionResult struct {
	TaskName        string        `json:"task_name"`
	Persona         string        `json:"persona"`
	Status          Status        `json:"status"`
	Output          any           `json:"output,omitempty"`
	Attempts        int           `json:"attempts"`
	TokensUsed      int           `json:"tokens_used"`
	TokensRemaining int           `json:"tokens_remaining"`
	Duration        time.Duration `json:"duration"`
	Err             error         `json:"-"`
}

// Config configures a PersonaExecutor.
type Config struct {
	// MaxAttempts is the attempt ceiling per execution (default 3).
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// AttemptTimeout bounds one attempt (0 = no timeout).
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`

	// Backoff is the delay schedule between attempts.
	Backoff retry.Policy `yaml:"backoff" json:"backoff"`
}

// PersonaExecutor runs tasks on behalf of one persona.
type PersonaExecutor struct {
	persona   string
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer
	validator OutputValidator

	gate  *enforcer.Enforcer
	agent enforcer.AgentContext

	healer    Healer
	tracker   *budget.Tracker
	estimator *budget.Estimator
}

// Option configures optional executor collaborators.
type Option func(*PersonaExecutor)

// WithGovernance gates every execution through the enforcer using the
// given agent identity.
func WithGovernance(gate *enforcer.Enforcer, agent enforcer.AgentContext) Option {
	return func(e *PersonaExecutor) {
		e.gate = gate
		e.agent = agent
	}
}

// WithHealer injects the healing callback run between failed attempts.
func WithHealer(h Healer) Option {
	return func(e *PersonaExecutor) { e.healer = h }
}

// WithBudget tracks token consumption against the persona's budget.
func WithBudget(t *budget.Tracker, est *budget.Estimator) Option {
	return func(e *PersonaExecutor) {
		e.tracker = t
		e.estimator = est
	}
}

// WithValidator replaces the default syntax validator.
func WithValidator(v OutputValidator) Option {
	return func(e *PersonaExecutor) { e.validator = v }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *PersonaExecutor) { e.metrics = c }
}

// New creates an executor for the given persona.
func New(persona string, cfg Config, logger *zap.Logger, opts ...Option) *PersonaExecutor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &PersonaExecutor{
		persona: persona,
		cfg:     cfg,
		logger: logger.With(
			zap.String("component", "persona_executor"),
			zap.String("persona", persona),
		),
		tracer:    otel.Tracer("maestro/executor"),
		validator: syntaxValidator{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.estimator == nil {
		e.estimator = budget.NewEstimator("")
	}
	return e
}

// Persona returns the executor's persona name.
func (e *PersonaExecutor) Persona() string { return e.persona }

// Execute runs the task through the attempt loop. It returns a non-nil
// result in every case; the error is a *GovernanceViolationError for a
// pre-flight denial, an *UnrecoverableError once attempts are exhausted,
// or a context error when cancelled mid-backoff.
func (e *PersonaExecutor) Execute(ctx context.Context, task Task, taskName string, args map[string]any) (*ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "persona.execute",
		trace.WithAttributes(
			attribute.String("persona", e.persona),
			attribute.String("task", taskName),
		),
	)
	defer span.End()

	start := time.Now()
	result := &ExecutionResult{
		TaskName:        taskName,
		Persona:         e.persona,
		Status:          StatusPending,
		TokensRemaining: -1,
	}
	defer func() {
		result.Duration = time.Since(start)
		e.metrics.RecordExecutionDuration(e.persona, result.Duration)
		span.SetAttributes(
			attribute.String("status", string(result.Status)),
			attribute.Int("attempts", result.Attempts),
		)
	}()

	// Governance runs before any attempt. A violation is not transient:
	// zero attempts, no retries.
	if e.gate != nil {
		check := e.gate.Check(e.agent, taskName, targetPath(args), actionFor(args))
		if !check.Allowed {
			result.Status = StatusFailed
			err := &GovernanceViolationError{Result: check}
			result.Err = err
			span.RecordError(err)
			e.metrics.RecordAttempt(e.persona, "governance_denied")
			e.logger.Warn("execution denied by governance",
				zap.String("task", taskName),
				zap.String("violation_type", string(check.ViolationType)),
			)
			return result, err
		}
	}

	var history []string
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		result.Status = StatusRunning
		result.Attempts = attempt

		output, err := e.runAttempt(ctx, task, args)
		if err == nil {
			err = e.validator.Validate(taskName, output)
		}

		if err == nil {
			tokens := budget.ExtractTokens(output, e.estimator)
			result.TokensUsed += tokens
			if e.tracker != nil {
				remaining, exceeded := e.tracker.Consume(e.persona, tokens)
				result.TokensRemaining = remaining
				if exceeded {
					result.Status = StatusBankrupt
					result.Output = output
					e.metrics.RecordAttempt(e.persona, "bankrupt")
					e.logger.Warn("token budget exhausted, stopping gracefully",
						zap.String("task", taskName),
						zap.Int("tokens_used", result.TokensUsed),
					)
					return result, nil
				}
			}
			result.Status = StatusSuccess
			result.Output = output
			e.metrics.RecordAttempt(e.persona, "success")
			e.logger.Info("task succeeded",
				zap.String("task", taskName),
				zap.Int("attempt", attempt),
				zap.Int("tokens_used", result.TokensUsed),
			)
			return result, nil
		}

		history = append(history, fmt.Sprintf("attempt %d: %v", attempt, err))
		e.metrics.RecordAttempt(e.persona, "failed")
		e.logger.Warn("attempt failed",
			zap.String("task", taskName),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.cfg.MaxAttempts),
			zap.Error(err),
		)

		if attempt == e.cfg.MaxAttempts {
			break
		}
		result.Status = StatusRetrying

		if e.heal(ctx, taskName, attempt, err, history) {
			// Repaired: retry immediately, no backoff.
			continue
		}
		if serr := retry.Sleep(ctx, e.cfg.Backoff.Delay(attempt)); serr != nil {
			result.Status = StatusFailed
			result.Err = serr
			span.RecordError(serr)
			return result, serr
		}
	}

	report := e.buildReport(taskName, history)
	result.Status = StatusFailed
	err := &UnrecoverableError{Report: report}
	result.Err = err
	span.RecordError(err)
	return result, err
}

func (e *PersonaExecutor) runAttempt(ctx context.Context, task Task, args map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()
	}
	return task(ctx, args)
}

// heal reports true when the healer fixed the fault and the next attempt
// should run without backoff.
func (e *PersonaExecutor) heal(ctx context.Context, taskName string, attempt int, cause error, history []string) bool {
	if e.healer == nil {
		return false
	}
	report := &FailureReport{
		TaskName:      taskName,
		Persona:       e.persona,
		ErrorCategory: categorize(cause),
		Details:       cause.Error(),
		Context:       history[:len(history)-1],
		AttemptNumber: attempt,
		Recoverable:   true,
		Timestamp:     time.Now().UTC(),
	}
	hr, err := e.healer.HealSingle(ctx, report)
	if err != nil {
		e.logger.Warn("healing failed", zap.String("task", taskName), zap.Error(err))
		return false
	}
	if hr != nil && hr.Status == HealingFixed {
		e.logger.Info("healing fixed the fault, retrying immediately",
			zap.String("task", taskName),
			zap.String("notes", hr.Notes),
		)
		return true
	}
	return false
}

func (e *PersonaExecutor) buildReport(taskName string, history []string) *FailureReport {
	last := history[len(history)-1]
	return &FailureReport{
		TaskName:      taskName,
		Persona:       e.persona,
		ErrorCategory: categorizeMessage(last),
		Details:       last,
		Context:       history[:len(history)-1],
		AttemptNumber: e.cfg.MaxAttempts,
		Recoverable:   false,
		Timestamp:     time.Now().UTC(),
	}
}

func categorize(err error) ErrorCategory {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, context.Canceled):
		return CategoryCancelled
	case strings.Contains(err.Error(), "syntax validation"):
		return CategorySyntax
	default:
		return CategoryRuntime
	}
}

func categorizeMessage(msg string) ErrorCategory {
	switch {
	case strings.Contains(msg, context.DeadlineExceeded.Error()):
		return CategoryTimeout
	case strings.Contains(msg, "syntax validation"):
		return CategorySyntax
	default:
		return CategoryRuntime
	}
}

func targetPath(args map[string]any) string {
	if args == nil {
		return ""
	}
	p, _ := args["target_path"].(string)
	return p
}

func actionFor(args map[string]any) enforcer.Action {
	if args != nil {
		if a, ok := args["action"].(string); ok && a != "" {
			return enforcer.Action(a)
		}
	}
	return enforcer.ActionExecute
}
