// Package safety is the Level-2 retry layer around the persona executor.
// It adds a circuit breaker, a coarser backoff schedule, and escalation:
// when both levels are exhausted, a ticket is filed with an external
// collaborator and a help-needed signal is raised.
package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/circuitbreaker"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/executor"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/retry"
)

// Level1 is the execution layer being wrapped.
type Level1 interface {
	Execute(ctx context.Context, task executor.Task, taskName string, args map[string]any) (*executor.ExecutionResult, error)
	Persona() string
}

// TicketCreator files an escalation ticket. The concrete implementation
// (JIRA or otherwise) lives outside this module and owns document
// formatting; the wrapper hands it a prepared summary, description, and
// labels built from the failure report.
type TicketCreator interface {
	CreateTicket(ctx context.Context, summary, description string, labels []string) (ticketID string, err error)
}

// TicketCreatorFunc adapts a function to the TicketCreator interface.
type TicketCreatorFunc func(ctx context.Context, summary, description string, labels []string) (string, error)

func (f TicketCreatorFunc) CreateTicket(ctx context.Context, summary, description string, labels []string) (string, error) {
	return f(ctx, summary, description, labels)
}

// BreakerOpenError rejects an execution while the breaker cools down.
// No attempt was made and no state changed.
type BreakerOpenError struct {
	Persona string
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for persona %q, execution rejected", e.Persona)
}

// HelpNeededError is the terminal signal after both retry levels are
// exhausted and the escalation ticket has been filed.
type HelpNeededError struct {
	Report           *executor.FailureReport
	TotalAttempts    int
	TicketID         string
	SuggestedActions []string
}

func (e *HelpNeededError) Error() string {
	return fmt.Sprintf("help needed for task %q after %d total attempts (ticket %s)",
		e.Report.TaskName, e.TotalAttempts, e.TicketID)
}

// Config configures a Wrapper.
type Config struct {
	// MaxAttempts is the Level-2 attempt ceiling (default 2). Each
	// attempt is a full Level-1 execution.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// Backoff is the coarse delay schedule between Level-1 executions.
	Backoff retry.Policy `yaml:"backoff" json:"backoff"`

	// Level1MaxAttempts is only used for the total-attempt count in
	// escalations (default 3).
	Level1MaxAttempts int `yaml:"level1_max_attempts" json:"level1_max_attempts"`
}

// Wrapper runs Level-1 executions behind a circuit breaker.
type Wrapper struct {
	cfg     Config
	level1  Level1
	breaker *circuitbreaker.Breaker
	tickets TicketCreator
	logger  *zap.Logger
}

// Option configures optional Wrapper collaborators.
type Option func(*Wrapper)

// WithTicketCreator injects the escalation collaborator.
func WithTicketCreator(tc TicketCreator) Option {
	return func(w *Wrapper) { w.tickets = tc }
}

// New creates a safety wrapper around level1 using the given breaker.
func New(cfg Config, level1 Level1, breaker *circuitbreaker.Breaker, logger *zap.Logger, opts ...Option) (*Wrapper, error) {
	if level1 == nil {
		return nil, fmt.Errorf("level-1 executor is required")
	}
	if breaker == nil {
		return nil, fmt.Errorf("circuit breaker is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.Level1MaxAttempts <= 0 {
		cfg.Level1MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Wrapper{
		cfg:     cfg,
		level1:  level1,
		breaker: breaker,
		logger: logger.With(
			zap.String("component", "safety_wrapper"),
			zap.String("persona", level1.Persona()),
		),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Execute runs the task through up to MaxAttempts full Level-1
// executions. Success closes the breaker. Non-transient Level-1 outcomes
// (governance violations, bankruptcy, cancellation) pass through without
// breaker bookkeeping or further retries.
func (w *Wrapper) Execute(ctx context.Context, task executor.Task, taskName string, args map[string]any) (*executor.ExecutionResult, error) {
	var lastReport *executor.FailureReport

	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if err := w.breaker.Allow(); err != nil {
			w.logger.Warn("execution rejected, breaker open",
				zap.String("task", taskName),
			)
			return nil, &BreakerOpenError{Persona: w.level1.Persona()}
		}

		result, err := w.level1.Execute(ctx, task, taskName, args)
		if err == nil {
			// Covers success and the graceful bankrupt stop.
			w.breaker.RecordSuccess()
			return result, nil
		}

		var uerr *executor.UnrecoverableError
		if !errors.As(err, &uerr) {
			// Governance violations and cancellations are not transient.
			return result, err
		}

		w.breaker.RecordFailure()
		lastReport = uerr.Report
		w.logger.Warn("level-1 execution exhausted",
			zap.String("task", taskName),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", w.cfg.MaxAttempts),
			zap.Int("breaker_failures", w.breaker.Failures()),
		)

		if attempt == w.cfg.MaxAttempts {
			break
		}
		if serr := retry.Sleep(ctx, w.cfg.Backoff.Delay(attempt)); serr != nil {
			return result, serr
		}
	}

	return nil, w.escalate(ctx, lastReport)
}

// escalate files the ticket exactly once and builds the terminal signal.
func (w *Wrapper) escalate(ctx context.Context, report *executor.FailureReport) error {
	total := w.cfg.MaxAttempts * w.cfg.Level1MaxAttempts
	help := &HelpNeededError{
		Report:           report,
		TotalAttempts:    total,
		SuggestedActions: suggestedActions(report),
	}

	if w.tickets != nil {
		summary, description, labels := ticketFields(report, total)
		ticketID, err := w.tickets.CreateTicket(ctx, summary, description, labels)
		if err != nil {
			w.logger.Error("ticket creation failed", zap.Error(err))
		} else {
			help.TicketID = ticketID
		}
	}

	w.logger.Error("escalating after exhausting both retry levels",
		zap.String("task", report.TaskName),
		zap.Int("total_attempts", total),
		zap.String("ticket_id", help.TicketID),
	)
	return help
}

// ticketFields flattens a failure report into the ticket collaborator's
// contract. Document formatting beyond this plain text is the
// collaborator's concern.
func ticketFields(report *executor.FailureReport, totalAttempts int) (summary, description string, labels []string) {
	summary = fmt.Sprintf("[ESCALATION] task %q failed after %d attempts (%s)",
		report.TaskName, totalAttempts, report.ErrorCategory)

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", report.TaskName)
	fmt.Fprintf(&b, "Persona: %s\n", report.Persona)
	fmt.Fprintf(&b, "Category: %s\n", report.ErrorCategory)
	fmt.Fprintf(&b, "Last error: %s\n", report.Details)
	if len(report.Context) > 0 {
		b.WriteString("Prior attempts:\n")
		for _, line := range report.Context {
			fmt.Fprintf(&b, "  - %s\n", line)
		}
	}
	b.WriteString("Suggested actions:\n")
	for _, a := range suggestedActions(report) {
		fmt.Fprintf(&b, "  - %s\n", a)
	}

	labels = []string{
		"escalation",
		"needs-human",
		"category-" + string(report.ErrorCategory),
	}
	return summary, b.String(), labels
}

func suggestedActions(report *executor.FailureReport) []string {
	actions := []string{"review the failure report and attempt history"}
	switch report.ErrorCategory {
	case executor.CategoryTimeout:
		actions = append(actions,
			"increase the attempt timeout for this task",
			"check whether the upstream provider is degraded")
	case executor.CategorySyntax:
		actions = append(actions,
			"inspect the generated output manually",
			"tighten the task's output contract")
	default:
		actions = append(actions,
			"re-run the task with verbose logging",
			"check recent changes to the task's inputs")
	}
	return actions
}

var _ Level1 = (*executor.PersonaExecutor)(nil)
