package executor

import (
	"fmt"
	"time"

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/enforcer"
)

// ErrorCategory classifies the final failure of an execution.
type ErrorCategory string

const (
	CategoryTimeout    ErrorCategory = "timeout"
	CategorySyntax     ErrorCategory = "syntax"
	CategoryGovernance ErrorCategory = "governance"
	CategoryRuntime    ErrorCategory = "runtime"
	CategoryCancelled  ErrorCategory = "cancelled"
)

// FailureReport summarizes an exhausted execution: the last attempt's
// failure plus every prior attempt's error message as context.
type FailureReport struct {
	TaskName      string        `json:"task_name"`
	Persona       string        `json:"persona"`
	ErrorCategory ErrorCategory `json:"error_category"`
	Details       string        `json:"details"`
	Context       []string      `json:"context,omitempty"`
	AttemptNumber int           `json:"attempt_number"`
	Recoverable   bool          `json:"recoverable"`
	Timestamp     time.Time     `json:"timestamp"`
}

// GovernanceViolationError aborts an execution before any attempt runs.
// Governance failures are not transient, so they never retry.
type GovernanceViolationError struct {
	Result enforcer.Result
}

func (e *GovernanceViolationError) Error() string {
	return fmt.Sprintf("governance violation (%s): %s", e.Result.ViolationType, e.Result.Message)
}

// UnrecoverableError signals that every attempt failed. The report's
// AttemptNumber equals the configured maximum.
type UnrecoverableError struct {
	Report *FailureReport
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("task %q failed after %d attempts: %s",
		e.Report.TaskName, e.Report.AttemptNumber, e.Report.Details)
}
