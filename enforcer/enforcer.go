// Package enforcer is the synchronous policy gate in front of every tool
// invocation. A check is a pure computation over an in-memory policy plus
// one optional lock-holder lookup, so the hot path stays well under the
// latency budget of the calling executor.
//
// The enforcer is fail-safe by absence: until a policy loads successfully,
// and again whenever a reload fails, every action is denied.
package enforcer

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/internal/metrics"
)

// Action is what the agent wants to do with the target path.
type Action string

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionDelete  Action = "delete"
	ActionExecute Action = "execute"
)

// ViolationType classifies a denial.
type ViolationType string

const (
	ViolationFailSafe         ViolationType = "FAIL_SAFE"
	ViolationBudgetExceeded   ViolationType = "BUDGET_EXCEEDED"
	ViolationRecursionDepth   ViolationType = "RECURSION_DEPTH_EXCEEDED"
	ViolationApprovalRequired ViolationType = "HUMAN_APPROVAL_REQUIRED"
	ViolationForbiddenTool    ViolationType = "FORBIDDEN_TOOL"
	ViolationToolNotAllowed   ViolationType = "TOOL_NOT_ALLOWED"
	ViolationImmutablePath    ViolationType = "IMMUTABLE_PATH"
	ViolationProtectedPath    ViolationType = "PROTECTED_PATH"
	ViolationFileLocked       ViolationType = "FILE_LOCKED"
)

// AgentContext identifies the agent requesting an action.
type AgentContext struct {
	AgentID         string
	Role            string
	BudgetRemaining float64
	RecursionDepth  int
}

// Result is one enforcement decision. It is immutable and carries the
// evaluation's own timing.
type Result struct {
	Allowed       bool
	ViolationType ViolationType
	Message       string
	Latency       time.Duration
}

// LockRegistry answers which agent, if any, holds a file lock.
type LockRegistry interface {
	Holder(path string) (agentID string, locked bool)
}

// Enforcer evaluates governance policy for agent actions.
type Enforcer struct {
	logger  *zap.Logger
	metrics *metrics.Collector
	locks   LockRegistry
	sinks   []AuditSink

	mu       sync.RWMutex
	policy   *Policy
	failSafe bool
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithLockRegistry injects the file-lock holder lookup.
func WithLockRegistry(r LockRegistry) Option {
	return func(e *Enforcer) { e.locks = r }
}

// WithAuditSink appends an audit sink.
func WithAuditSink(s AuditSink) Option {
	return func(e *Enforcer) { e.sinks = append(e.sinks, s) }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Enforcer) { e.metrics = c }
}

// New creates an Enforcer with no policy loaded, which means fail-safe:
// every check denies until LoadPolicy or SetPolicy succeeds.
func New(logger *zap.Logger, opts ...Option) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Enforcer{
		logger:   logger.With(zap.String("component", "enforcer")),
		failSafe: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadPolicy reads and parses the policy file. A missing, empty, or
// corrupt file puts the enforcer in fail-safe mode and reports the error;
// it never panics into the caller.
func (e *Enforcer) LoadPolicy(path string) error {
	p, err := loadPolicyFile(path)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.policy = nil
		e.failSafe = true
		e.logger.Error("policy load failed, entering fail-safe mode",
			zap.String("path", path),
			zap.Error(err),
		)
		return err
	}
	e.policy = p
	e.failSafe = false
	e.logger.Info("policy loaded",
		zap.String("path", path),
		zap.Int("roles", len(p.Roles)),
	)
	return nil
}

// SetPolicy installs an already-built policy, clearing fail-safe mode.
func (e *Enforcer) SetPolicy(p *Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
	e.failSafe = p == nil
}

// FailSafe reports whether the enforcer is currently denying everything.
func (e *Enforcer) FailSafe() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.failSafe
}

// Check evaluates one proposed action. Checks run in a fixed order and
// short-circuit on the first failure: fail-safe, budget, global
// constraints, role tool permission, path protection, file lock.
func (e *Enforcer) Check(agent AgentContext, tool, targetPath string, action Action) Result {
	start := time.Now()
	result := e.evaluate(agent, tool, targetPath, action)
	result.Latency = time.Since(start)

	e.metrics.RecordEnforcerDecision(result.Allowed, string(result.ViolationType), result.Latency)
	rec := AuditRecord{
		Timestamp:     start,
		AgentID:       agent.AgentID,
		Tool:          tool,
		Path:          targetPath,
		Action:        action,
		Allowed:       result.Allowed,
		ViolationType: result.ViolationType,
		Message:       result.Message,
		Latency:       result.Latency,
	}
	for _, s := range e.sinks {
		s.Record(rec)
	}
	return result
}

func (e *Enforcer) evaluate(agent AgentContext, tool, targetPath string, action Action) Result {
	e.mu.RLock()
	policy, failSafe := e.policy, e.failSafe
	e.mu.RUnlock()

	// 1. Fail-safe: no valid policy means nothing is allowed.
	if failSafe || policy == nil {
		return deny(ViolationFailSafe, "no valid policy loaded, all actions denied")
	}

	// 2. Budget. Negative counts the same as zero: a concurrent
	// deduction race must not open a loophole.
	if agent.BudgetRemaining <= 0 {
		return deny(ViolationBudgetExceeded,
			fmt.Sprintf("agent %s has no remaining budget (%.2f)", agent.AgentID, agent.BudgetRemaining))
	}

	// 3. Global constraints.
	if max := policy.GlobalConstraints.MaxRecursionDepth; max > 0 && agent.RecursionDepth >= max {
		return deny(ViolationRecursionDepth,
			fmt.Sprintf("recursion depth %d reached ceiling %d", agent.RecursionDepth, max))
	}
	if policy.requiresHumanApproval(tool) {
		return deny(ViolationApprovalRequired,
			fmt.Sprintf("tool %q requires human approval", tool))
	}

	// 4. Role-based tool permission. Forbidden wins over allowed.
	role, hasRole := policy.Roles[agent.Role]
	if hasRole {
		for _, t := range role.ForbiddenTools {
			if t == tool {
				return deny(ViolationForbiddenTool,
					fmt.Sprintf("tool %q is forbidden for role %q", tool, agent.Role))
			}
		}
		if len(role.AllowedTools) > 0 && !contains(role.AllowedTools, tool) {
			return deny(ViolationToolNotAllowed,
				fmt.Sprintf("tool %q is not in the allow-list for role %q", tool, agent.Role))
		}
	}

	// 5. Path protection.
	if targetPath != "" && (action == ActionWrite || action == ActionDelete) {
		if pattern, ok := matchAny(policy.FileProtection.ImmutablePaths, targetPath); ok {
			return deny(ViolationImmutablePath,
				fmt.Sprintf("path %q matches immutable pattern %q", targetPath, pattern))
		}
		if pattern, ok := matchAny(policy.FileProtection.ProtectedPaths, targetPath); ok && !policy.elevated(agent.Role) {
			return deny(ViolationProtectedPath,
				fmt.Sprintf("path %q matches protected pattern %q and role %q is not elevated",
					targetPath, pattern, agent.Role))
		}
	}

	// 6. File lock.
	if targetPath != "" && e.locks != nil {
		if holder, locked := e.locks.Holder(targetPath); locked && holder != agent.AgentID {
			return deny(ViolationFileLocked,
				fmt.Sprintf("path %q is locked by agent %s", targetPath, holder))
		}
	}

	return Result{Allowed: true}
}

func deny(vt ViolationType, msg string) Result {
	return Result{Allowed: false, ViolationType: vt, Message: msg}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// matchAny matches the path against each glob, returning the first
// pattern that hits. Both bare names (".env") and ** globs work; a bare
// name also matches at any depth.
func matchAny(patterns []string, path string) (string, bool) {
	p := filepath.ToSlash(path)
	base := filepath.Base(p)
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, p); err == nil && ok {
			return pattern, true
		}
		if ok, err := doublestar.Match(pattern, base); err == nil && ok {
			return pattern, true
		}
	}
	return "", false
}
