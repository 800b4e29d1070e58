package enforcer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testPolicy() *Policy {
	return &Policy{
		GlobalConstraints: GlobalConstraints{
			MaxRecursionDepth:       5,
			RequireHumanApprovalFor: []string{"deploy_production"},
		},
		Roles: map[string]RolePolicy{
			"developer": {
				AllowedTools:   []string{"read_file", "write_file", "run_tests"},
				ForbiddenTools: []string{"drop_database"},
			},
			"admin": {},
		},
		FileProtection: FileProtection{
			ImmutablePaths: []string{".env", "**/*.pem"},
			ProtectedPaths: []string{"config/**"},
			ElevatedRoles:  []string{"admin"},
		},
	}
}

func developer() AgentContext {
	return AgentContext{
		AgentID:         "agent-1",
		Role:            "developer",
		BudgetRemaining: 10.0,
		RecursionDepth:  1,
	}
}

func TestEnforcer_FailSafeByDefault(t *testing.T) {
	e := New(zap.NewNop())
	require.True(t, e.FailSafe())

	result := e.Check(developer(), "read_file", "main.go", ActionRead)
	assert.False(t, result.Allowed)
	assert.Equal(t, ViolationFailSafe, result.ViolationType)
}

func TestEnforcer_CheckChain(t *testing.T) {
	e := New(zap.NewNop())
	e.SetPolicy(testPolicy())

	tests := []struct {
		name      string
		agent     AgentContext
		tool      string
		path      string
		action    Action
		allowed   bool
		violation ViolationType
	}{
		{
			name:    "allowed tool and path",
			agent:   developer(),
			tool:    "write_file",
			path:    "src/main.go",
			action:  ActionWrite,
			allowed: true,
		},
		{
			name: "zero budget denied",
			agent: AgentContext{
				AgentID: "agent-1", Role: "developer",
				BudgetRemaining: 0.0, RecursionDepth: 1,
			},
			tool: "read_file", path: "main.go", action: ActionRead,
			allowed: false, violation: ViolationBudgetExceeded,
		},
		{
			name: "negative budget treated as zero",
			agent: AgentContext{
				AgentID: "agent-1", Role: "developer",
				BudgetRemaining: -0.5, RecursionDepth: 1,
			},
			tool: "read_file", path: "main.go", action: ActionRead,
			allowed: false, violation: ViolationBudgetExceeded,
		},
		{
			name: "recursion ceiling",
			agent: AgentContext{
				AgentID: "agent-1", Role: "developer",
				BudgetRemaining: 10, RecursionDepth: 5,
			},
			tool: "read_file", path: "main.go", action: ActionRead,
			allowed: false, violation: ViolationRecursionDepth,
		},
		{
			name:  "human approval required",
			agent: developer(),
			tool:  "deploy_production", action: ActionExecute,
			allowed: false, violation: ViolationApprovalRequired,
		},
		{
			name:  "forbidden tool wins over allow-list",
			agent: developer(),
			tool:  "drop_database", action: ActionExecute,
			allowed: false, violation: ViolationForbiddenTool,
		},
		{
			name:  "tool outside allow-list",
			agent: developer(),
			tool:  "shell_exec", action: ActionExecute,
			allowed: false, violation: ViolationToolNotAllowed,
		},
		{
			name:  "protected path needs elevated role",
			agent: developer(),
			tool:  "write_file", path: "config/prod.yaml", action: ActionWrite,
			allowed: false, violation: ViolationProtectedPath,
		},
		{
			name: "elevated role writes protected path",
			agent: AgentContext{
				AgentID: "agent-2", Role: "admin",
				BudgetRemaining: 10, RecursionDepth: 0,
			},
			tool: "write_file", path: "config/prod.yaml", action: ActionWrite,
			allowed: true,
		},
		{
			name:  "reading protected path is fine",
			agent: developer(),
			tool:  "read_file", path: "config/prod.yaml", action: ActionRead,
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := e.Check(tt.agent, tt.tool, tt.path, tt.action)
			assert.Equal(t, tt.allowed, result.Allowed)
			if !tt.allowed {
				assert.Equal(t, tt.violation, result.ViolationType)
				assert.NotEmpty(t, result.Message)
			}
		})
	}
}

// Immutable paths are denied for every role, elevated ones included.
func TestEnforcer_ImmutablePathDeniesAllRoles(t *testing.T) {
	e := New(zap.NewNop())
	e.SetPolicy(testPolicy())

	for _, role := range []string{"developer", "admin"} {
		agent := AgentContext{AgentID: "a", Role: role, BudgetRemaining: 10}
		for _, action := range []Action{ActionWrite, ActionDelete} {
			result := e.Check(agent, "write_file", ".env", action)
			assert.False(t, result.Allowed, "role=%s action=%s", role, action)
			assert.Equal(t, ViolationImmutablePath, result.ViolationType)
		}
	}

	// Glob patterns match nested paths too.
	result := e.Check(developer(), "write_file", "deploy/keys/server.pem", ActionWrite)
	assert.False(t, result.Allowed)
	assert.Equal(t, ViolationImmutablePath, result.ViolationType)

	// Bare names match at any depth.
	result = e.Check(developer(), "write_file", "services/api/.env", ActionWrite)
	assert.False(t, result.Allowed)
	assert.Equal(t, ViolationImmutablePath, result.ViolationType)
}

func TestEnforcer_FileLock(t *testing.T) {
	locks := NewMemoryLockRegistry()
	require.NoError(t, locks.Acquire("src/main.go", "agent-2"))

	e := New(zap.NewNop(), WithLockRegistry(locks))
	e.SetPolicy(testPolicy())

	// Another agent's lock denies.
	result := e.Check(developer(), "write_file", "src/main.go", ActionWrite)
	assert.False(t, result.Allowed)
	assert.Equal(t, ViolationFileLocked, result.ViolationType)

	// The holder itself passes.
	holder := developer()
	holder.AgentID = "agent-2"
	result = e.Check(holder, "write_file", "src/main.go", ActionWrite)
	assert.True(t, result.Allowed)

	// Released locks stop mattering.
	locks.Release("src/main.go", "agent-2")
	result = e.Check(developer(), "write_file", "src/main.go", ActionWrite)
	assert.True(t, result.Allowed)
}

func TestEnforcer_LoadPolicy(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
global_constraints:
  max_recursion_depth: 3
roles:
  developer:
    allowed_tools: [read_file]
file_protection:
  immutable_paths: [".env"]
`), 0o644))

	e := New(zap.NewNop())
	require.NoError(t, e.LoadPolicy(good))
	assert.False(t, e.FailSafe())

	result := e.Check(developer(), "read_file", "", ActionRead)
	assert.True(t, result.Allowed)

	// A corrupt reload flips the enforcer back to fail-safe.
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("roles: [not: a: map"), 0o644))
	require.Error(t, e.LoadPolicy(bad))
	assert.True(t, e.FailSafe())

	result = e.Check(developer(), "read_file", "", ActionRead)
	assert.False(t, result.Allowed)
	assert.Equal(t, ViolationFailSafe, result.ViolationType)

	// Missing and empty files behave the same way.
	require.Error(t, e.LoadPolicy(filepath.Join(dir, "missing.yaml")))
	assert.True(t, e.FailSafe())

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	require.Error(t, e.LoadPolicy(empty))
	assert.True(t, e.FailSafe())
}

func TestEnforcer_AuditTrail(t *testing.T) {
	sink := NewMemoryAuditSink()
	e := New(zap.NewNop(), WithAuditSink(sink))
	e.SetPolicy(testPolicy())

	e.Check(developer(), "read_file", "main.go", ActionRead)
	e.Check(developer(), "drop_database", "", ActionExecute)

	records := sink.Records()
	require.Len(t, records, 2)

	assert.True(t, records[0].Allowed)
	assert.Equal(t, "read_file", records[0].Tool)

	assert.False(t, records[1].Allowed)
	assert.Equal(t, ViolationForbiddenTool, records[1].ViolationType)
	assert.Equal(t, "agent-1", records[1].AgentID)
	assert.GreaterOrEqual(t, records[1].Latency.Nanoseconds(), int64(0))
}

func TestEnforcer_ResultCarriesLatency(t *testing.T) {
	e := New(zap.NewNop())
	e.SetPolicy(testPolicy())

	result := e.Check(developer(), "read_file", "", ActionRead)
	assert.True(t, result.Allowed)
	assert.Greater(t, result.Latency.Nanoseconds(), int64(0))
}

func TestEnforcer_UnknownRoleSkipsToolChecks(t *testing.T) {
	e := New(zap.NewNop())
	e.SetPolicy(testPolicy())

	// A role without a policy entry gets no tool restrictions but still
	// hits path protection.
	agent := AgentContext{AgentID: "a", Role: "reviewer", BudgetRemaining: 1}
	assert.True(t, e.Check(agent, "anything", "", ActionExecute).Allowed)

	result := e.Check(agent, "write_file", ".env", ActionWrite)
	assert.False(t, result.Allowed)
	assert.Equal(t, ViolationImmutablePath, result.ViolationType)
}
