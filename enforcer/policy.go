package enforcer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy is the in-memory form of the governance policy document.
type Policy struct {
	GlobalConstraints GlobalConstraints     `yaml:"global_constraints"`
	Roles             map[string]RolePolicy `yaml:"roles"`
	FileProtection    FileProtection        `yaml:"file_protection"`
}

// GlobalConstraints apply to every agent regardless of role.
type GlobalConstraints struct {
	MaxRecursionDepth       int      `yaml:"max_recursion_depth"`
	RequireHumanApprovalFor []string `yaml:"require_human_approval_for"`
}

// RolePolicy lists a role's tool permissions. An entry in ForbiddenTools
// wins over AllowedTools.
type RolePolicy struct {
	AllowedTools   []string `yaml:"allowed_tools"`
	ForbiddenTools []string `yaml:"forbidden_tools"`
}

// FileProtection guards filesystem paths with glob patterns.
// ImmutablePaths are never writable or deletable by any role;
// ProtectedPaths require a role listed in ElevatedRoles.
type FileProtection struct {
	ImmutablePaths []string `yaml:"immutable_paths"`
	ProtectedPaths []string `yaml:"protected_paths"`
	ElevatedRoles  []string `yaml:"elevated_roles"`
}

func (p *Policy) elevated(role string) bool {
	for _, r := range p.FileProtection.ElevatedRoles {
		if r == role {
			return true
		}
	}
	return false
}

func (p *Policy) requiresHumanApproval(tool string) bool {
	for _, t := range p.GlobalConstraints.RequireHumanApprovalFor {
		if t == tool {
			return true
		}
	}
	return false
}

func parsePolicy(raw []byte) (*Policy, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("policy document is empty")
	}
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return &p, nil
}

func loadPolicyFile(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return parsePolicy(raw)
}
