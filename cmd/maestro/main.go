// Maestro operations CLI.
//
// Usage:
//
//	maestro workflows --config maestro.yaml        # list workflows with checkpoints
//	maestro checkpoints --workflow wf-1            # list a workflow's checkpoints
//	maestro recover --workflow wf-1 [--dry-run]    # recover from the latest checkpoint
//	maestro check --policy policy.yaml --agent a1 --role developer \
//	    --tool write_file --path src/main.go --action write
//	maestro version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/checkpoint"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/config"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/enforcer"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/recovery"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/state"
)

var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "workflows":
		runWorkflows(os.Args[2:])
	case "checkpoints":
		runCheckpoints(os.Args[2:])
	case "recover":
		runRecover(os.Args[2:])
	case "check":
		runCheck(os.Args[2:])
	case "version":
		fmt.Println("maestro", Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: maestro <command> [flags]

commands:
  workflows     list workflows that have checkpoints
  checkpoints   list a workflow's checkpoints
  recover       recover a workflow from its latest checkpoint
  check         evaluate a policy decision
  version       print version`)
}

func loadSetup(configPath string) (*config.Config, *checkpoint.Manager, *zap.Logger) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fatal("failed to load config: %v", err)
	}
	logger, err := cfg.BuildLogger()
	if err != nil {
		fatal("failed to build logger: %v", err)
	}
	manager, err := checkpoint.NewManager(cfg.CheckpointManagerConfig(), state.NewSerializer(), logger)
	if err != nil {
		fatal("failed to open checkpoint storage: %v", err)
	}
	return cfg, manager, logger
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runWorkflows(args []string) {
	fs := flag.NewFlagSet("workflows", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	_, manager, _ := loadSetup(*configPath)
	workflows, err := manager.ListWorkflows(context.Background())
	if err != nil {
		fatal("failed to list workflows: %v", err)
	}
	for _, wf := range workflows {
		fmt.Println(wf)
	}
}

func runCheckpoints(args []string) {
	fs := flag.NewFlagSet("checkpoints", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	workflowID := fs.String("workflow", "", "workflow id")
	includeExpired := fs.Bool("include-expired", false, "include expired checkpoints")
	fs.Parse(args)
	if *workflowID == "" {
		fatal("--workflow is required")
	}

	_, manager, _ := loadSetup(*configPath)
	list, err := manager.List(context.Background(), *workflowID, *includeExpired)
	if err != nil {
		fatal("failed to list checkpoints: %v", err)
	}
	for _, cp := range list {
		expiry := "never"
		if cp.ExpiresAt != nil {
			expiry = cp.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")
		}
		fmt.Printf("%-24s v%-4d created=%s expires=%s\n",
			cp.ID, cp.Version, cp.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), expiry)
	}
}

func runRecover(args []string) {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	workflowID := fs.String("workflow", "", "workflow id")
	dryRun := fs.Bool("dry-run", false, "validate without running callbacks")
	version := fs.Int("version", 0, "recover a specific version (0 = latest)")
	fs.Parse(args)
	if *workflowID == "" {
		fatal("--workflow is required")
	}

	_, manager, logger := loadSetup(*configPath)
	rec, err := recovery.New(manager, logger)
	if err != nil {
		fatal("failed to build recovery: %v", err)
	}

	var opts []recovery.RecoverOption
	if *dryRun {
		opts = append(opts, recovery.DryRun())
	}
	if *version > 0 {
		opts = append(opts, recovery.AtVersion(*version))
	}

	result := rec.Recover(context.Background(), *workflowID, opts...)
	if !result.Success {
		fatal("recovery failed (%s): %v", result.Reason, result.Err)
	}
	fmt.Printf("recovered %s from checkpoint %s (version %d, %d data keys)\n",
		*workflowID, result.Checkpoint.ID, result.Checkpoint.Version, len(result.State.Data))
}

func runCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	policyPath := fs.String("policy", "", "path to policy file")
	agentID := fs.String("agent", "", "agent id")
	role := fs.String("role", "", "agent role")
	tool := fs.String("tool", "", "tool name")
	path := fs.String("path", "", "target path")
	action := fs.String("action", "execute", "action: read, write, delete, execute")
	budget := fs.Float64("budget", 1, "remaining budget")
	depth := fs.Int("depth", 0, "recursion depth")
	fs.Parse(args)
	if *policyPath == "" || *tool == "" {
		fatal("--policy and --tool are required")
	}

	gate := enforcer.New(zap.NewNop())
	if err := gate.LoadPolicy(*policyPath); err != nil {
		fmt.Fprintf(os.Stderr, "policy load failed, enforcer in fail-safe mode: %v\n", err)
	}

	result := gate.Check(enforcer.AgentContext{
		AgentID:         *agentID,
		Role:            *role,
		BudgetRemaining: *budget,
		RecursionDepth:  *depth,
	}, *tool, *path, enforcer.Action(*action))

	if result.Allowed {
		fmt.Printf("ALLOWED (%s)\n", result.Latency)
		return
	}
	fmt.Printf("DENIED %s: %s (%s)\n", result.ViolationType, result.Message, result.Latency)
	os.Exit(2)
}
