package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaostrace/sandbox/pkg/emergency"
	"github.com/chaostrace/sandbox/pkg/events"
	"github.com/chaostrace/sandbox/pkg/orchestrator"
	"github.com/chaostrace/sandbox/pkg/reporting"
	"github.com/chaostrace/sandbox/pkg/run"
	"github.com/chaostrace/sandbox/pkg/sandbox"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Args:  cobra.NoArgs,
	Short: "Start a sandboxed agent run and wait for its verdict",
	Long:  `Creates a run, polls it to completion, and prints its final report.`,
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("agent-type", "python", "agent type: python, openai, langchain, custom")
	runCmd.Flags().String("agent-entry", "", "path to the agent entry script (required)")
	runCmd.Flags().String("scenario", "", "scenario name (required)")
	runCmd.Flags().String("policy", "strict", "policy profile name")
	runCmd.Flags().String("chaos", "", "chaos profile name (optional)")
	runCmd.Flags().Int("timeout", 300, "run timeout in seconds")
	runCmd.Flags().String("format", "text", "output format (text, json, tui)")
	runCmd.Flags().StringArray("env", []string{}, "environment variable for the agent container (KEY=VALUE)")
}

func runRun(cmd *cobra.Command, args []string) error {
	agentTypeFlag, _ := cmd.Flags().GetString("agent-type")
	agentEntry, _ := cmd.Flags().GetString("agent-entry")
	scenario, _ := cmd.Flags().GetString("scenario")
	policyProfile, _ := cmd.Flags().GetString("policy")
	chaosProfile, _ := cmd.Flags().GetString("chaos")
	timeoutSeconds, _ := cmd.Flags().GetInt("timeout")
	format, _ := cmd.Flags().GetString("format")
	envPairs, _ := cmd.Flags().GetStringArray("env")

	if agentEntry == "" {
		return fmt.Errorf("--agent-entry is required")
	}
	if scenario == "" {
		return fmt.Errorf("--scenario is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := newLogger(cfg)

	db, err := events.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to event store: %w", err)
	}
	defer db.Close()

	rlog := reporting.NewLogger(reporting.LoggerConfig{
		Level:  reporting.LogLevelInfo,
		Format: reporting.LogFormatText,
		Output: os.Stdout,
	})
	store := events.NewStore(db, events.Config{}, rlog)
	defer store.Close()

	docker, err := sandbox.NewDockerClient()
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer docker.Close()

	orch := orchestrator.New(cfg, docker, store, logger)

	emergencyCtl := emergency.New(emergency.Config{
		StopFile:             cfg.Emergency.StopFile,
		PollInterval:         cfg.Emergency.PollInterval,
		EnableSignalHandlers: true,
	}, logger)
	emergencyCtl.OnStop(orch.TerminateAll)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	emergencyCtl.Start(ctx)

	env := map[string]string{}
	for _, pair := range envPairs {
		for i := 0; i < len(pair); i++ {
			if pair[i] == '=' {
				env[pair[:i]] = pair[i+1:]
				break
			}
		}
	}

	req := run.Request{
		AgentType:      run.AgentType(agentTypeFlag),
		AgentEntry:     agentEntry,
		Scenario:       scenario,
		PolicyProfile:  policyProfile,
		ChaosProfile:   chaosProfile,
		TimeoutSeconds: timeoutSeconds,
		Environment:    env,
	}

	resp, err := orch.CreateRun(req)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	progress := reporting.NewProgressReporter(reporting.OutputFormat(format), rlog)
	fmt.Printf("run %s accepted\n", resp.RunID)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("run aborted: %w", ctx.Err())
		case <-ticker.C:
			state, ok := orch.GetRunStatus(resp.RunID)
			if !ok {
				return fmt.Errorf("run %s disappeared", resp.RunID)
			}
			progress.ReportState(reporting.LiveRunState{
				RunID:          state.RunID,
				Scenario:       state.Request.Scenario,
				Status:         state.Status,
				Elapsed:        time.Since(start),
				TotalSQLEvents: state.TotalSQLEvents,
				BlockedEvents:  state.BlockedEvents,
			})
			if state.Status.Terminal() {
				report := reporting.FromState(state)
				progress.ReportRunCompleted(&report)
				if state.Verdict != nil && *state.Verdict == run.VerdictFail {
					return verdictFailError{msg: "run finished with verdict FAIL"}
				}
				return nil
			}
		}
	}
}
