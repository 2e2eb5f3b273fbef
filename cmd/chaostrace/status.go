package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/chaostrace/sandbox/pkg/run"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Args:  cobra.ExactArgs(1),
	Short: "Show a run's current status",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("server", "", "control plane address (default from config)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = "http://localhost" + cfg.Server.Addr
	}

	resp, err := http.Get(fmt.Sprintf("%s/runs/%s", server, args[0]))
	if err != nil {
		return fmt.Errorf("failed to reach control plane at %s: %w", server, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("run %s not found", args[0])
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control plane returned %s", resp.Status)
	}

	var state run.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("run id:     %s\n", state.RunID)
	fmt.Printf("scenario:   %s\n", state.Request.Scenario)
	fmt.Printf("status:     %s\n", state.Status)
	if state.Verdict != nil {
		fmt.Printf("verdict:    %s\n", *state.Verdict)
	}
	fmt.Printf("sql events: %d\n", state.TotalSQLEvents)
	fmt.Printf("blocked:    %d\n", state.BlockedEvents)
	fmt.Printf("chaos:      %d\n", state.ChaosEventsTriggered)
	if len(state.Violations) > 0 {
		fmt.Println("violations:")
		for _, v := range state.Violations {
			fmt.Printf("  - %s\n", v)
		}
	}
	if state.ErrorMessage != "" {
		fmt.Printf("error:      %s\n", state.ErrorMessage)
	}

	return nil
}
