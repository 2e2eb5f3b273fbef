package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/chaostrace/sandbox/pkg/run"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Args:  cobra.NoArgs,
	Short: "List runs known to a running control plane",
	RunE:  runList,
}

func init() {
	listCmd.Flags().String("server", "", "control plane address (default from config)")
	listCmd.Flags().Int("page", 1, "page number")
	listCmd.Flags().Int("page-size", 20, "page size")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = "http://localhost" + cfg.Server.Addr
	}
	page, _ := cmd.Flags().GetInt("page")
	pageSize, _ := cmd.Flags().GetInt("page-size")

	url := fmt.Sprintf("%s/runs?page=%d&page_size=%d", server, page, pageSize)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach control plane at %s: %w", server, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control plane returned %s", resp.Status)
	}

	var listResp run.ListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("%-36s  %-12s  %-10s  %-20s  %s\n", "RUN ID", "STATUS", "VERDICT", "SCENARIO", "CREATED")
	for _, s := range listResp.Runs {
		verdict := "-"
		if s.Verdict != nil {
			verdict = string(*s.Verdict)
		}
		fmt.Printf("%-36s  %-12s  %-10s  %-20s  %s\n",
			s.RunID, s.Status, verdict, s.Scenario, s.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("\n%d run(s), page %d (%d per page)\n", listResp.Total, listResp.Page, listResp.PageSize)

	return nil
}
