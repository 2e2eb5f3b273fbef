package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/chaostrace/sandbox/pkg/events"
	"github.com/chaostrace/sandbox/pkg/reporting"
	"github.com/chaostrace/sandbox/pkg/run"
)

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Args:  cobra.ExactArgs(1),
	Short: "Generate a run report from a completed run",
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().String("server", "", "control plane address (default from config)")
	reportCmd.Flags().String("format", "text", "report format: text, html, json")
}

func runReport(cmd *cobra.Command, args []string) error {
	runID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = "http://localhost" + cfg.Server.Addr
	}
	format, _ := cmd.Flags().GetString("format")

	resp, err := http.Get(fmt.Sprintf("%s/runs/%s", server, runID))
	if err != nil {
		return fmt.Errorf("failed to reach control plane at %s: %w", server, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control plane returned %s", resp.Status)
	}

	var state run.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	report := reporting.FromState(state)

	db, err := events.Open(cfg.Database.DSN)
	if err == nil {
		defer db.Close()
		ctx := context.Background()
		rlog := reporting.NewLogger(reporting.LoggerConfig{Format: reporting.LogFormatText})
		store := events.NewStore(db, events.Config{}, rlog)
		defer store.Close()

		if stats, statErr := store.GetRunStats(ctx, runID); statErr == nil {
			report.TablesAccessed = stats.TablesAccessed
		}
	}

	rlog := reporting.NewLogger(reporting.LoggerConfig{Format: reporting.LogFormatText})
	storage, err := reporting.NewStorage(cfg.Reporting.OutputDir, cfg.Reporting.KeepLastN, rlog)
	if err != nil {
		return fmt.Errorf("failed to open report storage: %w", err)
	}

	jsonPath, err := storage.SaveReport(&report)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	fmt.Printf("report saved: %s\n", jsonPath)

	if format != "json" {
		formatter := reporting.NewFormatter(rlog)
		outPath := reporting.GetReportPath(&report, reporting.ReportFormat(format), cfg.Reporting.OutputDir)
		if err := formatter.GenerateReport(&report, reporting.ReportFormat(format), outPath); err != nil {
			return fmt.Errorf("failed to render %s report: %w", format, err)
		}
		fmt.Printf("%s report: %s\n", format, outPath)
	}

	return nil
}
