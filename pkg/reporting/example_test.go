package reporting_test

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/chaostrace/sandbox/pkg/reporting"
	"github.com/chaostrace/sandbox/pkg/run"
)

// Example demonstrates saving, listing, loading, and formatting a run
// report.
func Example() {
	logger := reporting.NewLogger(reporting.LoggerConfig{
		Level:  reporting.LogLevelInfo,
		Format: reporting.LogFormatText,
		Output: os.Stdout,
	})

	logger.Info("run starting", "scenario", "aggressive_delete")

	storage, err := reporting.NewStorage("./test-reports", 10, logger)
	if err != nil {
		fmt.Printf("failed to create storage: %v\n", err)
		return
	}
	defer os.RemoveAll("./test-reports")

	verdict := run.VerdictWarn
	report := &reporting.RunReport{
		RunID:     uuid.New(),
		Scenario:  "aggressive_delete",
		Status:    run.StatusCompleted,
		Verdict:   verdict,
		StartTime: time.Now().Add(-5 * time.Minute),
		EndTime:   time.Now(),
		Duration:  "5m0s",
		Request: run.Request{
			AgentType:     run.AgentPython,
			Scenario:      "aggressive_delete",
			PolicyProfile: "strict",
		},
		TotalSQLEvents: 42,
		BlockedEvents:  0,
		Violations:     []string{"unbounded DELETE on orders without WHERE clause"},
	}

	path, err := storage.SaveReport(report)
	if err != nil {
		fmt.Printf("failed to save report: %v\n", err)
		return
	}

	fmt.Printf("report saved successfully\n")

	summaries, err := storage.ListReports()
	if err != nil {
		fmt.Printf("failed to list reports: %v\n", err)
		return
	}

	fmt.Printf("found %d report(s)\n", len(summaries))
	for _, summary := range summaries {
		fmt.Printf("  %s: %s (%s)\n", summary.RunID, summary.Scenario, summary.Status)
	}

	loadedReport, err := storage.LoadReport(path)
	if err != nil {
		fmt.Printf("failed to load report: %v\n", err)
		return
	}

	fmt.Printf("loaded report for run: %s\n", loadedReport.RunID)

	formatter := reporting.NewFormatter(logger)

	textPath := "./test-reports/report.txt"
	if err := formatter.GenerateReport(report, reporting.ReportFormatText, textPath); err != nil {
		fmt.Printf("failed to generate text report: %v\n", err)
		return
	}
	fmt.Printf("text report generated\n")

	htmlPath := "./test-reports/report.html"
	if err := formatter.GenerateReport(report, reporting.ReportFormatHTML, htmlPath); err != nil {
		fmt.Printf("failed to generate HTML report: %v\n", err)
		return
	}
	fmt.Printf("HTML report generated\n")

	// Output will vary due to timestamps, so we don't include it
}
