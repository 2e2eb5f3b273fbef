package reporting

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OutputFormat selects how ProgressReporter renders live run progress.
type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
	FormatTUI  OutputFormat = "tui"
)

// ProgressReporter prints a run's progress to stdout while it is in
// flight, in one of three formats.
type ProgressReporter struct {
	format OutputFormat
	logger *Logger
}

// NewProgressReporter creates a progress reporter.
func NewProgressReporter(format OutputFormat, logger *Logger) *ProgressReporter {
	return &ProgressReporter{
		format: format,
		logger: logger,
	}
}

// ReportState reports a run's current live state.
func (pr *ProgressReporter) ReportState(state LiveRunState) {
	switch pr.format {
	case FormatJSON:
		pr.reportJSON(state)
	case FormatTUI:
		pr.reportTUI(state)
	default:
		pr.reportText(state)
	}
}

// ReportStateTransition reports a lifecycle status transition.
func (pr *ProgressReporter) ReportStateTransition(from, to string) {
	switch pr.format {
	case FormatJSON:
		data, _ := json.Marshal(map[string]interface{}{
			"event":      "state_transition",
			"from_state": from,
			"to_state":   to,
			"timestamp":  time.Now(),
		})
		fmt.Println(string(data))
	case FormatTUI:
		pr.clearLine()
		fmt.Printf("state: %s -> %s\n", from, to)
	default:
		fmt.Printf("[STATE] %s -> %s\n", from, to)
	}
}

// ReportChaosEvent reports a fired chaos action.
func (pr *ProgressReporter) ReportChaosEvent(ev ChaosEventSummary) {
	switch pr.format {
	case FormatJSON:
		data, _ := json.Marshal(map[string]interface{}{
			"event":     "chaos_event",
			"chaos":     ev,
			"timestamp": time.Now(),
		})
		fmt.Println(string(data))
	case FormatTUI:
		pr.clearLine()
		fmt.Printf("chaos: %s fired %s (%s)\n", ev.TriggerName, ev.ActionType, ev.Outcome)
	default:
		fmt.Printf("[CHAOS] %s: %s (%s)\n", ev.TriggerName, ev.ActionType, ev.Outcome)
	}
}

// ReportCleanupStarted reports that sandbox teardown began.
func (pr *ProgressReporter) ReportCleanupStarted() {
	switch pr.format {
	case FormatJSON:
		data, _ := json.Marshal(map[string]interface{}{
			"event":     "cleanup_started",
			"timestamp": time.Now(),
		})
		fmt.Println(string(data))
	case FormatTUI:
		pr.clearLine()
		fmt.Println("tearing down sandbox...")
	default:
		fmt.Println("[CLEANUP] tearing down sandbox...")
	}
}

// ReportCleanupCompleted reports sandbox teardown's final tally.
func (pr *ProgressReporter) ReportCleanupCompleted(succeeded, failed int) {
	switch pr.format {
	case FormatJSON:
		data, _ := json.Marshal(map[string]interface{}{
			"event":     "cleanup_completed",
			"succeeded": succeeded,
			"failed":    failed,
			"timestamp": time.Now(),
		})
		fmt.Println(string(data))
	case FormatTUI:
		pr.clearLine()
		fmt.Printf("cleanup complete: %d succeeded, %d failed\n", succeeded, failed)
	default:
		fmt.Printf("[CLEANUP] complete: %d succeeded, %d failed\n", succeeded, failed)
	}
}

// ReportRunCompleted reports a run's final report.
func (pr *ProgressReporter) ReportRunCompleted(report *RunReport) {
	switch pr.format {
	case FormatJSON:
		data, _ := json.Marshal(map[string]interface{}{
			"event":     "run_completed",
			"report":    report,
			"timestamp": time.Now(),
		})
		fmt.Println(string(data))
	case FormatTUI:
		pr.clearLine()
		pr.printRunSummary(report)
	default:
		pr.printTextSummary(report)
	}
}

func (pr *ProgressReporter) reportText(state LiveRunState) {
	fmt.Printf("[%s] %s | elapsed: %s | sql=%d blocked=%d\n",
		time.Now().Format("15:04:05"),
		state.Status,
		state.Elapsed.Round(time.Second),
		state.TotalSQLEvents,
		state.BlockedEvents,
	)
}

func (pr *ProgressReporter) reportJSON(state LiveRunState) {
	data, err := json.Marshal(state)
	if err != nil {
		pr.logger.Error("failed to marshal state", "error", err)
		return
	}
	fmt.Println(string(data))
}

func (pr *ProgressReporter) reportTUI(state LiveRunState) {
	pr.clearScreen()

	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("   chaostrace run: %s\n", state.Scenario)
	fmt.Printf("   run id: %s\n", state.RunID)
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()

	fmt.Printf("status:  %s\n", state.Status)
	fmt.Printf("elapsed: %s\n", state.Elapsed.Round(time.Second))
	fmt.Printf("sql events: %d   blocked: %d\n", state.TotalSQLEvents, state.BlockedEvents)
	fmt.Println()
	fmt.Println(strings.Repeat("-", 80))
}

func (pr *ProgressReporter) printRunSummary(report *RunReport) {
	fmt.Println()
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("   RUN SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()

	fmt.Printf("verdict: %s\n", strings.ToUpper(string(report.Verdict)))
	fmt.Printf("   scenario: %s\n", report.Scenario)
	fmt.Printf("   run id:   %s\n", report.RunID)
	fmt.Printf("   duration: %s\n", report.Duration)
	fmt.Println()

	fmt.Printf("sql events: %d, blocked: %d, chaos: %d\n",
		report.TotalSQLEvents, report.BlockedEvents, report.ChaosEventsTriggered)
	if len(report.Violations) > 0 {
		fmt.Printf("violations (%d):\n", len(report.Violations))
		for _, v := range report.Violations {
			fmt.Printf("   - %s\n", v)
		}
	}
	fmt.Println()

	fmt.Printf("cleanup: %d actions, %d failed\n", report.CleanupActions, report.CleanupFailed)
	fmt.Println()
	fmt.Println(strings.Repeat("=", 80))
}

func (pr *ProgressReporter) printTextSummary(report *RunReport) {
	fmt.Printf("\n[RUN SUMMARY] %s\n", strings.ToUpper(string(report.Verdict)))
	fmt.Printf("  scenario: %s\n", report.Scenario)
	fmt.Printf("  run id:   %s\n", report.RunID)
	fmt.Printf("  duration: %s\n", report.Duration)
	fmt.Printf("  sql events: %d, blocked: %d, chaos: %d\n",
		report.TotalSQLEvents, report.BlockedEvents, report.ChaosEventsTriggered)
	if len(report.Violations) > 0 {
		fmt.Printf("  violations: %d\n", len(report.Violations))
	}
	fmt.Printf("  cleanup: %d actions, %d failed\n", report.CleanupActions, report.CleanupFailed)
	fmt.Println()
}

// clearScreen resets the terminal for the next TUI frame.
func (pr *ProgressReporter) clearScreen() {
	fmt.Print("\033[2J\033[H")
}

// clearLine clears the current terminal line.
func (pr *ProgressReporter) clearLine() {
	fmt.Print("\033[K")
}
