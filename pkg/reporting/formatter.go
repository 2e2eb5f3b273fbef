package reporting

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaostrace/sandbox/pkg/run"
)

// ReportFormat selects a run report's rendered output format.
type ReportFormat string

const (
	ReportFormatHTML ReportFormat = "html"
	ReportFormatText ReportFormat = "text"
	ReportFormatJSON ReportFormat = "json"
)

// Formatter renders a RunReport into one of the supported output
// formats.
type Formatter struct {
	logger *Logger
}

// NewFormatter creates a report formatter.
func NewFormatter(logger *Logger) *Formatter {
	return &Formatter{
		logger: logger,
	}
}

// GenerateReport writes report to outputPath in the given format.
func (f *Formatter) GenerateReport(report *RunReport, format ReportFormat, outputPath string) error {
	switch format {
	case ReportFormatHTML:
		return f.generateHTMLReport(report, outputPath)
	case ReportFormatText:
		return f.generateTextReport(report, outputPath)
	case ReportFormatJSON:
		return fmt.Errorf("json format is saved directly by storage, not the formatter")
	default:
		return fmt.Errorf("unsupported report format: %s", format)
	}
}

func (f *Formatter) generateHTMLReport(report *RunReport, outputPath string) error {
	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"formatTime": func(t time.Time) string {
			return t.Format("2006-01-02 15:04:05")
		},
		"verdictClass": func(v run.Verdict) string {
			switch v {
			case run.VerdictPass:
				return "pass"
			case run.VerdictWarn:
				return "warn"
			default:
				return "fail"
			}
		},
	}).Parse(htmlTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse HTML template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, report); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	if err := os.WriteFile(outputPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write HTML report: %w", err)
	}

	f.logger.Info("HTML report generated", "path", outputPath)
	return nil
}

func (f *Formatter) generateTextReport(report *RunReport, outputPath string) error {
	var buf bytes.Buffer

	buf.WriteString(strings.Repeat("=", 80) + "\n")
	buf.WriteString("   CHAOSTRACE RUN REPORT\n")
	buf.WriteString(strings.Repeat("=", 80) + "\n\n")

	buf.WriteString("RUN SUMMARY\n")
	buf.WriteString(strings.Repeat("-", 80) + "\n")
	buf.WriteString(fmt.Sprintf("Run ID:       %s\n", report.RunID))
	buf.WriteString(fmt.Sprintf("Scenario:     %s\n", report.Scenario))
	buf.WriteString(fmt.Sprintf("Status:       %s\n", report.Status))
	buf.WriteString(fmt.Sprintf("Verdict:      %s\n", strings.ToUpper(string(report.Verdict))))
	buf.WriteString(fmt.Sprintf("Policy:       %s\n", report.Request.PolicyProfile))
	if report.Request.ChaosProfile != "" {
		buf.WriteString(fmt.Sprintf("Chaos:        %s\n", report.Request.ChaosProfile))
	}
	buf.WriteString(fmt.Sprintf("Start Time:   %s\n", report.StartTime.Format("2006-01-02 15:04:05")))
	buf.WriteString(fmt.Sprintf("End Time:     %s\n", report.EndTime.Format("2006-01-02 15:04:05")))
	buf.WriteString(fmt.Sprintf("Duration:     %s\n", report.Duration))
	if report.ErrorMessage != "" {
		buf.WriteString(fmt.Sprintf("Error:        %s\n", report.ErrorMessage))
	}
	buf.WriteString("\n")

	buf.WriteString("EVENT COUNTS\n")
	buf.WriteString(strings.Repeat("-", 80) + "\n")
	buf.WriteString(fmt.Sprintf("SQL Events:        %d\n", report.TotalSQLEvents))
	buf.WriteString(fmt.Sprintf("Blocked Events:     %d\n", report.BlockedEvents))
	buf.WriteString(fmt.Sprintf("Chaos Events:       %d\n", report.ChaosEventsTriggered))
	if len(report.TablesAccessed) > 0 {
		buf.WriteString(fmt.Sprintf("Tables Accessed:    %s\n", strings.Join(report.TablesAccessed, ", ")))
	}
	buf.WriteString("\n")

	if len(report.Violations) > 0 {
		buf.WriteString("POLICY VIOLATIONS\n")
		buf.WriteString(strings.Repeat("-", 80) + "\n")
		for i, v := range report.Violations {
			buf.WriteString(fmt.Sprintf("%d. %s\n", i+1, v))
		}
		buf.WriteString("\n")
	}

	if len(report.ChaosEvents) > 0 {
		buf.WriteString("CHAOS EVENTS\n")
		buf.WriteString(strings.Repeat("-", 80) + "\n")
		for i, ce := range report.ChaosEvents {
			buf.WriteString(fmt.Sprintf("%d. [%s] %s -> %s (%s)\n",
				i+1, ce.Timestamp.Format("15:04:05"), ce.TriggerName, ce.ActionType, ce.Outcome))
		}
		buf.WriteString("\n")
	}

	buf.WriteString("CLEANUP SUMMARY\n")
	buf.WriteString(strings.Repeat("-", 80) + "\n")
	buf.WriteString(fmt.Sprintf("Total Actions: %d\n", report.CleanupActions))
	buf.WriteString(fmt.Sprintf("Failed:        %d\n", report.CleanupFailed))
	buf.WriteString("\n")

	buf.WriteString(strings.Repeat("=", 80) + "\n")
	buf.WriteString(fmt.Sprintf("Generated: %s\n", time.Now().Format("2006-01-02 15:04:05")))
	buf.WriteString(strings.Repeat("=", 80) + "\n")

	if err := os.WriteFile(outputPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write text report: %w", err)
	}

	f.logger.Info("text report generated", "path", outputPath)
	return nil
}

// GetReportPath builds the conventional path for report in the given
// format under outputDir.
func GetReportPath(report *RunReport, format ReportFormat, outputDir string) string {
	timestamp := report.StartTime.Format("20060102-150405")
	filename := fmt.Sprintf("report-%s-%s.%s", timestamp, report.RunID, string(format))
	return filepath.Join(outputDir, filename)
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>chaostrace run report - {{.RunID}}</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", Arial, sans-serif;
            line-height: 1.6;
            color: #333;
            max-width: 1200px;
            margin: 0 auto;
            padding: 20px;
            background-color: #f5f5f5;
        }
        .container {
            background-color: white;
            border-radius: 8px;
            box-shadow: 0 2px 4px rgba(0,0,0,0.1);
            padding: 30px;
        }
        h1, h2 {
            color: #2c3e50;
            border-bottom: 2px solid #3498db;
            padding-bottom: 10px;
        }
        .header {
            background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
            color: white;
            padding: 30px;
            border-radius: 8px 8px 0 0;
            margin: -30px -30px 30px -30px;
        }
        .status {
            display: inline-block;
            padding: 5px 15px;
            border-radius: 4px;
            font-weight: bold;
            margin-left: 10px;
        }
        .status.pass { background-color: #27ae60; color: white; }
        .status.warn { background-color: #f39c12; color: white; }
        .status.fail { background-color: #e74c3c; color: white; }
        .info-grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(250px, 1fr));
            gap: 20px;
            margin: 20px 0;
        }
        .info-box { background-color: #ecf0f1; padding: 15px; border-radius: 4px; }
        .info-label { font-weight: bold; color: #7f8c8d; font-size: 0.9em; margin-bottom: 5px; }
        .info-value { font-size: 1.1em; color: #2c3e50; }
        table { width: 100%; border-collapse: collapse; margin: 20px 0; }
        th, td { padding: 12px; text-align: left; border-bottom: 1px solid #ddd; }
        th { background-color: #3498db; color: white; }
        tr:hover { background-color: #f5f5f5; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>chaostrace run report</h1>
            <p>{{.Scenario}}</p>
            <p>Run ID: {{.RunID}}</p>
        </div>

        <h2>Summary<span class="status {{verdictClass .Verdict}}">{{.Verdict}}</span></h2>
        <div class="info-grid">
            <div class="info-box"><div class="info-label">Start Time</div><div class="info-value">{{formatTime .StartTime}}</div></div>
            <div class="info-box"><div class="info-label">End Time</div><div class="info-value">{{formatTime .EndTime}}</div></div>
            <div class="info-box"><div class="info-label">Duration</div><div class="info-value">{{.Duration}}</div></div>
            <div class="info-box"><div class="info-label">Status</div><div class="info-value">{{.Status}}</div></div>
        </div>

        <h2>Event Counts</h2>
        <div class="info-grid">
            <div class="info-box"><div class="info-label">SQL Events</div><div class="info-value">{{.TotalSQLEvents}}</div></div>
            <div class="info-box"><div class="info-label">Blocked</div><div class="info-value">{{.BlockedEvents}}</div></div>
            <div class="info-box"><div class="info-label">Chaos Events</div><div class="info-value">{{.ChaosEventsTriggered}}</div></div>
        </div>

        {{if .Violations}}
        <h2>Policy Violations</h2>
        <ul>
            {{range .Violations}}<li>{{.}}</li>{{end}}
        </ul>
        {{end}}

        {{if .ChaosEvents}}
        <h2>Chaos Events</h2>
        <table>
            <thead><tr><th>Time</th><th>Trigger</th><th>Action</th><th>Outcome</th></tr></thead>
            <tbody>
                {{range .ChaosEvents}}
                <tr><td>{{formatTime .Timestamp}}</td><td>{{.TriggerName}}</td><td>{{.ActionType}}</td><td>{{.Outcome}}</td></tr>
                {{end}}
            </tbody>
        </table>
        {{end}}

        <h2>Cleanup Summary</h2>
        <div class="info-grid">
            <div class="info-box"><div class="info-label">Total Actions</div><div class="info-value">{{.CleanupActions}}</div></div>
            <div class="info-box"><div class="info-label">Failed</div><div class="info-value">{{.CleanupFailed}}</div></div>
        </div>

        {{if .ErrorMessage}}
        <h2>Error</h2>
        <p>{{.ErrorMessage}}</p>
        {{end}}

        <p style="text-align: center; color: #7f8c8d; margin-top: 30px;">
            Generated by chaostrace &bull; {{formatTime .EndTime}}
        </p>
    </div>
</body>
</html>
`
