package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	version = "dev" // set by build flags
)

var rootCmd = &cobra.Command{
	Use:   "chaostrace",
	Short: "A sandboxed safety harness for database-touching AI agents",
	Long: `chaostrace runs an AI agent against an isolated database inside a
sandbox, observing every SQL statement through a transparent wire proxy,
scoring its risk, enforcing a policy, optionally injecting scheduled
chaos, and producing a pass/warn/fail verdict once the run ends.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(proxyCmd)
}

// verdictFailError signals that a run completed but its verdict was
// FAIL, distinguishing a failed check from a transport/internal error
// per the CLI's exit code contract (0 pass, 1 policy/score fail, 2
// transport or internal error).
type verdictFailError struct{ msg string }

func (e verdictFailError) Error() string { return e.msg }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var verdictErr verdictFailError
		if errors.As(err, &verdictErr) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
