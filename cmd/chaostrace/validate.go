package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chaostrace/sandbox/pkg/chaos"
	"github.com/chaostrace/sandbox/pkg/policy"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Args:  cobra.NoArgs,
	Short: "Validate policy and chaos profile YAML without running anything",
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().String("policy", "", "policy profile name to validate")
	validateCmd.Flags().String("chaos", "", "chaos profile name to validate")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	policyName, _ := cmd.Flags().GetString("policy")
	chaosName, _ := cmd.Flags().GetString("chaos")

	if policyName == "" && chaosName == "" {
		return fmt.Errorf("at least one of --policy or --chaos is required")
	}

	if policyName != "" {
		path := filepath.Join(cfg.Sandbox.PolicyDir, policyName+".yaml")
		if _, err := policy.LoadFile(path); err != nil {
			return fmt.Errorf("policy %q is invalid: %w", policyName, err)
		}
		fmt.Printf("policy %q is valid\n", policyName)
	}

	if chaosName != "" {
		path := filepath.Join(cfg.Sandbox.ScenarioDir, chaosName+".yaml")
		if _, err := chaos.LoadScenarioFile(path); err != nil {
			return fmt.Errorf("chaos profile %q is invalid: %w", chaosName, err)
		}
		fmt.Printf("chaos profile %q is valid\n", chaosName)
	}

	return nil
}
