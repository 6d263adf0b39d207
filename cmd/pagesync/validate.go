package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/pagesync/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a PageSync configuration file without starting anything.

This command parses the YAML, expands environment variables, validates all
fields and builds every task. It's useful for CI/CD pipelines or
pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  pagesync validate -c pagesync.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	tasks, err := config.BuildTasks(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Port:      %d\n", cfg.Port)
	fmt.Fprintf(out, "  Tasks:     %d\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(out, "    - %s: %s on %s every %s\n", t.Name(), t.Operation(), t.URI(), t.Interval())
	}
	if lp := cfg.LongPoll; lp != nil {
		fmt.Fprintf(out, "  Long poll: %s (queue %s)\n", lp.URI, lp.Queue)
	} else {
		fmt.Fprintf(out, "  Long poll: disabled\n")
	}

	return nil
}
