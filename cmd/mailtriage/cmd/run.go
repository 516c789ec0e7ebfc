package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runFlags passFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one triage pass and exit",
	Long: `Run a single pass: list recent inbox messages that lack the processed
label, classify each one, and apply the resulting label changes.

A failure on one message is reported and the pass continues. The command
exits non-zero only when the pass cannot start (labels or listing fail).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		runner, err := newRunner(ctx, cfg, runFlags, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		stats, err := runner.Run(ctx)
		if err != nil {
			return fmt.Errorf("triage pass: %w", err)
		}
		logger.Debug("pass finished",
			"processed", stats.Processed(),
			"spam", stats.Spam,
			"important", stats.Important,
			"archived", stats.Archived,
			"kept", stats.Kept,
			"errors", stats.Errors)
		return nil
	},
}

func init() {
	runFlags.register(runCmd)
	rootCmd.AddCommand(runCmd)
}
