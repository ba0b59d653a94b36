// Package cmd contains all the CLI commands for the application,
// built using the Cobra library.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "profile-summary",
	Short: "A web service that summarizes GitHub user profiles.",
	Long: `profile-summary serves per-user GitHub profile summaries: commits per quarter,
language and repository rankings. Upstream quota is shared across a pool of API
tokens and spent according to an admission policy.`,
}

// Execute runs the command selected on the command line and exits non-zero
// when it fails.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log at debug level (same as DEBUG=true)")
}

// newLogger builds the JSON logger every component receives.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
