// Package cmd provides CLI commands for ledger-sync.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool

	// logLevel is shared by every logger so DEBUG=true in the config can
	// lower it after the logger exists.
	logLevel slog.LevelVar
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ledger-sync",
	Short: "Sync reconciled ledger transactions to the accounting system",
	Long: `ledger-sync moves reconciled transactions from a personal ledger
through a middleware store into an accounting system.

It supports:
- Mapping ledger categories to accounting accounts
- Posting each transaction exactly once, even across restarts
- Retrying failed stages with backoff and abandoning hopeless ones
- Marking synced transactions in the ledger

Example:
  ledger-sync sync --from 2024-01-01 --to 2024-01-31
  ledger-sync status
  ledger-sync retries list
  ledger-sync serve`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(newLogger(false))
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	// Add subcommands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retriesCmd)
	rootCmd.AddCommand(serveCmd)
}

// newLogger returns the text logger of the CLI, or a JSON logger for
// long-running processes.
func newLogger(json bool) *slog.Logger {
	if debug {
		logLevel.Set(slog.LevelDebug)
	}
	opts := &slog.HandlerOptions{Level: &logLevel}

	if json {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Helper function to handle errors and exit.
func exitOnError(err error, msg string) {
	if err != nil {
		slog.Error(msg, "error", err)
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
		os.Exit(1)
	}
}
