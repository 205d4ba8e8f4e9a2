package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/reconcile"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/report"
)

var (
	dateFrom string
	dateTo   string
)

// syncCmd represents the sync command.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync reconciled ledger transactions",
	Long: `Run one sync over a date window.

This command:
1. Re-attempts failed stages whose backoff has elapsed
2. Fetches reconciled transactions in the window from the ledger
3. Maps each category to an accounting account
4. Stages the transaction in the middleware store
5. Posts it to the accounting system
6. Marks it in the ledger

Without --from and --to the window starts at the end of the last completed
window (or SYNC_LOOKBACK_DAYS ago) and ends today. Interrupting the command
stops dispatching and waits SYNC_GRACE_PERIOD for in-flight transactions.

Example:
  ledger-sync sync
  ledger-sync sync --from 2024-01-01 --to 2024-01-31`,
	Run: runSync,
}

func init() {
	// Flags
	syncCmd.Flags().StringVar(&dateFrom, "from", "", "Start date (YYYY-MM-DD)")
	syncCmd.Flags().StringVar(&dateTo, "to", "", "End date (YYYY-MM-DD)")
	syncCmd.MarkFlagsRequiredTogether("from", "to")
}

func runSync(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, slog.Default(), true)
	exitOnError(err, "failed to initialize")
	defer a.Close()

	var window *reconcile.Window
	if dateFrom != "" {
		window = &reconcile.Window{Since: dateFrom, Until: dateTo}
	}

	slog.Info("Starting sync", "from", dateFrom, "to", dateTo)
	summary, err := a.engine.TriggerSync(ctx, window)
	if summary.RunID != "" {
		printSummary(summary)
	}
	exitOnError(err, "sync failed")

	if summary.Status != report.StatusCompleted {
		fmt.Fprintf(os.Stderr, "Sync ended %s\n", summary.Status)
		os.Exit(1)
	}
	slog.Info("Sync completed", "run_id", summary.RunID, "posted", summary.Posted)
}

func printSummary(s report.Summary) {
	fmt.Println("\n=== Sync Summary ===")
	fmt.Printf("Run:        %s (%s)\n", s.RunID, s.Status)
	fmt.Printf("Window:     %s .. %s\n", s.WindowStart, s.WindowEnd)
	fmt.Printf("Processed:  %d\n", s.Processed)
	fmt.Printf("Skipped:    %d\n", s.Skipped)
	fmt.Printf("Posted:     %d\n", s.Posted)
	fmt.Printf("Failed:     %d\n", s.Failed)
	fmt.Printf("Retried:    %d\n", s.Retried)
	fmt.Printf("Abandoned:  %d\n", s.Abandoned)
	fmt.Printf("Duration:   %dms\n", s.DurationMs)
	if s.Error != "" {
		fmt.Printf("Error:      %s\n", s.Error)
	}
	fmt.Println()
}
