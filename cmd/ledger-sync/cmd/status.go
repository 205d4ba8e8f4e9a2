package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/retry"
)

// statusCmd represents the status command.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display the last run and retry queue",
	Long: `Display the summary of the last sync run and statistics over all runs.

Shows:
- The last run summary
- Total runs, posted transactions and failures
- Open retry items by status

Example:
  ledger-sync status`,
	Run: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	a, err := newApp(ctx, slog.Default(), false)
	exitOnError(err, "failed to initialize")
	defer a.Close()

	status := a.engine.Status()
	if status.LastSummary != nil {
		printSummary(*status.LastSummary)
	} else {
		fmt.Println("\nNo sync has run yet")
	}

	stats, err := a.history.GetStats(ctx)
	exitOnError(err, "failed to get statistics")

	fmt.Println("=== Sync Statistics ===")
	fmt.Printf("Total runs:       %d\n", stats.TotalRuns)
	fmt.Printf("Total posted:     %d\n", stats.TotalPosted)
	fmt.Printf("Total failures:   %d\n", stats.TotalFailed)
	fmt.Printf("Total abandoned:  %d\n", stats.TotalAbandoned)
	if stats.LastRun.Valid {
		fmt.Printf("Last run:         %s\n", stats.LastRun.String)
	} else {
		fmt.Printf("Last run:         (never)\n")
	}

	for _, st := range []retry.Status{retry.StatusPending, retry.StatusInProgress, retry.StatusAbandoned} {
		items, err := a.queue.List(ctx, st)
		exitOnError(err, "failed to list retry items")
		fmt.Printf("Retry %-11s %d\n", string(st)+":", len(items))
	}
	fmt.Println()
}
