package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// retriesCmd groups the retry queue commands.
var retriesCmd = &cobra.Command{
	Use:   "retries",
	Short: "Inspect and acknowledge abandoned retry items",
}

var retriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List abandoned retry items",
	Long: `List the retry items that exhausted their attempts or failed
permanently. They are not retried until acknowledged.

Example:
  ledger-sync retries list`,
	Args: cobra.NoArgs,
	Run:  runRetriesList,
}

var retriesAckCmd = &cobra.Command{
	Use:   "ack <id>",
	Short: "Acknowledge an abandoned retry item",
	Long: `Delete an abandoned retry item after fixing its cause. The
transaction is picked up again by the next sync whose window covers it.

Example:
  ledger-sync retries ack txn-123:mapping`,
	Args: cobra.ExactArgs(1),
	Run:  runRetriesAck,
}

func init() {
	retriesCmd.AddCommand(retriesListCmd)
	retriesCmd.AddCommand(retriesAckCmd)
}

func runRetriesList(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	a, err := newApp(ctx, slog.Default(), false)
	exitOnError(err, "failed to initialize")
	defer a.Close()

	items, err := a.engine.ListAbandonedRetries(ctx)
	exitOnError(err, "failed to list retry items")

	if len(items) == 0 {
		fmt.Println("No abandoned retry items")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", item.ID(), item.Attempts, item.UpdatedAt.Format(time.RFC3339), item.LastError)
	}
	_ = w.Flush()
}

func runRetriesAck(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	a, err := newApp(ctx, slog.Default(), false)
	exitOnError(err, "failed to initialize")
	defer a.Close()

	exitOnError(a.engine.AcknowledgeAbandoned(ctx, args[0]), "failed to acknowledge retry item")
	fmt.Printf("Acknowledged %s\n", args[0])
}
