package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/httpapi"
)

var noSchedule bool

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API",
	Long: `Run syncs every SYNC_SCHEDULE_INTERVAL and serve the engine API on
SYNC_HTTP_ADDR:

  POST /api/v1/sync               run a sync now
  GET  /api/v1/status             run state and last summary
  GET  /api/v1/retries/abandoned  abandoned retry items
  POST /api/v1/retries/{id}/ack   acknowledge an abandoned item
  GET  /api/v1/metrics            outcome totals since start
  GET  /health

Example:
  ledger-sync serve
  ledger-sync serve --no-schedule`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "serve the API without periodic syncs")
}

func runServe(cmd *cobra.Command, args []string) {
	logger := newLogger(true)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, logger, true)
	exitOnError(err, "failed to initialize")
	defer a.Close()

	server := &http.Server{
		Addr:        a.cfg.Sync.HTTPAddr,
		Handler:     httpapi.NewHandler(a.engine, logger, httpapi.WithMetrics(a.metrics)).Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting HTTP API", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if !noSchedule {
		g.Go(func() error {
			logger.Info("Starting scheduler", "interval", a.cfg.Sync.ScheduleInterval)
			return a.engine.RunSchedule(gctx, a.cfg.Sync.ScheduleInterval)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		// A sync in flight gets its grace period, plus a little to answer.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Sync.GracePeriod+5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	exitOnError(g.Wait(), "server error")
	logger.Info("Server stopped")
}
