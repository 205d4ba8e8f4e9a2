package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/converter"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/ledger"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/report"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/retry"
)

const (
	DefaultWorkers     = 4
	DefaultGracePeriod = 30 * time.Second
)

// Config tunes a run.
type Config struct {
	Workers     int
	GracePeriod time.Duration
	Policy      retry.Policy

	Logger        *slog.Logger
	MeterProvider metric.MeterProvider
	Now           func() time.Time
}

// Deps are the collaborators of the Orchestrator.
type Deps struct {
	Ledger      Ledger
	Store       Store
	Accounting  Accounting
	NewMapper   func() Mapper
	Converter   *converter.Converter
	Queue       retry.Queue
	Completions retry.Completions
}

// Orchestrator runs the sync pipeline over a window. Callers serialize
// RunSync; the Engine does so through its run lock.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	marks  *keyedMutex

	current atomic.Pointer[report.Reporter]
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if deps.Converter == nil {
		deps.Converter = converter.NewConverter("")
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: cfg.Logger,
		marks:  newKeyedMutex(),
	}
}

// Progress returns the live summary of the run in progress, if any.
func (o *Orchestrator) Progress() (report.Summary, bool) {
	rep := o.current.Load()
	if rep == nil {
		return report.Summary{}, false
	}
	return rep.Summarize(), true
}

// RunSync reprocesses due retry items and then runs every eligible
// transaction of w through the pipeline. Cancelling ctx stops dispatching;
// in-flight work gets the grace period to finish and the summary is
// partial. A fatal error aborts the run and yields a failed summary together
// with the error.
func (o *Orchestrator) RunSync(ctx context.Context, w Window) (report.Summary, error) {
	if err := w.Validate(); err != nil {
		return report.Summary{}, err
	}

	runID := uuid.NewString()
	opts := []report.Option{report.WithClock(o.cfg.Now)}
	if o.cfg.MeterProvider != nil {
		opts = append(opts, report.WithMeterProvider(o.cfg.MeterProvider))
	}
	rep := report.New(runID, w.Since, w.Until, opts...)
	o.current.Store(rep)
	defer o.current.Store(nil)

	logger := o.logger.With("run_id", runID)
	logger.Info("Starting sync run", "since", w.Since, "until", w.Until, "workers", o.cfg.Workers)

	work, cancelWork := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancelWork(nil)

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
		case <-finished:
			return
		}
		logger.Warn("Shutdown requested, draining in-flight work", "grace_period", o.cfg.GracePeriod)
		timer := time.NewTimer(o.cfg.GracePeriod)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelWork(ErrGraceExpired)
		case <-finished:
		}
	}()

	r := &run{
		o:      o,
		rep:    rep,
		mapper: o.deps.NewMapper(),
		logger: logger,
	}

	err := r.execute(ctx, work, w)
	var summary report.Summary
	switch {
	case err != nil:
		summary = rep.Finish(report.StatusFailed, err)
		logger.Error("Sync run failed", "error", err)
	case ctx.Err() != nil:
		summary = rep.Finish(report.StatusPartial, context.Cause(ctx))
		logger.Warn("Sync run interrupted", "processed", summary.Processed, "posted", summary.Posted)
	default:
		summary = rep.Finish(report.StatusCompleted, nil)
		logger.Info("Sync run completed",
			"processed", summary.Processed,
			"skipped", summary.Skipped,
			"posted", summary.Posted,
			"failed", summary.Failed,
			"retried", summary.Retried,
			"abandoned", summary.Abandoned,
			"duration_ms", summary.DurationMs,
		)
	}
	return summary, err
}

// run holds the state of one RunSync call.
type run struct {
	o      *Orchestrator
	rep    *report.Reporter
	mapper Mapper
	logger *slog.Logger
}

func (r *run) execute(ctx, work context.Context, w Window) error {
	if ctx.Err() != nil {
		return nil
	}
	if err := r.o.deps.Ledger.CheckBudget(work); err != nil {
		return fmt.Errorf("ledger preflight failed: %w", err)
	}

	if err := r.reprocess(ctx, work); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	txns, err := r.eligible(work, w)
	if err != nil {
		return err
	}
	r.logger.Info("Dispatching transactions", "count", len(txns))

	return r.fanOut(ctx, work, len(txns), func(ctx context.Context, i int) error {
		txn := txns[i]
		r.observe(ctx, report.OutcomeProcessed, txn.ID, "")
		return r.process(ctx, txn, nil)
	})
}

// eligible lists the cleared and reconciled transactions of w that are not
// done and not owned by an open retry item.
func (r *run) eligible(ctx context.Context, w Window) ([]ledger.Transaction, error) {
	yes := true
	txns, err := r.o.deps.Ledger.ListTransactions(ctx, ledger.TransactionFilter{
		Since:      w.Since,
		Until:      w.Until,
		Cleared:    &yes,
		Reconciled: &yes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	items, err := r.o.deps.Queue.List(ctx, "")
	if err != nil {
		return nil, &stateError{fmt.Errorf("failed to list retry items: %w", err)}
	}
	open := make(map[string]bool, len(items))
	for _, item := range items {
		open[item.TransactionID] = true
	}

	var out []ledger.Transaction
	for _, txn := range txns {
		// The filter is also applied here; the ledger is not trusted to
		// honour it.
		if !txn.Cleared || !txn.Reconciled || !w.Contains(txn.Date) {
			r.logger.Debug("Ignoring transaction outside the filter", "transaction_id", txn.ID, "date", txn.Date)
			continue
		}
		done, err := r.done(ctx, txn)
		if err != nil {
			return nil, err
		}
		if done || open[txn.ID] {
			r.logger.Debug("Skipping transaction", "transaction_id", txn.ID, "done", done, "queued", open[txn.ID])
			r.observe(ctx, report.OutcomeSkipped, txn.ID, "")
			continue
		}
		out = append(out, txn)
	}
	return out, nil
}

// done reports whether txn went through the whole pipeline already.
func (r *run) done(ctx context.Context, txn ledger.Transaction) (bool, error) {
	if txn.HasMarker(ledger.MarkerPosted) {
		return true, nil
	}
	_, ok, err := r.completion(ctx, txn.ID, retry.StageMarking)
	return ok, err
}

// fanOut calls each for 0..n-1 on the worker pool. New indexes stop being
// dispatched once ctx ends or a call returns an error; that error is
// returned.
func (r *run) fanOut(ctx, work context.Context, n int, each func(context.Context, int) error) error {
	if n == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(work)
	jobs := make(chan int)

	workers := min(r.o.cfg.Workers, n)
	for range workers {
		g.Go(func() error {
			for i := range jobs {
				if err := each(gctx, i); err != nil {
					return err
				}
			}
			return nil
		})
	}

dispatch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			break dispatch
		case <-gctx.Done():
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)

	return g.Wait()
}

func (r *run) observe(ctx context.Context, outcome report.Outcome, txnID string, stage retry.Stage) {
	r.rep.Observe(ctx, report.Event{Outcome: outcome, TransactionID: txnID, Stage: stage})
}
