package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/apiclient"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/ledger"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/report"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/retry"
)

// reprocess re-drives the retry items that are due. Items left in progress
// by a crashed run go back to pending first.
func (r *run) reprocess(ctx, work context.Context) error {
	queue := r.o.deps.Queue

	reset, err := queue.ResetInProgress(work)
	if err != nil {
		return &stateError{fmt.Errorf("failed to reset retry items: %w", err)}
	}
	if reset > 0 {
		r.logger.Warn("Recovered retry items left in progress", "count", reset)
	}

	due, err := queue.Due(work, r.o.cfg.Now().UTC(), r.o.cfg.Policy.MaxAttempts)
	if err != nil {
		return &stateError{fmt.Errorf("failed to list due retry items: %w", err)}
	}
	if len(due) == 0 {
		return nil
	}
	r.logger.Info("Reprocessing retry items", "count", len(due))

	return r.fanOut(ctx, work, len(due), func(ctx context.Context, i int) error {
		return r.retryItem(ctx, due[i])
	})
}

func (r *run) retryItem(ctx context.Context, item retry.Item) error {
	queue := r.o.deps.Queue

	item.Status = retry.StatusInProgress
	item.UpdatedAt = r.o.cfg.Now().UTC()
	if err := queue.Save(ctx, item); err != nil {
		return &stateError{fmt.Errorf("failed to claim retry item %s: %w", item.ID(), err)}
	}

	txn, err := r.o.deps.Ledger.GetTransaction(ctx, item.TransactionID)
	if err != nil {
		if isFatal(err) {
			r.release(&item)
			return err
		}
		if ctx.Err() != nil {
			r.release(&item)
			return nil
		}
		r.observe(ctx, report.OutcomeRetried, item.TransactionID, item.Stage)
		if errors.Is(err, apiclient.ErrNotFound) {
			err = &permanentError{fmt.Errorf("transaction no longer exists: %w", err)}
		}
		return r.fail(ctx, ledger.Transaction{ID: item.TransactionID}, item.Stage, err, &item, item.DestinationAccountID)
	}

	stale, err := r.stale(ctx, txn, item.Stage)
	if err != nil {
		r.release(&item)
		return err
	}
	if stale && txn.HasMarker(ledger.MarkerPosted) {
		r.logger.Info("Dropping stale retry item", "id", item.ID())
		if err := queue.Delete(ctx, item.ID()); err != nil && !errors.Is(err, retry.ErrNotFound) {
			return &stateError{fmt.Errorf("failed to delete retry item %s: %w", item.ID(), err)}
		}
		return nil
	}

	// A transaction un-reconciled since it failed keeps its item without
	// spending an attempt until it is reconciled again.
	if !txn.Cleared || !txn.Reconciled {
		r.logger.Info("Holding retry item of unreconciled transaction", "id", item.ID())
		r.release(&item)
		return nil
	}

	if stale {
		r.logger.Info("Dropping stale retry item", "id", item.ID())
		// Continue downstream; completed stages are skipped.
		return r.process(ctx, txn, &item)
	}

	r.observe(ctx, report.OutcomeRetried, item.TransactionID, item.Stage)
	return r.process(ctx, txn, &item)
}

// stale reports whether stage of txn already completed, by completion
// record or by the marker projected on the transaction.
func (r *run) stale(ctx context.Context, txn ledger.Transaction, stage retry.Stage) (bool, error) {
	if txn.HasMarker(ledger.MarkerPosted) {
		return true, nil
	}
	if stage == retry.StageStaging && txn.HasMarker(ledger.MarkerStaged) {
		return true, nil
	}
	_, ok, err := r.completion(ctx, txn.ID, stage)
	return ok, err
}
