package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/apiclient"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/ledger"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/report"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/retry"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/store"
)

// progress carries stage results downstream within one transaction.
type progress struct {
	accountID  string
	record     *store.Record
	documentID string
	postedOn   string
}

type stageFunc func(context.Context, ledger.Transaction, *progress) error

// process runs every stage of txn in order. A stage with a completion record
// is not run again. The first failing stage is queued; prior is the item
// being reprocessed, if any. Only fatal errors are returned.
func (r *run) process(ctx context.Context, txn ledger.Transaction, prior *retry.Item) error {
	stages := []struct {
		stage retry.Stage
		run   stageFunc
	}{
		{retry.StageMapping, r.mapStage},
		{retry.StageStaging, r.stageStage},
		{retry.StagePosting, r.postStage},
		{retry.StageMarking, r.markStage},
	}

	var p progress
	for _, s := range stages {
		err := s.run(ctx, txn, &p)
		if err == nil {
			continue
		}
		if isFatal(err) {
			r.release(prior)
			return err
		}
		if ctx.Err() != nil {
			// Cut off by a fatal abort elsewhere or the grace period. The
			// transaction stays unprocessed and is seen again next window.
			r.logger.Warn("Transaction interrupted", "transaction_id", txn.ID, "stage", s.stage, "error", err)
			r.release(prior)
			return nil
		}
		return r.fail(ctx, txn, s.stage, err, prior, p.accountID)
	}

	if prior != nil {
		if err := r.o.deps.Queue.Delete(context.WithoutCancel(ctx), prior.ID()); err != nil && !errors.Is(err, retry.ErrNotFound) {
			return &stateError{fmt.Errorf("failed to delete retry item %s: %w", prior.ID(), err)}
		}
	}
	r.logger.Debug("Transaction synced", "transaction_id", txn.ID, "document_id", p.documentID)
	return nil
}

// fail queues stage of txn. When prior is the same stage its attempt count
// carries on; a prior item of an earlier stage is replaced.
func (r *run) fail(ctx context.Context, txn ledger.Transaction, stage retry.Stage, cause error, prior *retry.Item, accountID string) error {
	ctx = context.WithoutCancel(ctx)
	queue := r.o.deps.Queue

	item := retry.Item{TransactionID: txn.ID, Stage: stage}
	if prior != nil && prior.Stage == stage {
		item = *prior
	} else {
		if prior != nil {
			if err := queue.Delete(ctx, prior.ID()); err != nil && !errors.Is(err, retry.ErrNotFound) {
				return &stateError{fmt.Errorf("failed to delete retry item %s: %w", prior.ID(), err)}
			}
		}
		existing, err := queue.Get(ctx, item.ID())
		switch {
		case err == nil:
			item = existing
		case !errors.Is(err, retry.ErrNotFound):
			return &stateError{fmt.Errorf("failed to read retry item %s: %w", item.ID(), err)}
		}
	}
	if accountID != "" {
		item.DestinationAccountID = accountID
	}

	item = r.o.cfg.Policy.Fail(item, cause, isPermanent(cause), r.o.cfg.Now())
	if err := queue.Save(ctx, item); err != nil {
		return &stateError{fmt.Errorf("failed to save retry item %s: %w", item.ID(), err)}
	}

	r.observe(ctx, report.OutcomeFailed, txn.ID, stage)
	if item.Status == retry.StatusAbandoned {
		r.observe(ctx, report.OutcomeAbandoned, txn.ID, stage)
		r.logger.Error("Stage abandoned",
			"transaction_id", txn.ID,
			"stage", stage,
			"attempts", item.Attempts,
			"error", cause,
		)
		return nil
	}
	r.logger.Warn("Stage failed, queued for retry",
		"transaction_id", txn.ID,
		"stage", stage,
		"attempts", item.Attempts,
		"next_eligible_at", item.NextEligibleAt,
		"error", cause,
	)
	return nil
}

// release puts an item taken by the reprocessor back to pending without
// spending an attempt.
func (r *run) release(prior *retry.Item) {
	if prior == nil {
		return
	}
	item := *prior
	item.Status = retry.StatusPending
	item.UpdatedAt = r.o.cfg.Now().UTC()
	if err := r.o.deps.Queue.Save(context.Background(), item); err != nil {
		r.logger.Error("Failed to release retry item", "id", item.ID(), "error", err)
	}
}

func (r *run) mapStage(ctx context.Context, txn ledger.Transaction, p *progress) error {
	c, ok, err := r.completion(ctx, txn.ID, retry.StageMapping)
	if err != nil {
		return err
	}
	if ok {
		p.accountID = c.Reference
		return nil
	}

	accountID, err := r.mapper.Resolve(ctx, txn.CategoryID)
	if err != nil {
		return err
	}
	p.accountID = accountID
	return r.complete(ctx, txn.ID, retry.StageMapping, accountID)
}

func (r *run) stageStage(ctx context.Context, txn ledger.Transaction, p *progress) error {
	_, ok, err := r.completion(ctx, txn.ID, retry.StageStaging)
	if err != nil {
		return err
	}
	if ok || txn.HasMarker(ledger.MarkerStaged) {
		return nil
	}

	rec, err := r.o.deps.Store.Upsert(ctx, r.record(txn, p.accountID))
	if err != nil {
		return fmt.Errorf("failed to stage transaction: %w", err)
	}
	p.record = &rec
	return r.complete(ctx, txn.ID, retry.StageStaging, rec.ID)
}

func (r *run) postStage(ctx context.Context, txn ledger.Transaction, p *progress) error {
	c, ok, err := r.completion(ctx, txn.ID, retry.StagePosting)
	if err != nil {
		return err
	}
	if ok {
		p.documentID = c.Reference
		p.postedOn = c.CompletedAt.UTC().Format(dateLayout)
		return nil
	}

	err = r.post(ctx, txn, p)
	if err != nil && !isFatal(err) {
		r.markStoreFailed(ctx, txn.ID, err)
	}
	return err
}

func (r *run) post(ctx context.Context, txn ledger.Transaction, p *progress) error {
	rec, err := r.staged(ctx, txn, p)
	if err != nil {
		return err
	}

	// A document may exist from a run that crashed before recording it.
	existing, err := r.o.deps.Accounting.FindInvoiceByReference(ctx, txn.ID)
	if err != nil {
		return fmt.Errorf("failed to look up document: %w", err)
	}

	if existing != nil {
		r.logger.Info("Adopting existing document", "transaction_id", txn.ID, "document_id", existing.ID)
		p.documentID = existing.ID
	} else {
		req, err := r.o.deps.Converter.ToInvoice(rec)
		if err != nil {
			return &permanentError{err}
		}
		inv, err := r.o.deps.Accounting.CreateInvoice(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to post document: %w", err)
		}
		p.documentID = inv.ID
	}

	now := r.o.cfg.Now().UTC()
	p.postedOn = now.Format(dateLayout)
	if err := r.o.deps.Completions.Record(context.WithoutCancel(ctx), retry.Completion{
		TransactionID: txn.ID,
		Stage:         retry.StagePosting,
		Reference:     p.documentID,
		CompletedAt:   now,
	}); err != nil {
		return &stateError{fmt.Errorf("failed to record posting of %s: %w", txn.ID, err)}
	}
	r.observe(ctx, report.OutcomePosted, txn.ID, retry.StagePosting)
	return nil
}

// staged returns the store record of txn, restaging it if the store lost it.
func (r *run) staged(ctx context.Context, txn ledger.Transaction, p *progress) (store.Record, error) {
	if p.record != nil {
		return *p.record, nil
	}
	rec, err := r.o.deps.Store.Get(ctx, txn.ID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, apiclient.ErrNotFound) {
		return store.Record{}, fmt.Errorf("failed to read staged record: %w", err)
	}

	rec, err = r.o.deps.Store.Upsert(ctx, r.record(txn, p.accountID))
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to restage transaction: %w", err)
	}
	return rec, nil
}

func (r *run) markStage(ctx context.Context, txn ledger.Transaction, p *progress) error {
	_, ok, err := r.completion(ctx, txn.ID, retry.StageMarking)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	if _, err := r.o.deps.Store.UpdateStatus(ctx, txn.ID, store.StatusUpdate{
		Status:     store.StatusPosted,
		DocumentID: p.documentID,
	}); err != nil {
		return fmt.Errorf("failed to mark staged record posted: %w", err)
	}

	unlock := r.o.marks.Lock(txn.ID)
	_, err = r.o.deps.Ledger.AppendMarkers(ctx, txn.ID,
		ledger.MarkerStaged,
		ledger.MarkerPosted,
		ledger.PaidMarker(p.postedOn),
	)
	unlock()
	if err != nil {
		return fmt.Errorf("failed to write markers: %w", err)
	}
	return r.complete(ctx, txn.ID, retry.StageMarking, p.documentID)
}

// markStoreFailed mirrors a posting failure onto the staged record. It is
// informational; errors are only logged.
func (r *run) markStoreFailed(ctx context.Context, txnID string, cause error) {
	if ctx.Err() != nil {
		return
	}
	_, err := r.o.deps.Store.UpdateStatus(ctx, txnID, store.StatusUpdate{
		Status:    store.StatusFailed,
		LastError: cause.Error(),
	})
	if err != nil {
		r.logger.Debug("Failed to mirror posting failure", "transaction_id", txnID, "error", err)
	}
}

func (r *run) record(txn ledger.Transaction, accountID string) store.Record {
	return r.o.deps.Converter.ToRecord(txn, accountID, r.mapper.Contact(txn.PayeeID))
}

func (r *run) completion(ctx context.Context, txnID string, stage retry.Stage) (retry.Completion, bool, error) {
	c, err := r.o.deps.Completions.Get(context.WithoutCancel(ctx), txnID, stage)
	if errors.Is(err, retry.ErrNotFound) {
		return retry.Completion{}, false, nil
	}
	if err != nil {
		return retry.Completion{}, false, &stateError{fmt.Errorf("failed to read completion %s: %w", retry.ID(txnID, stage), err)}
	}
	return c, true, nil
}

func (r *run) complete(ctx context.Context, txnID string, stage retry.Stage, reference string) error {
	err := r.o.deps.Completions.Record(context.WithoutCancel(ctx), retry.Completion{
		TransactionID: txnID,
		Stage:         stage,
		Reference:     reference,
		CompletedAt:   r.o.cfg.Now().UTC(),
	})
	if err != nil {
		return &stateError{fmt.Errorf("failed to record completion %s: %w", retry.ID(txnID, stage), err)}
	}
	return nil
}
