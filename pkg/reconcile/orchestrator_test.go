package reconcile_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/accounting"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/apiclient"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/emulator"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/ledger"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/mapping"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/reconcile"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/report"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/retry"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/store"
)

func TestRunSyncPostsReconciledTransactions(t *testing.T) {
	h := newHarness(t, harnessOptions{workers: 4})

	summary, err := h.orch.RunSync(context.Background(), january)
	require.NoError(t, err)

	assert.Equal(t, report.StatusCompleted, summary.Status)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 3, summary.Posted)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.Skipped)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, "2024-01-01", summary.WindowStart)
	assert.Equal(t, "2024-01-31", summary.WindowEnd)

	for _, id := range []string{"t1", "t2", "t3"} {
		notes := h.notes(id)
		assert.True(t, ledger.HasMarker(notes, ledger.MarkerPosted), id)
		assert.True(t, ledger.HasMarker(notes, ledger.MarkerStaged), id)
		assert.True(t, ledger.HasMarker(notes, ledger.PaidMarker("2024-02-10")), id)

		rec, ok := h.storeEmu.Record(id)
		require.True(t, ok, id)
		assert.Equal(t, string(store.StatusPosted), rec.Status)
		assert.NotEmpty(t, rec.DocumentID)
		assert.Equal(t, "acc-groceries", rec.DestinationAccountID)
	}
	assert.Contains(t, h.notes("t1"), "weekly shop")
	assert.Empty(t, h.notes("t4"), "unreconciled transactions are left alone")
	assert.Empty(t, h.notes("t5"), "transactions outside the window are left alone")

	invoices := h.acctEmu.Invoices()
	require.Len(t, invoices, 3)
	for _, inv := range invoices {
		assert.Equal(t, string(accounting.DocumentBill), inv.Type)
		assert.Equal(t, "USD", inv.Currency)
		require.Len(t, inv.LineItems, 1)
		assert.True(t, inv.LineItems[0].Amount.IsPositive())
	}
	assert.Empty(t, h.items(""))
}

func TestRunSyncIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{workers: 4})
	ctx := context.Background()

	first, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)
	require.Equal(t, 3, first.Posted)
	writes := h.ledgerEmu.NoteWrites("t1")

	second, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)

	assert.Equal(t, report.StatusCompleted, second.Status)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 0, second.Posted)
	assert.Equal(t, 3, second.Skipped)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Len(t, h.acctEmu.Invoices(), 3)
	assert.Equal(t, writes, h.ledgerEmu.NoteWrites("t1"))
}

func TestRunSyncAmbiguousMappingIsQueued(t *testing.T) {
	h := newHarness(t, harnessOptions{workers: 4})
	h.recategorize("t2", "cat-travel")

	summary, err := h.orch.RunSync(context.Background(), january)
	require.NoError(t, err)

	assert.Equal(t, report.StatusCompleted, summary.Status)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.Posted)
	assert.Equal(t, 1, summary.Failed)

	items := h.items(retry.StatusPending)
	require.Len(t, items, 1)
	assert.Equal(t, "t2", items[0].TransactionID)
	assert.Equal(t, retry.StageMapping, items[0].Stage)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Contains(t, items[0].LastError, "mapping unresolved")
	assert.Equal(t, h.clock.Now().Add(5*time.Minute), items[0].NextEligibleAt)

	assert.False(t, ledger.HasMarker(h.notes("t2"), ledger.MarkerPosted))
	_, staged := h.storeEmu.Record("t2")
	assert.False(t, staged)
}

func TestRunSyncHonorsStoreRetryAfter(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.storeEmu.Inject("upsert_record", emulator.Fault{Status: http.StatusTooManyRequests, RetryAfter: "5"})

	summary, err := h.orch.RunSync(context.Background(), january)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{5 * time.Second}, h.storeSleeps.recorded())
	assert.Equal(t, 3, summary.Posted)
	assert.Equal(t, 0, summary.Failed)
	assert.Empty(t, h.items(""))
	assert.Equal(t, 4, h.storeEmu.Calls("upsert_record"))
}

func TestReprocessingRetriesOnlyTheFailedStage(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	fault := emulator.Fault{Status: http.StatusInternalServerError}
	h.acctEmu.Inject("create_invoice", fault, fault)

	first, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Failed)
	assert.Equal(t, 2, first.Posted)

	items := h.items(retry.StatusPending)
	require.Len(t, items, 1)
	assert.Equal(t, "t1:posting", items[0].ID())
	assert.Equal(t, "acc-groceries", items[0].DestinationAccountID)
	rec, _ := h.storeEmu.Record("t1")
	assert.Equal(t, string(store.StatusFailed), rec.Status)

	// Not due yet.
	early, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)
	assert.Equal(t, 0, early.Retried)
	assert.Equal(t, 3, early.Skipped)

	upserts := h.storeEmu.Calls("upsert_record")
	h.clock.Advance(6 * time.Minute)
	second, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)

	assert.Equal(t, 1, second.Retried)
	assert.Equal(t, 1, second.Posted)
	assert.Equal(t, 0, second.Failed)
	assert.Equal(t, 0, second.Processed)
	assert.Empty(t, h.items(""))
	assert.Equal(t, upserts, h.storeEmu.Calls("upsert_record"), "staging is not repeated")
	assert.True(t, ledger.HasMarker(h.notes("t1"), ledger.MarkerPosted))
	assert.Len(t, h.acctEmu.Invoices(), 3)

	rec, _ = h.storeEmu.Record("t1")
	assert.Equal(t, string(store.StatusPosted), rec.Status)
}

func TestReprocessingAbandonsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.recategorize("t2", "cat-travel")

	first, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Failed)

	h.clock.Advance(6 * time.Minute)
	second, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Retried)
	assert.Equal(t, 1, second.Failed)
	assert.Equal(t, 0, second.Abandoned)

	item, err := h.queue.Get(ctx, "t2:mapping")
	require.NoError(t, err)
	assert.Equal(t, 2, item.Attempts)
	assert.Equal(t, h.clock.Now().Add(10*time.Minute), item.NextEligibleAt)

	h.clock.Advance(11 * time.Minute)
	third, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Retried)
	assert.Equal(t, 1, third.Abandoned)

	h.clock.Advance(2 * time.Hour)
	fourth, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)
	assert.Equal(t, 0, fourth.Retried, "abandoned items are not retried")
	assert.Equal(t, 0, fourth.Processed)

	abandoned, err := h.engine.ListAbandonedRetries(ctx)
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, 3, abandoned[0].Attempts)
	assert.Equal(t, retry.StatusAbandoned, abandoned[0].Status)

	// The operator pins the category and acknowledges the item.
	h.setPins(mapping.NewPins(mapping.PinConfig{
		Categories: []mapping.CategoryPin{{CategoryID: "cat-travel", AccountID: "acc-travel-1"}},
	}))
	require.NoError(t, h.engine.AcknowledgeAbandoned(ctx, "t2:mapping"))
	assert.Empty(t, h.items(""))

	fifth, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)
	assert.Equal(t, 1, fifth.Processed)
	assert.Equal(t, 1, fifth.Posted)
	rec, ok := h.storeEmu.Record("t2")
	require.True(t, ok)
	assert.Equal(t, "acc-travel-1", rec.DestinationAccountID)
}

func TestAttemptsNeverExceedMax(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.recategorize("t3", "cat-travel")

	for i := 0; i < 8; i++ {
		_, err := h.orch.RunSync(ctx, january)
		require.NoError(t, err)
		h.clock.Advance(2 * time.Hour)

		for _, item := range h.items("") {
			assert.LessOrEqual(t, item.Attempts, h.policy.MaxAttempts)
		}
	}
	items := h.items(retry.StatusAbandoned)
	require.Len(t, items, 1)
	assert.Equal(t, h.policy.MaxAttempts, items[0].Attempts)
}

func TestPermanentFailureAbandonsImmediately(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.storeEmu.Inject("upsert_record", emulator.Fault{Status: http.StatusBadRequest})

	summary, err := h.orch.RunSync(context.Background(), january)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Abandoned)
	assert.Equal(t, 2, summary.Posted)

	items := h.items(retry.StatusAbandoned)
	require.Len(t, items, 1)
	assert.Equal(t, "t1:staging", items[0].ID())
	assert.Equal(t, 1, items[0].Attempts)
	assert.True(t, items[0].NextEligibleAt.IsZero())
}

func TestForbiddenPostingAbandonsOnlyThatTransaction(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.acctEmu.Inject("create_invoice", emulator.Fault{Status: http.StatusForbidden})

	summary, err := h.orch.RunSync(context.Background(), january)
	require.NoError(t, err)

	assert.Equal(t, report.StatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.Posted)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Abandoned)

	items := h.items(retry.StatusAbandoned)
	require.Len(t, items, 1)
	assert.Equal(t, "t1:posting", items[0].ID())
	assert.Equal(t, 1, items[0].Attempts)
	assert.Len(t, h.acctEmu.Invoices(), 2)
}

func TestReprocessingHoldsUnreconciledTransactions(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	fault := emulator.Fault{Status: http.StatusInternalServerError}
	h.acctEmu.Inject("create_invoice", fault, fault)

	first, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Failed)

	setReconciled := func(reconciled bool) {
		txn, ok := h.ledgerEmu.Transaction("t1")
		require.True(t, ok)
		txn.Reconciled = reconciled
		h.ledgerEmu.AddTransaction(txn)
	}

	setReconciled(false)
	h.clock.Advance(6 * time.Minute)
	held, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)

	assert.Equal(t, 0, held.Retried)
	assert.Equal(t, 0, held.Posted)
	assert.Equal(t, 0, held.Failed)
	assert.Len(t, h.acctEmu.Invoices(), 2)
	assert.False(t, ledger.HasMarker(h.notes("t1"), ledger.MarkerPosted))

	items := h.items(retry.StatusPending)
	require.Len(t, items, 1)
	assert.Equal(t, "t1:posting", items[0].ID())
	assert.Equal(t, 1, items[0].Attempts, "holding does not spend an attempt")

	setReconciled(true)
	resumed, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)

	assert.Equal(t, 1, resumed.Retried)
	assert.Equal(t, 1, resumed.Posted)
	assert.Empty(t, h.items(""))
	assert.Len(t, h.acctEmu.Invoices(), 3)
}

func TestRunSyncIgnoresTransactionsOutsideTheWindow(t *testing.T) {
	h := newHarness(t, harnessOptions{wrapLedger: func(l reconcile.Ledger) reconcile.Ledger {
		return unboundedLedger{l}
	}})

	summary, err := h.orch.RunSync(context.Background(), january)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 3, summary.Posted)
	assert.Equal(t, 0, summary.Skipped)
	assert.Len(t, h.acctEmu.Invoices(), 3)
	assert.Empty(t, h.notes("t5"))
	_, ok := h.storeEmu.Record("t5")
	assert.False(t, ok)
}

// unboundedLedger drops the date bounds of every listing.
type unboundedLedger struct {
	reconcile.Ledger
}

func (l unboundedLedger) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	filter.Since, filter.Until = "", ""
	return l.Ledger.ListTransactions(ctx, filter)
}

func TestRunSyncFatalErrors(t *testing.T) {
	tests := []struct {
		name    string
		opts    harnessOptions
		prepare func(h *harness)
		want    error
	}{
		{
			name: "rejected ledger credentials",
			opts: harnessOptions{ledgerPassword: "wrong"},
			want: apiclient.ErrAuthentication,
		},
		{
			name: "budget not loaded",
			opts: harnessOptions{budgetID: "budget-9"},
			want: ledger.ErrLedgerNotLoaded,
		},
		{
			name:    "ledger contract violation",
			prepare: func(h *harness) { h.ledgerEmu.BreakContract("list_transactions") },
			want:    apiclient.ErrContract,
		},
		{
			name:    "accounting credentials rejected",
			prepare: func(h *harness) { h.acctEmu.Inject("token", emulator.Fault{Status: http.StatusUnauthorized}) },
			want: apiclient.ErrAuthentication,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts)
			if tt.prepare != nil {
				tt.prepare(h)
			}

			summary, err := h.orch.RunSync(context.Background(), january)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, report.StatusFailed, summary.Status)
			assert.NotEmpty(t, summary.Error)
			assert.Equal(t, 0, summary.Posted)
			assert.Empty(t, h.items(""), "fatal errors do not create retry items")
			assert.Empty(t, h.acctEmu.Invoices())
		})
	}
}

func TestStaleRetryItemIsDropped(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	txn, _ := h.ledgerEmu.Transaction("t1")
	txn.Notes = "already done #posted-to-accounting"
	h.ledgerEmu.AddTransaction(txn)
	require.NoError(t, h.queue.Save(ctx, retry.Item{
		TransactionID:  "t1",
		Stage:          retry.StagePosting,
		Attempts:       1,
		Status:         retry.StatusPending,
		NextEligibleAt: h.clock.Now().Add(-time.Minute),
	}))

	summary, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Retried)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 2, summary.Posted)
	assert.Empty(t, h.items(""))
	for _, inv := range h.acctEmu.Invoices() {
		assert.NotEqual(t, "t1", inv.Reference)
	}
}

func TestInProgressItemsAreRecovered(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	require.NoError(t, h.queue.Save(ctx, retry.Item{
		TransactionID:        "t3",
		Stage:                retry.StageStaging,
		Attempts:             1,
		Status:               retry.StatusInProgress,
		DestinationAccountID: "acc-groceries",
		NextEligibleAt:       h.clock.Now().Add(-time.Minute),
	}))
	require.NoError(t, h.completions.Record(ctx, retry.Completion{TransactionID: "t3", Stage: retry.StageMapping, Reference: "acc-groceries"}))

	summary, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Retried)
	assert.Equal(t, 3, summary.Posted)
	assert.Equal(t, 2, summary.Processed)
	assert.Empty(t, h.items(""))
}

func TestPostingAdoptsExistingDocument(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	// A run crashed after the document was created but before it was
	// recorded.
	_, err := h.acctClient.CreateInvoice(ctx, accounting.InvoiceRequest{
		Type:      accounting.DocumentBill,
		Date:      "2024-01-05",
		Reference: "t1",
		LineItems: []accounting.LineItem{{AccountID: "acc-groceries", Amount: mustDecimal(t, "42.50")}},
	})
	require.NoError(t, err)

	summary, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Posted)
	assert.Len(t, h.acctEmu.Invoices(), 3)
	assert.Equal(t, 3, h.acctEmu.Calls("create_invoice"), "one seeded, two posted")
}

func TestMarkingFailureDoesNotRepost(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	fault := emulator.Fault{Status: http.StatusBadGateway}
	h.ledgerEmu.Inject("update_notes", fault, fault)

	first, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Posted)
	assert.Equal(t, 1, first.Failed)

	items := h.items(retry.StatusPending)
	require.Len(t, items, 1)
	assert.Equal(t, "t1:marking", items[0].ID())

	h.clock.Advance(6 * time.Minute)
	second, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)

	assert.Equal(t, 1, second.Retried)
	assert.Equal(t, 0, second.Posted)
	assert.Equal(t, 3, h.acctEmu.Calls("create_invoice"))
	assert.Len(t, h.acctEmu.Invoices(), 3)
	assert.True(t, ledger.HasMarker(h.notes("t1"), ledger.MarkerPosted))
	assert.True(t, ledger.HasMarker(h.notes("t1"), ledger.PaidMarker("2024-02-10")), "paid date is the posting date")
	assert.Empty(t, h.items(""))
}

// cancelOnPost cancels the run's trigger context on the first posting.
type cancelOnPost struct {
	reconcile.Accounting
	cancel context.CancelFunc
	block  bool
}

func (c *cancelOnPost) CreateInvoice(ctx context.Context, req accounting.InvoiceRequest) (accounting.Invoice, error) {
	c.cancel()
	if c.block {
		<-ctx.Done()
		return accounting.Invoice{}, ctx.Err()
	}
	return c.Accounting.CreateInvoice(ctx, req)
}

func TestShutdownStopsDispatching(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, harnessOptions{
		wrapAccounting: func(a reconcile.Accounting) reconcile.Accounting {
			return &cancelOnPost{Accounting: a, cancel: cancel}
		},
	})

	summary, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)

	assert.Equal(t, report.StatusPartial, summary.Status)
	assert.Equal(t, 1, summary.Processed, "in-flight work finishes")
	assert.Equal(t, 1, summary.Posted)
	assert.True(t, ledger.HasMarker(h.notes("t1"), ledger.MarkerPosted))
	assert.Empty(t, h.notes("t3"))
	assert.Empty(t, h.items(""), "undispatched transactions are not queued")
}

func TestShutdownGracePeriodExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, harnessOptions{
		gracePeriod: 50 * time.Millisecond,
		wrapAccounting: func(a reconcile.Accounting) reconcile.Accounting {
			return &cancelOnPost{Accounting: a, cancel: cancel, block: true}
		},
	})

	start := time.Now()
	summary, err := h.orch.RunSync(ctx, january)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, report.StatusPartial, summary.Status)
	assert.Equal(t, 0, summary.Posted)
	assert.Empty(t, h.items(""))
}

func TestRunSyncRejectsInvalidWindow(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	for _, w := range []reconcile.Window{
		{Since: "2024-02-01", Until: "2024-01-01"},
		{Since: "yesterday", Until: "2024-01-01"},
		{Since: "2024-01-01"},
	} {
		_, err := h.orch.RunSync(context.Background(), w)
		assert.Error(t, err, w.String())
	}
}

func TestRunSyncPostsInflowsAsInvoices(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.ledgerEmu.AddTransaction(emulator.LedgerTransaction{
		ID: "t6", Date: "2024-01-25", Amount: 150000, CategoryID: "cat-income", Cleared: true, Reconciled: true,
	})

	summary, err := h.orch.RunSync(context.Background(), january)
	require.NoError(t, err)
	require.Equal(t, 4, summary.Posted)

	var found bool
	for _, inv := range h.acctEmu.Invoices() {
		if inv.Reference == "t6" {
			found = true
			assert.Equal(t, string(accounting.DocumentInvoice), inv.Type)
			assert.Equal(t, "1500", inv.Total.String())
		}
	}
	assert.True(t, found)
}

func TestProgressIsReportedMidRun(t *testing.T) {
	watcher := &progressWatcher{}
	h := newHarness(t, harnessOptions{wrapAccounting: func(a reconcile.Accounting) reconcile.Accounting {
		watcher.Accounting = a
		return watcher
	}})
	watcher.orch = h.orch

	_, running := h.orch.Progress()
	assert.False(t, running)

	_, err := h.orch.RunSync(context.Background(), january)
	require.NoError(t, err)

	require.NotNil(t, watcher.seen)
	assert.Equal(t, report.StatusRunning, watcher.seen.Status)
	assert.Equal(t, 1, watcher.seen.Processed)
	assert.Equal(t, 0, watcher.seen.Posted)

	_, running = h.orch.Progress()
	assert.False(t, running)
}

// progressWatcher captures the live summary on the first posting.
type progressWatcher struct {
	reconcile.Accounting
	orch *reconcile.Orchestrator
	seen *report.Summary
}

func (p *progressWatcher) CreateInvoice(ctx context.Context, req accounting.InvoiceRequest) (accounting.Invoice, error) {
	if p.seen == nil {
		if s, ok := p.orch.Progress(); ok {
			p.seen = &s
		}
	}
	return p.Accounting.CreateInvoice(ctx, req)
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}
