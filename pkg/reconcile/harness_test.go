package reconcile_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/accounting"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/apiclient"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/converter"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/db"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/emulator"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/ledger"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/mapping"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/reconcile"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/retry"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/runlock"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/store"
)

var january = reconcile.Window{Since: "2024-01-01", Until: "2024-01-31"}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return nil
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

type harnessOptions struct {
	workers        int
	gracePeriod    time.Duration
	ledgerPassword string
	budgetID       string
	wrapLedger     func(reconcile.Ledger) reconcile.Ledger
	wrapAccounting func(reconcile.Accounting) reconcile.Accounting
}

type harness struct {
	t *testing.T

	ledgerEmu *emulator.Ledger
	storeEmu  *emulator.Store
	acctEmu   *emulator.Accounting

	ledgerClient *ledger.Client
	storeClient  *store.Client
	acctClient   *accounting.Client
	storeSleeps  *sleepRecorder

	conn        *db.Connection
	queue       *db.RetryQueue
	completions *db.Completions
	history     *db.RunHistory

	clock  *clock
	policy retry.Policy

	pinsMu sync.Mutex
	pins   *mapping.Pins

	orch   *reconcile.Orchestrator
	lock   *runlock.Lock
	engine *reconcile.Engine
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.ledgerPassword == "" {
		opts.ledgerPassword = "secret"
	}
	if opts.budgetID == "" {
		opts.budgetID = "budget-1"
	}
	if opts.workers == 0 {
		opts.workers = 1
	}

	h := &harness{
		t:           t,
		ledgerEmu:   emulator.NewLedger("secret", "budget-1"),
		storeEmu:    emulator.NewStore("key-1"),
		acctEmu:     emulator.NewAccounting("client-1", "secret-1", "tenant-1"),
		storeSleeps: &sleepRecorder{},
		clock:       &clock{now: time.Date(2024, 2, 10, 9, 0, 0, 0, time.UTC)},
		policy:      retry.Policy{MaxAttempts: 3, BaseDelay: 5 * time.Minute, MaxDelay: time.Hour},
	}

	ledgerServer := httptest.NewServer(h.ledgerEmu.Handler())
	storeServer := httptest.NewServer(h.storeEmu.Handler())
	acctServer := httptest.NewServer(h.acctEmu.Handler())
	t.Cleanup(ledgerServer.Close)
	t.Cleanup(storeServer.Close)
	t.Cleanup(acctServer.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fastRetries := apiclient.WithRetryPolicy(apiclient.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond})
	noSleep := apiclient.WithSleeper(func(context.Context, time.Duration) error { return nil })

	var err error
	h.ledgerClient, err = ledger.NewClient(ledger.ClientConfig{
		APIURL:   ledgerServer.URL,
		Password: opts.ledgerPassword,
		BudgetID: opts.budgetID,
	}, fastRetries, noSleep, apiclient.WithLogger(logger))
	require.NoError(t, err)

	h.storeClient = store.NewClient(store.ClientConfig{
		APIURL:            storeServer.URL,
		APIKey:            "key-1",
		RequestsPerMinute: 60000,
	}, fastRetries, apiclient.WithSleeper(h.storeSleeps.sleep), apiclient.WithLogger(logger))

	h.acctClient = accounting.NewClient(accounting.ClientConfig{
		APIURL:       acctServer.URL,
		TokenURL:     acctServer.URL + "/oauth/token",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		TenantID:     "tenant-1",
	}, fastRetries, noSleep, apiclient.WithLogger(logger))

	h.conn, err = db.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.conn.Close() })
	h.queue = db.NewRetryQueue(h.conn)
	h.completions = db.NewCompletions(h.conn)
	h.history = db.NewRunHistory(h.conn)

	var ledgerAPI reconcile.Ledger = h.ledgerClient
	if opts.wrapLedger != nil {
		ledgerAPI = opts.wrapLedger(ledgerAPI)
	}
	var acct reconcile.Accounting = h.acctClient
	if opts.wrapAccounting != nil {
		acct = opts.wrapAccounting(acct)
	}

	h.orch = reconcile.NewOrchestrator(reconcile.Deps{
		Ledger:     ledgerAPI,
		Store:      h.storeClient,
		Accounting: acct,
		NewMapper: func() reconcile.Mapper {
			h.pinsMu.Lock()
			defer h.pinsMu.Unlock()
			return mapping.NewResolver(h.ledgerClient, h.acctClient, h.pins, logger)
		},
		Converter:   converter.NewConverter("usd"),
		Queue:       h.queue,
		Completions: h.completions,
	}, reconcile.Config{
		Workers:     opts.workers,
		GracePeriod: opts.gracePeriod,
		Policy:      h.policy,
		Logger:      logger,
		Now:         h.clock.Now,
	})

	h.lock = runlock.New(runlock.ModeReject)
	h.engine = reconcile.NewEngine(h.orch, h.lock, h.queue, h.history, reconcile.EngineConfig{
		LookbackDays: 30,
		Logger:       logger,
		Now:          h.clock.Now,
	})

	h.seed()
	return h
}

// seed loads three reconciled grocery transactions in January, one
// unreconciled one and one outside the window.
func (h *harness) seed() {
	h.ledgerEmu.AddGroup(emulator.LedgerGroup{ID: "grp-1", Name: "Everyday"})
	h.ledgerEmu.AddCategory(emulator.LedgerCategory{ID: "cat-groceries", Name: "Groceries", GroupID: "grp-1"})
	h.ledgerEmu.AddCategory(emulator.LedgerCategory{ID: "cat-travel", Name: "Travel", GroupID: "grp-1"})
	h.ledgerEmu.AddCategory(emulator.LedgerCategory{ID: "cat-income", Name: "Consulting", GroupID: "grp-1"})

	h.acctEmu.AddAccount(emulator.AccountingAccount{ID: "acc-groceries", Code: "410", Name: "Groceries", Type: "expense"})
	h.acctEmu.AddAccount(emulator.AccountingAccount{ID: "acc-travel-1", Code: "420", Name: "Travel", Type: "expense"})
	h.acctEmu.AddAccount(emulator.AccountingAccount{ID: "acc-travel-2", Code: "421", Name: "Travel", Type: "expense"})
	h.acctEmu.AddAccount(emulator.AccountingAccount{ID: "acc-consulting", Code: "200", Name: "Consulting", Type: "revenue"})

	for _, txn := range []emulator.LedgerTransaction{
		{ID: "t1", Date: "2024-01-05", Amount: -4250, CategoryID: "cat-groceries", Cleared: true, Reconciled: true, Notes: "weekly shop"},
		{ID: "t2", Date: "2024-01-12", Amount: -1899, CategoryID: "cat-groceries", Cleared: true, Reconciled: true},
		{ID: "t3", Date: "2024-01-20", Amount: -6400, CategoryID: "cat-groceries", Cleared: true, Reconciled: true},
		{ID: "t4", Date: "2024-01-22", Amount: -1000, CategoryID: "cat-groceries", Cleared: true, Reconciled: false},
		{ID: "t5", Date: "2024-02-02", Amount: -700, CategoryID: "cat-groceries", Cleared: true, Reconciled: true},
	} {
		h.ledgerEmu.AddTransaction(txn)
	}
}

func (h *harness) setPins(pins *mapping.Pins) {
	h.pinsMu.Lock()
	defer h.pinsMu.Unlock()
	h.pins = pins
}

func (h *harness) recategorize(id, categoryID string) {
	txn, ok := h.ledgerEmu.Transaction(id)
	require.True(h.t, ok)
	txn.CategoryID = categoryID
	h.ledgerEmu.AddTransaction(txn)
}

func (h *harness) notes(id string) string {
	txn, ok := h.ledgerEmu.Transaction(id)
	require.True(h.t, ok)
	return txn.Notes
}

func (h *harness) items(status retry.Status) []retry.Item {
	items, err := h.queue.List(context.Background(), status)
	require.NoError(h.t, err)
	return items
}
