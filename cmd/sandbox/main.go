// Package main runs the ledger, store and accounting emulators on one port
// for local development:
//
//	/ledger      personal ledger API
//	/store       middleware store API
//	/accounting  accounting API (OAuth2 client credentials)
//
// The default credentials match .env.example.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/emulator"
)

const defaultPort = "8081"

func main() {
	// Setup structured JSON logging.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	port := getEnvOrDefault("PORT", defaultPort)

	ledger := emulator.NewLedger(
		getEnvOrDefault("LEDGER_PASSWORD", "sandbox"),
		getEnvOrDefault("LEDGER_BUDGET_ID", "budget-sandbox"),
	)
	store := emulator.NewStore(getEnvOrDefault("STORE_API_KEY", "sandbox-key"))
	accounting := emulator.NewAccounting(
		getEnvOrDefault("ACCOUNTING_CLIENT_ID", "sandbox-client"),
		getEnvOrDefault("ACCOUNTING_CLIENT_SECRET", "sandbox-secret"),
		getEnvOrDefault("ACCOUNTING_TENANT_ID", "tenant-sandbox"),
	)

	if os.Getenv("SEED") != "false" {
		seed(ledger, accounting)
		slog.Info("seeded demo data")
	}

	// Setup router.
	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Mount("/ledger", ledger.Handler())
	r.Mount("/store", store.Handler())
	r.Mount("/accounting", accounting.Handler())

	// Health check endpoint.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%s", port)
	slog.Info("starting sandbox", "addr", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		slog.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}

// seed loads a month of household transactions with one category that has
// no account and one that matches two accounts.
func seed(ledger *emulator.Ledger, accounting *emulator.Accounting) {
	ledger.AddGroup(emulator.LedgerGroup{ID: "grp-home", Name: "Home"})
	ledger.AddGroup(emulator.LedgerGroup{ID: "grp-work", Name: "Work"})
	for _, c := range []emulator.LedgerCategory{
		{ID: "cat-groceries", Name: "Groceries", GroupID: "grp-home"},
		{ID: "cat-utilities", Name: "Utilities", GroupID: "grp-home"},
		{ID: "cat-travel", Name: "Travel", GroupID: "grp-work"},
		{ID: "cat-consulting", Name: "Consulting", GroupID: "grp-work"},
		{ID: "cat-gifts", Name: "Gifts", GroupID: "grp-home"},
	} {
		ledger.AddCategory(c)
	}

	for _, a := range []emulator.AccountingAccount{
		{ID: "acc-410", Code: "410", Name: "Groceries", Type: "expense"},
		{ID: "acc-420", Code: "420", Name: "Utilities", Type: "expense"},
		{ID: "acc-421", Code: "421", Name: "Utilities", Type: "expense", Status: "archived"},
		{ID: "acc-430", Code: "430", Name: "Travel", Type: "expense"},
		{ID: "acc-431", Code: "431", Name: "Travel", Type: "expense"},
		{ID: "acc-200", Code: "200", Name: "Consulting", Type: "revenue"},
	} {
		accounting.AddAccount(a)
	}

	start := time.Now().UTC().AddDate(0, 0, -28)
	for i, t := range []struct {
		category   string
		amount     int64
		notes      string
		reconciled bool
	}{
		{"cat-groceries", -8421, "farmers market", true},
		{"cat-utilities", -12000, "electricity", true},
		{"cat-travel", -45600, "train to client site", true},
		{"cat-consulting", 250000, "invoice 2024-17", true},
		{"cat-gifts", -3000, "", true},
		{"cat-groceries", -2199, "", false},
	} {
		ledger.AddTransaction(emulator.LedgerTransaction{
			ID:         fmt.Sprintf("sandbox-%d", i+1),
			Date:       start.AddDate(0, 0, i*4).Format("2006-01-02"),
			Amount:     t.amount,
			PayeeID:    fmt.Sprintf("payee-%d", i%3+1),
			CategoryID: t.category,
			Cleared:    true,
			Reconciled: t.reconciled,
			Notes:      t.notes,
		})
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
