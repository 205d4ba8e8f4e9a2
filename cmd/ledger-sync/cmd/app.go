package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredislib "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/accounting"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/apiclient"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/boltstate"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/config"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/converter"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/db"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/ledger"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/mapping"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/pathutil"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/reconcile"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/report"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/retry"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/runlock"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/store"
)

// Consecutive failures that open a client's circuit breaker, and how long
// it stays open.
const (
	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
)

// app holds the wired engine of one process.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  *reconcile.Engine
	queue   retry.Queue
	history *db.RunHistory
	metrics *report.Exporter

	closers []func() error
}

// newApp loads the configuration and wires the engine. requireRemote
// validates the credentials of the three systems.
func newApp(ctx context.Context, logger *slog.Logger, requireRemote bool) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Debug {
		logLevel.Set(slog.LevelDebug)
	}
	if requireRemote {
		if err := cfg.Validate(config.SyncRequired()...); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	a.metrics = report.NewExporter()
	otel.SetMeterProvider(a.metrics.MeterProvider())
	a.closers = append(a.closers, func() error { return a.metrics.Shutdown(context.Background()) })

	paths := pathutil.New(pathutil.Config{
		StateDir:    cfg.Sync.StateDir,
		DBPath:      cfg.Sync.DBPath,
		MappingFile: cfg.Sync.MappingFile,
	})

	// Run history and metadata always live in SQLite.
	conn, err := db.Open(paths.SQLitePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.logger.Debug("Opened database", "path", conn.GetPath())
	a.closers = append(a.closers, conn.Close)
	a.history = db.NewRunHistory(conn)

	var completions retry.Completions
	switch cfg.Sync.StateBackend {
	case "bolt":
		if err := paths.EnsureParentDir(paths.BoltPath()); err != nil {
			return err
		}
		a.logger.Debug("Opening bolt state", "path", paths.BoltPath())
		st, err := boltstate.Open(paths.BoltPath())
		if err != nil {
			return fmt.Errorf("failed to open bolt state: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		a.queue, completions = st.Queue(), st.Completions()
	default:
		a.queue, completions = db.NewRetryQueue(conn), db.NewCompletions(conn)
	}

	common := []apiclient.Option{
		apiclient.WithLogger(a.logger),
		apiclient.WithCircuitBreaker(breakerFailures, breakerTimeout),
	}

	ledgerClient, err := ledger.NewClient(ledger.ClientConfig{
		APIURL:   cfg.Ledger.APIURL,
		Password: cfg.Ledger.Password,
		BudgetID: cfg.Ledger.BudgetID,
	}, common...)
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}
	storeClient := store.NewClient(store.ClientConfig{
		APIURL:            cfg.Store.APIURL,
		APIKey:            cfg.Store.APIKey,
		RequestsPerMinute: cfg.Store.RequestsPerMinute,
	}, common...)
	accountingClient := accounting.NewClient(accounting.ClientConfig{
		APIURL:       cfg.Accounting.APIURL,
		TokenURL:     cfg.Accounting.TokenURL,
		ClientID:     cfg.Accounting.ClientID,
		ClientSecret: cfg.Accounting.ClientSecret,
		TenantID:     cfg.Accounting.TenantID,
	}, common...)

	pins := &pinLoader{path: paths.MappingFile(), logger: a.logger}
	if _, err := pins.load(); err != nil {
		return err
	}

	orch := reconcile.NewOrchestrator(reconcile.Deps{
		Ledger:     ledgerClient,
		Store:      storeClient,
		Accounting: accountingClient,
		NewMapper: func() reconcile.Mapper {
			return mapping.NewResolver(ledgerClient, accountingClient, pins.current(), a.logger)
		},
		Converter:   converter.NewConverter(cfg.Accounting.Currency),
		Queue:       a.queue,
		Completions: completions,
	}, reconcile.Config{
		Workers:     cfg.Sync.Workers,
		GracePeriod: cfg.Sync.GracePeriod,
		Policy: retry.Policy{
			MaxAttempts: cfg.Sync.MaxAttempts,
			BaseDelay:   cfg.Sync.RetryBaseDelay,
			MaxDelay:    cfg.Sync.RetryMaxDelay,
		},
		Logger:        a.logger,
		MeterProvider: a.metrics.MeterProvider(),
	})

	mode, err := runlock.ParseMode(cfg.Sync.LockMode)
	if err != nil {
		return err
	}
	var lockOpts []runlock.Option
	if cfg.Redis.URL != "" {
		opts, err := goredislib.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := goredislib.NewClient(opts)
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		lockOpts = append(lockOpts, runlock.WithLease(
			runlock.NewRedisLease(client, cfg.Redis.LockKey, runlock.DefaultLeaseExpiry, a.logger)))
		a.logger.Debug("Using distributed run lease", "key", cfg.Redis.LockKey)
	}

	a.engine = reconcile.NewEngine(orch, runlock.New(mode, lockOpts...), a.queue, a.history, reconcile.EngineConfig{
		LookbackDays: cfg.Sync.LookbackDays,
		Logger:       a.logger,
	})
	return a.engine.Restore(ctx)
}

// Close releases everything newApp opened, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// pinLoader rereads the mapping file before each run. A broken file keeps
// the last good pins.
type pinLoader struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	pins *mapping.Pins
}

func (l *pinLoader) load() (*mapping.Pins, error) {
	pins, err := mapping.LoadPins(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.pins = pins
	l.mu.Unlock()
	l.logger.Debug("Loaded mapping pins", "path", l.path, "categories", pins.Len())
	return pins, nil
}

func (l *pinLoader) current() *mapping.Pins {
	pins, err := l.load()
	if err == nil {
		return pins
	}
	l.logger.Warn("Keeping previous mapping pins", "path", l.path, "error", err)

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pins
}
