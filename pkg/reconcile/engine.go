package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/report"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/retry"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/runlock"
)

// MetadataLastWindowEnd is the metadata key of the end of the last
// completed window.
const MetadataLastWindowEnd = "last_window_end"

// DefaultLookbackDays is the default window length when no run completed
// yet.
const DefaultLookbackDays = 30

var (
	// ErrEngineBusy is returned by TriggerSync while a run is in progress.
	ErrEngineBusy = runlock.ErrBusy
	// ErrNotAbandoned is returned when acknowledging an item that is still
	// being retried.
	ErrNotAbandoned = errors.New("retry item is not abandoned")
)

// History persists run summaries and engine metadata.
type History interface {
	SaveRun(ctx context.Context, s report.Summary) error
	LastRun(ctx context.Context) (*report.Summary, error)
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
}

// RunStatus is the engine state seen from outside.
type RunStatus struct {
	State       runlock.State   `json:"state"`
	Current     *report.Summary `json:"current,omitempty"`
	LastSummary *report.Summary `json:"last_summary,omitempty"`
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	LookbackDays int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Engine is the entry point used by the CLI, the scheduler and the HTTP API.
// It allows one run at a time.
type Engine struct {
	orch    *Orchestrator
	lock    *runlock.Lock
	queue   retry.Queue
	history History

	lookbackDays int
	logger       *slog.Logger
	now          func() time.Time

	mu   sync.RWMutex
	last *report.Summary
}

// NewEngine creates an Engine. history may be nil.
func NewEngine(orch *Orchestrator, lock *runlock.Lock, queue retry.Queue, history History, cfg EngineConfig) *Engine {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultLookbackDays
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		orch:         orch,
		lock:         lock,
		queue:        queue,
		history:      history,
		lookbackDays: cfg.LookbackDays,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

// Restore loads the last run summary from history.
func (e *Engine) Restore(ctx context.Context) error {
	if e.history == nil {
		return nil
	}
	last, err := e.history.LastRun(ctx)
	if err != nil {
		return fmt.Errorf("failed to load last run: %w", err)
	}
	e.mu.Lock()
	e.last = last
	e.mu.Unlock()
	return nil
}

// TriggerSync runs one sync over w, or over the default window when w is
// nil. It returns ErrEngineBusy if a run is in progress and the lock does not
// queue.
func (e *Engine) TriggerSync(ctx context.Context, w *Window) (report.Summary, error) {
	held, err := e.lock.Acquire(ctx)
	if err != nil {
		if errors.Is(err, runlock.ErrBusy) {
			return report.Summary{}, ErrEngineBusy
		}
		return report.Summary{}, err
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("Failed to release run lock", "error", err)
		}
	}()
	stop := context.AfterFunc(ctx, held.Drain)
	defer stop()

	window, err := e.window(ctx, w)
	if err != nil {
		return report.Summary{}, err
	}

	summary, runErr := e.orch.RunSync(ctx, window)
	if summary.RunID == "" {
		return summary, runErr
	}

	e.mu.Lock()
	e.last = &summary
	e.mu.Unlock()

	if e.history != nil {
		bg := context.WithoutCancel(ctx)
		if err := e.history.SaveRun(bg, summary); err != nil {
			e.logger.Error("Failed to save run summary", "run_id", summary.RunID, "error", err)
		}
		if summary.Status == report.StatusCompleted {
			if err := e.history.SetMetadata(bg, MetadataLastWindowEnd, window.Until); err != nil {
				e.logger.Error("Failed to save window end", "error", err)
			}
		}
	}
	return summary, runErr
}

// DefaultWindow returns the window used when none is given: lookbackDays
// before today until today, reaching further back to the end of the last
// completed window if that is older.
func (e *Engine) DefaultWindow(ctx context.Context) (Window, error) {
	today := e.now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -e.lookbackDays)

	if e.history != nil {
		last, err := e.history.GetMetadata(ctx, MetadataLastWindowEnd)
		if err != nil {
			return Window{}, fmt.Errorf("failed to read last window end: %w", err)
		}
		if last != "" {
			t, err := time.Parse(dateLayout, last)
			if err != nil {
				e.logger.Warn("Ignoring malformed last window end", "value", last)
			} else if t.Before(since) {
				since = t
			}
		}
	}
	return Window{Since: since.Format(dateLayout), Until: today.Format(dateLayout)}, nil
}

func (e *Engine) window(ctx context.Context, w *Window) (Window, error) {
	if w != nil {
		return *w, w.Validate()
	}
	return e.DefaultWindow(ctx)
}

// Status returns the run lock state, the live summary of a run in progress
// and the summary of the last finished run.
func (e *Engine) Status() RunStatus {
	status := RunStatus{State: e.lock.State()}
	if s, ok := e.orch.Progress(); ok {
		status.Current = &s
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last != nil {
		last := *e.last
		status.LastSummary = &last
	}
	return status
}

// ListAbandonedRetries returns the items that are no longer retried
// automatically.
func (e *Engine) ListAbandonedRetries(ctx context.Context) ([]retry.Item, error) {
	items, err := e.queue.List(ctx, retry.StatusAbandoned)
	if err != nil {
		return nil, fmt.Errorf("failed to list abandoned retry items: %w", err)
	}
	return items, nil
}

// AcknowledgeAbandoned deletes an abandoned item. Its transaction becomes
// eligible again for the next window that covers it.
func (e *Engine) AcknowledgeAbandoned(ctx context.Context, id string) error {
	if _, _, err := retry.ParseID(id); err != nil {
		return err
	}
	item, err := e.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != retry.StatusAbandoned {
		return fmt.Errorf("%w: %s is %s", ErrNotAbandoned, id, item.Status)
	}
	if err := e.queue.Delete(ctx, id); err != nil {
		return err
	}
	e.logger.Info("Acknowledged abandoned retry item", "id", id, "attempts", item.Attempts, "last_error", item.LastError)
	return nil
}

// RunSchedule triggers a sync over the default window now and then every
// interval until ctx ends. Busy and failed runs are logged and the schedule
// carries on.
func (e *Engine) RunSchedule(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid schedule interval %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		e.scheduled(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) scheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	summary, err := e.TriggerSync(ctx, nil)
	switch {
	case errors.Is(err, ErrEngineBusy):
		e.logger.Info("Scheduled sync skipped, a run is in progress")
	case err != nil:
		e.logger.Error("Scheduled sync failed", "run_id", summary.RunID, "error", err)
	}
}
