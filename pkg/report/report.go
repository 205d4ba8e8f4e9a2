// Package report folds per-transaction outcomes of a run into a summary.
package report

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/retry"
)

const (
	meterName   = "github.com/shunichi-ikebuchi/ledger-sync/pkg/report"
	counterName = "ledger_sync.outcomes"
)

// Status is the final state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Summary is the aggregate of one run. It does not change after Finish.
type Summary struct {
	RunID       string    `json:"run_id"`
	WindowStart string    `json:"window_start"`
	WindowEnd   string    `json:"window_end"`
	Processed   int       `json:"processed"`
	Skipped     int       `json:"skipped"`
	Posted      int       `json:"posted"`
	Failed      int       `json:"failed"`
	Retried     int       `json:"retried"`
	Abandoned   int       `json:"abandoned"`
	DurationMs  int64     `json:"duration_ms"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// Outcome is the kind of an observed event.
type Outcome string

const (
	// OutcomeProcessed: the main pass dispatched a transaction.
	OutcomeProcessed Outcome = "processed"
	// OutcomeSkipped: a transaction was filtered out by marker, completion
	// or an open retry item.
	OutcomeSkipped Outcome = "skipped"
	// OutcomePosted: a document was created, or an existing one adopted.
	OutcomePosted Outcome = "posted"
	// OutcomeFailed: a stage failed and was queued.
	OutcomeFailed Outcome = "failed"
	// OutcomeRetried: the reprocessor attempted a queued item.
	OutcomeRetried Outcome = "retried"
	// OutcomeAbandoned: a queued item ran out of attempts.
	OutcomeAbandoned Outcome = "abandoned"
)

// Event is one observed outcome.
type Event struct {
	Outcome       Outcome
	TransactionID string
	Stage         retry.Stage
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithMeterProvider mirrors the counts to an OpenTelemetry counter.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *Reporter) { r.meterProvider = mp }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// Reporter aggregates events of one run. It is safe for concurrent use.
type Reporter struct {
	meterProvider metric.MeterProvider
	counter       metric.Int64Counter
	now           func() time.Time

	mu       sync.Mutex
	summary  Summary
	finished bool
}

// New starts the report of a run over [windowStart, windowEnd].
func New(runID, windowStart, windowEnd string, opts ...Option) *Reporter {
	r := &Reporter{
		meterProvider: noop.NewMeterProvider(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	counter, err := r.meterProvider.Meter(meterName).Int64Counter(counterName,
		metric.WithDescription("Per-transaction outcomes of sync runs"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter(counterName)
	}
	r.counter = counter

	r.summary = Summary{
		RunID:       runID,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Status:      StatusRunning,
		StartedAt:   r.now().UTC(),
	}
	return r
}

// Observe folds ev into the summary. Events after Finish are dropped.
func (r *Reporter) Observe(ctx context.Context, ev Event) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	switch ev.Outcome {
	case OutcomeProcessed:
		r.summary.Processed++
	case OutcomeSkipped:
		r.summary.Skipped++
	case OutcomePosted:
		r.summary.Posted++
	case OutcomeFailed:
		r.summary.Failed++
	case OutcomeRetried:
		r.summary.Retried++
	case OutcomeAbandoned:
		r.summary.Abandoned++
	}
	r.mu.Unlock()

	attrs := []attribute.KeyValue{attribute.String("outcome", string(ev.Outcome))}
	if ev.Stage != "" {
		attrs = append(attrs, attribute.String("stage", string(ev.Stage)))
	}
	r.counter.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attrs...))
}

// Summarize returns the current summary. Before Finish it reflects partial
// progress.
func (r *Reporter) Summarize() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.summary
	if !r.finished {
		s.DurationMs = r.now().UTC().Sub(s.StartedAt).Milliseconds()
	}
	return s
}

// Finish freezes the summary with status and the run error, if any. Only the
// first call has an effect.
func (r *Reporter) Finish(status Status, err error) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.finished {
		r.finished = true
		r.summary.Status = status
		if err != nil {
			r.summary.Error = err.Error()
		}
		r.summary.FinishedAt = r.now().UTC()
		r.summary.DurationMs = r.summary.FinishedAt.Sub(r.summary.StartedAt).Milliseconds()
	}
	return r.summary
}
