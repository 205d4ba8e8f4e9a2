package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/retry"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestReporterCounts(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 2, 1, 3, 0, 0, 0, time.UTC)}
	r := New("run-1", "2024-01-01", "2024-01-31", WithClock(clock.now))
	ctx := context.Background()

	for _, o := range []Outcome{OutcomeProcessed, OutcomeProcessed, OutcomeProcessed, OutcomePosted, OutcomePosted, OutcomeFailed, OutcomeSkipped} {
		r.Observe(ctx, Event{Outcome: o})
	}
	clock.advance(1500 * time.Millisecond)

	mid := r.Summarize()
	assert.Equal(t, StatusRunning, mid.Status)
	assert.Equal(t, 3, mid.Processed)
	assert.Equal(t, int64(1500), mid.DurationMs)

	final := r.Finish(StatusCompleted, nil)
	assert.Equal(t, 3, final.Processed)
	assert.Equal(t, 2, final.Posted)
	assert.Equal(t, 1, final.Failed)
	assert.Equal(t, 1, final.Skipped)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "2024-01-01", final.WindowStart)
	assert.Equal(t, "2024-01-31", final.WindowEnd)
	assert.Equal(t, int64(1500), final.DurationMs)
}

func TestSummaryIsImmutableAfterFinish(t *testing.T) {
	r := New("run-1", "2024-01-01", "2024-01-31")
	ctx := context.Background()

	r.Observe(ctx, Event{Outcome: OutcomeProcessed})
	first := r.Finish(StatusFailed, errors.New("ledger budget not loaded"))

	r.Observe(ctx, Event{Outcome: OutcomeProcessed})
	second := r.Finish(StatusCompleted, nil)

	assert.Equal(t, first, second)
	assert.Equal(t, first, r.Summarize())
	assert.Equal(t, StatusFailed, second.Status)
	assert.Equal(t, "ledger budget not loaded", second.Error)
	assert.Equal(t, 1, second.Processed)
}

func TestCountsAreOrderIndependent(t *testing.T) {
	events := []Event{
		{Outcome: OutcomeProcessed}, {Outcome: OutcomePosted},
		{Outcome: OutcomeProcessed}, {Outcome: OutcomeFailed, Stage: retry.StageMapping},
		{Outcome: OutcomeRetried, Stage: retry.StagePosting}, {Outcome: OutcomeAbandoned, Stage: retry.StagePosting},
	}

	r := New("run-1", "a", "b")
	var wg sync.WaitGroup
	for _, ev := range events {
		wg.Add(1)
		go func(ev Event) {
			defer wg.Done()
			r.Observe(context.Background(), ev)
		}(ev)
	}
	wg.Wait()

	s := r.Finish(StatusCompleted, nil)
	assert.Equal(t, 2, s.Processed)
	assert.Equal(t, 1, s.Posted)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Retried)
	assert.Equal(t, 1, s.Abandoned)
}

func TestOutcomesAreExportedAsCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	r := New("run-1", "a", "b", WithMeterProvider(mp))
	ctx := context.Background()
	r.Observe(ctx, Event{Outcome: OutcomePosted, Stage: retry.StagePosting})
	r.Observe(ctx, Event{Outcome: OutcomePosted, Stage: retry.StagePosting})
	r.Observe(ctx, Event{Outcome: OutcomeFailed, Stage: retry.StageMapping})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	var points []metricdata.DataPoint[int64]
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == counterName {
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok, "expected Sum[int64], got %T", m.Data)
				points = sum.DataPoints
			}
		}
	}
	require.Len(t, points, 2)

	byOutcome := map[string]int64{}
	for _, p := range points {
		outcome, _ := p.Attributes.Value("outcome")
		byOutcome[outcome.AsString()] = p.Value
	}
	assert.Equal(t, map[string]int64{"posted": 2, "failed": 1}, byOutcome)
}

func TestExporterTotalsAccumulateAcrossRuns(t *testing.T) {
	exp := NewExporter()
	t.Cleanup(func() { _ = exp.Shutdown(context.Background()) })
	ctx := context.Background()

	first := New("run-1", "a", "b", WithMeterProvider(exp.MeterProvider()))
	first.Observe(ctx, Event{Outcome: OutcomeProcessed})
	first.Observe(ctx, Event{Outcome: OutcomePosted})

	second := New("run-2", "a", "b", WithMeterProvider(exp.MeterProvider()))
	second.Observe(ctx, Event{Outcome: OutcomePosted})
	second.Observe(ctx, Event{Outcome: OutcomeFailed, Stage: retry.StageStaging})

	totals, err := exp.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Total{
		{Outcome: OutcomeFailed, Stage: "staging", Value: 1},
		{Outcome: OutcomePosted, Value: 2},
		{Outcome: OutcomeProcessed, Value: 1},
	}, totals)
}
