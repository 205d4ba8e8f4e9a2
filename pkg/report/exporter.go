package report

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Total is the cumulative count of one outcome, per stage when the outcome
// carries one.
type Total struct {
	Outcome Outcome `json:"outcome"`
	Stage   string  `json:"stage,omitempty"`
	Value   int64   `json:"value"`
}

// Exporter owns the process meter provider and reads the outcome counter
// back on demand.
type Exporter struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

// NewExporter creates an Exporter backed by a manual reader.
func NewExporter() *Exporter {
	reader := sdkmetric.NewManualReader()
	return &Exporter{
		reader:   reader,
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
}

// MeterProvider returns the provider to hand to Reporters.
func (e *Exporter) MeterProvider() metric.MeterProvider {
	return e.provider
}

// Totals collects the outcome counter, ordered by outcome then stage.
func (e *Exporter) Totals(ctx context.Context) ([]Total, error) {
	var rm metricdata.ResourceMetrics
	if err := e.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("failed to collect metrics: %w", err)
	}

	totals := []Total{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != counterName {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, p := range sum.DataPoints {
				outcome, _ := p.Attributes.Value("outcome")
				stage, _ := p.Attributes.Value("stage")
				totals = append(totals, Total{
					Outcome: Outcome(outcome.AsString()),
					Stage:   stage.AsString(),
					Value:   p.Value,
				})
			}
		}
	}

	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Outcome != totals[j].Outcome {
			return totals[i].Outcome < totals[j].Outcome
		}
		return totals[i].Stage < totals[j].Stage
	})
	return totals, nil
}

// Shutdown flushes and stops the provider.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}
