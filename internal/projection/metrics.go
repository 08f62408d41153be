package projection

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pipeline's counters and the apply-latency histogram.
type Metrics struct {
	applied             metric.Int64Counter
	duplicates          metric.Int64Counter
	gaps                metric.Int64Counter
	deadLettered        metric.Int64Counter
	consistencyWarnings metric.Int64Counter
	degradedCreates     metric.Int64Counter
	applyDuration       metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.applied, err = meter.Int64Counter("readsync.events.applied",
		metric.WithDescription("Envelopes applied to the read store")); err != nil {
		return nil, err
	}
	if m.duplicates, err = meter.Int64Counter("readsync.events.duplicates",
		metric.WithDescription("Envelopes suppressed as duplicates (version <= watermark)")); err != nil {
		return nil, err
	}
	if m.gaps, err = meter.Int64Counter("readsync.events.gaps",
		metric.WithDescription("Envelopes parked in the reorder buffer")); err != nil {
		return nil, err
	}
	if m.deadLettered, err = meter.Int64Counter("readsync.events.dead_lettered",
		metric.WithDescription("Envelopes quarantined after retries exhausted")); err != nil {
		return nil, err
	}
	if m.consistencyWarnings, err = meter.Int64Counter("readsync.events.consistency_warnings",
		metric.WithDescription("Forced applies past an ordering gap after the reorder window elapsed")); err != nil {
		return nil, err
	}
	if m.degradedCreates, err = meter.Int64Counter("readsync.events.degraded_creates",
		metric.WithDescription("Non-CREATE envelopes applied as full upserts because no record existed")); err != nil {
		return nil, err
	}
	if m.applyDuration, err = meter.Float64Histogram("readsync.apply.duration",
		metric.WithDescription("Read store apply duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) Applied(ctx context.Context, d time.Duration) {
	m.applied.Add(ctx, 1)
	m.applyDuration.Record(ctx, float64(d)/float64(time.Millisecond))
}

func (m *Metrics) Duplicate(ctx context.Context)          { m.duplicates.Add(ctx, 1) }
func (m *Metrics) Gap(ctx context.Context)                { m.gaps.Add(ctx, 1) }
func (m *Metrics) DeadLettered(ctx context.Context)       { m.deadLettered.Add(ctx, 1) }
func (m *Metrics) ConsistencyWarning(ctx context.Context) { m.consistencyWarnings.Add(ctx, 1) }
func (m *Metrics) DegradedCreate(ctx context.Context)     { m.degradedCreates.Add(ctx, 1) }
