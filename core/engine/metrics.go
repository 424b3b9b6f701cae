package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/d-bee/dbee/core/storage/bufferpool"
)

// Metrics holds the engine's OpenTelemetry instruments. Buffer pool
// counters are observed from the pool's own counters on collection;
// transaction outcomes are counted at the call sites.
type Metrics struct {
	commits            metric.Int64Counter
	aborts             metric.Int64Counter
	deadlocks          metric.Int64Counter
	checkpointDuration metric.Float64Histogram

	registration metric.Registration
}

func newMetrics(bpm *bufferpool.BufferPoolManager) (*Metrics, error) {
	meter := otel.Meter("dbee/engine")
	m := &Metrics{}

	var err error
	if m.commits, err = meter.Int64Counter("dbee.txn.commits",
		metric.WithDescription("Committed transactions")); err != nil {
		return nil, err
	}
	if m.aborts, err = meter.Int64Counter("dbee.txn.aborts",
		metric.WithDescription("Aborted transactions")); err != nil {
		return nil, err
	}
	if m.deadlocks, err = meter.Int64Counter("dbee.txn.deadlocks",
		metric.WithDescription("Lock requests refused to break a deadlock")); err != nil {
		return nil, err
	}
	if m.checkpointDuration, err = meter.Float64Histogram("dbee.checkpoint.duration",
		metric.WithDescription("Checkpoint duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	hits, err := meter.Int64ObservableCounter("dbee.bufferpool.hits",
		metric.WithDescription("Buffer pool cache hits"))
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64ObservableCounter("dbee.bufferpool.misses",
		metric.WithDescription("Buffer pool cache misses"))
	if err != nil {
		return nil, err
	}
	evictions, err := meter.Int64ObservableCounter("dbee.bufferpool.evictions",
		metric.WithDescription("Buffer pool evictions"))
	if err != nil {
		return nil, err
	}
	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := bpm.Stats()
		o.ObserveInt64(hits, int64(stats.Hits))
		o.ObserveInt64(misses, int64(stats.Misses))
		o.ObserveInt64(evictions, int64(stats.Evictions))
		return nil
	}, hits, misses, evictions)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) close() {
	if m.registration != nil {
		_ = m.registration.Unregister()
	}
}
