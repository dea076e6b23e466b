package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// EngineMetrics holds the metric instruments for the storage engine.
type EngineMetrics struct {
	BufferHitsCounter      metric.Int64Counter
	BufferMissesCounter    metric.Int64Counter
	BufferEvictionsCounter metric.Int64Counter
	BufferWritesCounter    metric.Int64Counter

	WALRecordsCounter        metric.Int64Counter
	WALBytesCounter          metric.Int64Counter
	WALFPICounter            metric.Int64Counter
	WALFlushesCounter        metric.Int64Counter
	WALFlushLatencyHistogram metric.Int64Histogram

	CheckpointsCounter          metric.Int64Counter
	CheckpointDurationHistogram metric.Int64Histogram

	BTreeSplitsCounter        metric.Int64Counter
	BTreeDedupPassesCounter   metric.Int64Counter
	BTreeBottomUpCounter      metric.Int64Counter
	BTreePageDeletionsCounter metric.Int64Counter
}

type counterSpec struct {
	dst         *metric.Int64Counter
	name        string
	description string
}

// NewEngineMetrics creates and registers all the storage engine metrics.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	m := &EngineMetrics{}
	counters := []counterSpec{
		{&m.BufferHitsCounter, "gojocore.buffer.hits_total", "Buffer reads satisfied from the pool."},
		{&m.BufferMissesCounter, "gojocore.buffer.misses_total", "Buffer reads that went to disk."},
		{&m.BufferEvictionsCounter, "gojocore.buffer.evictions_total", "Valid buffers rebound to another page."},
		{&m.BufferWritesCounter, "gojocore.buffer.writes_total", "Dirty buffers written to disk."},
		{&m.WALRecordsCounter, "gojocore.wal.records_total", "WAL records inserted."},
		{&m.WALBytesCounter, "gojocore.wal.bytes_total", "WAL bytes inserted."},
		{&m.WALFPICounter, "gojocore.wal.fpi_total", "Full-page images written to WAL."},
		{&m.WALFlushesCounter, "gojocore.wal.flushes_total", "WAL flushes that reached disk."},
		{&m.CheckpointsCounter, "gojocore.checkpoint.total", "Completed checkpoints."},
		{&m.BTreeSplitsCounter, "gojocore.btree.splits_total", "B-tree page splits."},
		{&m.BTreeDedupPassesCounter, "gojocore.btree.dedup_passes_total", "B-tree deduplication passes."},
		{&m.BTreeBottomUpCounter, "gojocore.btree.bottomup_deletions_total", "Successful B-tree bottom-up deletion passes."},
		{&m.BTreePageDeletionsCounter, "gojocore.btree.page_deletions_total", "B-tree pages deleted."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(
			c.name,
			metric.WithDescription(c.description),
			metric.WithUnit("1"),
		)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	var err error
	m.WALFlushLatencyHistogram, err = meter.Int64Histogram(
		"gojocore.wal.flush.duration",
		metric.WithDescription("The latency of WAL flushes."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}
	m.CheckpointDurationHistogram, err = meter.Int64Histogram(
		"gojocore.checkpoint.duration",
		metric.WithDescription("The duration of checkpoints."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NoopEngineMetrics returns instruments that record nothing.
func NoopEngineMetrics() *EngineMetrics {
	m, _ := NewEngineMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
