// Package outboxmetrics exposes Prometheus instrumentation for an
// outbox.Manager: record counts by status, owned-partition gauges, and
// rebalance/processing tick counters. Registration is explicit so a host
// application controls which registry these metrics land in.
package outboxmetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/namastack/outbox-go/internal/model"
)

// RecordCounter is the subset of store.RecordStore this package polls to
// populate the status-count gauges.
type RecordCounter interface {
	CountByStatus(ctx context.Context, status model.RecordStatus) (int64, error)
}

// PartitionSource reports the partitions currently owned by this
// instance, matching internal/scheduler.PartitionSource.
type PartitionSource interface {
	OwnedPartitions() []int
}

// Collector periodically samples record counts and owned-partition
// counts into Prometheus gauges.
type Collector struct {
	records    RecordCounter
	partitions PartitionSource

	recordsByStatus *prometheus.GaugeVec
	ownedPartitions prometheus.Gauge
	rebalanceTicks  prometheus.Counter
	processingTicks prometheus.Counter
	handlerFailures *prometheus.CounterVec
}

// NewCollector builds a Collector. Call Register to attach it to a
// prometheus.Registerer, then Sample (or Start) to keep the gauges fresh.
func NewCollector(records RecordCounter, partitions PartitionSource) *Collector {
	return &Collector{
		records:    records,
		partitions: partitions,
		recordsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "outbox",
			Name:      "records_by_status",
			Help:      "Number of outbox records currently in each status.",
		}, []string{"status"}),
		ownedPartitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "outbox",
			Name:      "owned_partitions",
			Help:      "Number of partitions currently owned by this instance.",
		}),
		rebalanceTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "rebalance_ticks_total",
			Help:      "Total number of partition coordinator cycles run.",
		}),
		processingTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "processing_ticks_total",
			Help:      "Total number of processing scheduler ticks run.",
		}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "handler_failures_total",
			Help:      "Total handler invocation failures, by handlerId.",
		}, []string{"handler_id"}),
	}
}

// Register attaches every metric to reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		c.recordsByStatus, c.ownedPartitions, c.rebalanceTicks, c.processingTicks, c.handlerFailures,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// ObserveRebalanceTick increments the rebalance tick counter. Callers
// wire this alongside coordinator.Rebalance.
func (c *Collector) ObserveRebalanceTick() { c.rebalanceTicks.Inc() }

// ObserveProcessingTick increments the processing tick counter. Callers
// wire this alongside scheduler.Tick.
func (c *Collector) ObserveProcessingTick() { c.processingTicks.Inc() }

// ObserveHandlerFailure increments the per-handler failure counter.
func (c *Collector) ObserveHandlerFailure(handlerID string) {
	c.handlerFailures.WithLabelValues(handlerID).Inc()
}

// Sample refreshes the record-count and owned-partition gauges from the
// live store and coordinator.
func (c *Collector) Sample(ctx context.Context) error {
	for _, status := range []model.RecordStatus{model.RecordNew, model.RecordCompleted, model.RecordFailed} {
		n, err := c.records.CountByStatus(ctx, status)
		if err != nil {
			return err
		}
		c.recordsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	c.ownedPartitions.Set(float64(len(c.partitions.OwnedPartitions())))
	return nil
}

// Start runs Sample on a ticker until ctx is canceled. Errors are
// swallowed (mirrors the tolerant propagation policy of the rest of this
// module's periodic tasks); a failed sample is retried next tick.
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = c.Sample(ctx)
		case <-ctx.Done():
			return
		}
	}
}
