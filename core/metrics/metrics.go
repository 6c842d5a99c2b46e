// Package metrics collects Prometheus metrics for the bus, inbox, and
// catch-up subsystems. Adapted from the teacher's infrastructure/metrics
// package (NewWithRegistry shape, CounterVec/HistogramVec/Gauge
// collectors registered once at construction).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors the core publishes.
type Metrics struct {
	DispatchTotal   *prometheus.CounterVec
	AckTotal        *prometheus.CounterVec
	FilterDropTotal *prometheus.CounterVec

	InboxEnqueued    *prometheus.CounterVec
	InboxDelivered   *prometheus.CounterVec
	InboxIgnored     *prometheus.CounterVec
	InboxPageLatency *prometheus.HistogramVec
	ShardLeaseHeld   *prometheus.GaugeVec

	CatchUpRounds    *prometheus.CounterVec
	CatchUpShardsDue prometheus.Gauge
}

// New registers collectors against the default Prometheus registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers collectors against a caller-supplied registerer,
// so tests can use their own registry and avoid collisions.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalcore_bus_dispatch_total",
			Help: "Total signals handed to dispatchers, by bus and message class.",
		}, []string{"bus", "message_class"}),
		AckTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalcore_bus_ack_total",
			Help: "Total acknowledgements emitted, by bus and status.",
		}, []string{"bus", "status"}),
		FilterDropTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalcore_bus_filter_drop_total",
			Help: "Total signals dropped by a filter, by bus and reason.",
		}, []string{"bus", "reason"}),
		InboxEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalcore_inbox_enqueued_total",
			Help: "Total messages enqueued, by shard.",
		}, []string{"shard"}),
		InboxDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalcore_inbox_delivered_total",
			Help: "Total messages delivered, by shard.",
		}, []string{"shard"}),
		InboxIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalcore_inbox_ignored_total",
			Help: "Total messages ignored (duplicate/out-of-scope), by shard and reason.",
		}, []string{"shard", "reason"}),
		InboxPageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signalcore_inbox_page_duration_seconds",
			Help:    "Time to process one inbox page, by shard.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"shard"}),
		ShardLeaseHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signalcore_inbox_shard_lease_held",
			Help: "1 if this node currently holds the shard lease, else 0.",
		}, []string{"shard"}),
		CatchUpRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalcore_catchup_rounds_total",
			Help: "Total catch-up rounds processed, by projection type and resulting state.",
		}, []string{"projection_type", "state"}),
		CatchUpShardsDue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalcore_catchup_shards_due",
			Help: "Number of shards awaiting ShardProcessingRequested after the last completed catch-up.",
		}),
	}

	reg.MustRegister(
		m.DispatchTotal, m.AckTotal, m.FilterDropTotal,
		m.InboxEnqueued, m.InboxDelivered, m.InboxIgnored, m.InboxPageLatency, m.ShardLeaseHeld,
		m.CatchUpRounds, m.CatchUpShardsDue,
	)
	return m
}

// ObservePage records page-processing latency for a shard.
func (m *Metrics) ObservePage(shard string, start time.Time) {
	m.InboxPageLatency.WithLabelValues(shard).Observe(time.Since(start).Seconds())
}
