package inbox

import (
	"github.com/signalcore/substrate/core/metrics"
	"github.com/signalcore/substrate/core/ports"
	"github.com/signalcore/substrate/pkg/logger"
)

// DeliveryStats reports the outcome of one completed page.
type DeliveryStats struct {
	Shard          ports.ShardIndex
	DeliveredCount int
	DuplicateCount int
	Interrupted    bool
	StoppedAt      string
}

// DeliveryMonitor is notified on each completed page, per spec.md §4.6.
type DeliveryMonitor interface {
	OnPageComplete(stats DeliveryStats)
}

// DefaultMonitor publishes Prometheus counters and logs a page summary.
// Bundled per SPEC_FULL.md §4.6; hosts may supply their own.
type DefaultMonitor struct {
	Metrics *metrics.Metrics
	Log     *logger.Logger
}

// NewDefaultMonitor constructs a DefaultMonitor with its own logger.
func NewDefaultMonitor(m *metrics.Metrics) DefaultMonitor {
	return DefaultMonitor{Metrics: m, Log: logger.NewDefault("inbox.monitor")}
}

func (d DefaultMonitor) OnPageComplete(stats DeliveryStats) {
	if d.Metrics != nil {
		d.Metrics.InboxDelivered.WithLabelValues(stats.Shard.String()).Add(float64(stats.DeliveredCount))
		d.Metrics.InboxIgnored.WithLabelValues(stats.Shard.String(), "duplicate").Add(float64(stats.DuplicateCount))
	}
	if d.Log == nil {
		return
	}
	entry := d.Log.WithField("shard", stats.Shard.String()).
		WithField("delivered", stats.DeliveredCount).
		WithField("duplicates", stats.DuplicateCount)
	if stats.Interrupted {
		entry.WithField("stopped_at", stats.StoppedAt).Warn("page interrupted by a fatal failure")
		return
	}
	entry.Debug("page delivered")
}
