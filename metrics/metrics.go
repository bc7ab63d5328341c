package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "alpaca"
var subsystem = "replica"

var (
	// StartupTime stores how long the startup took (in seconds)
	StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "startup_seconds",
			Help:      "Seconds taken by the startup",
		},
	)

	// StreamPosition stores the watermarks of each stream,
	// partitioned by stream and watermark (write, head, persisted, synced, applied, acked)
	StreamPosition = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "stream_position_bytes",
		Help:      "Stream watermarks partitioned by stream and kind",
	}, []string{"stream", "kind"})

	// ReceivedBytesTotal stores the number of log bytes received from the master
	ReceivedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "received_bytes_total",
		Help:      "Number of log bytes received from the master",
	}, []string{"stream"})

	// AppliedEntriesTotal stores the number of stream entries applied
	AppliedEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "applied_entries_total",
		Help:      "Number of stream entries applied",
	}, []string{"stream"})

	// ApplyDuration stores the processing time of each entry apply
	ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "apply_duration_seconds",
		Help:      "Time taken to apply one stream entry",
	})

	// AcksSentTotal stores the number of acknowledgments sent to the master
	AcksSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "acks_sent_total",
		Help:      "Number of acknowledgments sent to the master partitioned by ack mode",
	}, []string{"mode"})

	// ConnectsTotal stores the number of connection attempts to the master partitioned by result
	ConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "master_connects_total",
		Help:      "Number of connection attempts to the master partitioned by result",
	}, []string{"result"})

	// DiskUsage stores the disk usage of the replication directory
	DiskUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "disk_usage_bytes",
		Help:      "Disk usage of the replication directory",
	})
)
