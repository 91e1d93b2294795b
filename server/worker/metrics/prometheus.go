package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the worker's collectors on a private registry so tests can
// build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	ScansTotal         *prometheus.CounterVec
	ScanDuration       prometheus.Histogram
	ScanOverlapsTotal  prometheus.Counter
	FilesDetected      prometheus.Counter
	FilesDuplicate     prometheus.Counter
	EventsPublished    prometheus.Counter
	PublishFailures    prometheus.Counter
	LedgerConflicts    prometheus.Counter
	TransfersTotal     *prometheus.CounterVec
	TransferRetries    prometheus.Counter
	DeadLettersTotal   prometheus.Counter
	ChannelsRegistered prometheus.Gauge
	SchedulesActive    prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ScansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fm",
			Subsystem: "scheduler",
			Name:      "scans_total",
			Help:      "Scan runs by outcome",
		}, []string{"outcome"}),
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fm",
			Subsystem: "scheduler",
			Name:      "scan_duration_seconds",
			Help:      "Duration of a scan run",
			Buckets:   prometheus.DefBuckets,
		}),
		ScanOverlapsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fm",
			Subsystem: "scheduler",
			Name:      "scan_overlaps_total",
			Help:      "Triggers dropped because a run was still active",
		}),
		FilesDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fm",
			Subsystem: "scanner",
			Name:      "files_detected_total",
			Help:      "Files seen in source listings",
		}),
		FilesDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fm",
			Subsystem: "scanner",
			Name:      "files_duplicate_total",
			Help:      "Files skipped because the ledger already holds their fingerprint",
		}),
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fm",
			Subsystem: "publisher",
			Name:      "events_published_total",
			Help:      "File detected events published",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fm",
			Subsystem: "publisher",
			Name:      "publish_failures_total",
			Help:      "File detected events that failed to publish",
		}),
		LedgerConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fm",
			Subsystem: "ledger",
			Name:      "conflicts_total",
			Help:      "Duplicate ledger inserts treated as already processed",
		}),
		TransfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fm",
			Subsystem: "consumer",
			Name:      "transfers_total",
			Help:      "Transfer attempts by destination type and outcome",
		}, []string{"destination", "outcome"}),
		TransferRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fm",
			Subsystem: "consumer",
			Name:      "transfer_retries_total",
			Help:      "Transfer attempts beyond the first",
		}),
		DeadLettersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fm",
			Subsystem: "consumer",
			Name:      "dead_letters_total",
			Help:      "Events moved to dead-letter",
		}),
		ChannelsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fm",
			Subsystem: "topology",
			Name:      "channels_registered",
			Help:      "Channels provisioned by this process",
		}),
		SchedulesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fm",
			Subsystem: "scheduler",
			Name:      "schedules_active",
			Help:      "Scheduled (tenant, config) pairs",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
