package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alertbridge"

// Metrics holds the counters that request handlers update directly.
// Values owned by other subsystems are read on scrape through the Watch functions.
type Metrics struct {
	Registry *prometheus.Registry

	AlertsStored    prometheus.Counter
	StoreFailures   prometheus.Counter
	PublishFailures prometheus.Counter
	HistoryQueries  prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		AlertsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_stored_total",
			Help:      "Alerts written to the database",
		}),
		StoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_store_failures_total",
			Help:      "Alerts that could not be written to the database",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_publish_failures_total",
			Help:      "Stored alerts whose live notification failed",
		}),
		HistoryQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_queries_total",
			Help:      "Requests for the list of recent alerts",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.AlertsStored,
		m.StoreFailures,
		m.PublishFailures,
		m.HistoryQueries,
	)
	return m
}

// LiveSource is implemented by the STOMP broker
type LiveSource interface {
	NumSessions() int
	NumSubscriptions() int
	NumDropped() int64
}

// ExportSource is implemented by the Kafka exporter
type ExportSource interface {
	NumSent() int64
	NumDropped() int64
	QueueLength() int64
}

// StoreSource is implemented by the alert database
type StoreSource interface {
	Count() (int64, error)
}

// WatchStore exposes the number of stored alerts. A failed count reads as -1.
func (m *Metrics) WatchStore(src StoreSource) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "alerts",
		Help:      "Alerts in the database",
	}, func() float64 {
		n, err := src.Count()
		if err != nil {
			return -1
		}
		return float64(n)
	}))
}

func (m *Metrics) WatchLive(src LiveSource) {
	m.Registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Open live sessions",
		}, func() float64 { return float64(src.NumSessions()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_subscriptions",
			Help:      "Topic subscriptions across all live sessions",
		}, func() float64 { return float64(src.NumSubscriptions()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_frames_dropped_total",
			Help:      "Frames dropped because a session's send queue was full",
		}, func() float64 { return float64(src.NumDropped()) }),
	)
}

func (m *Metrics) WatchExport(src ExportSource) {
	m.Registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_sent_total",
			Help:      "Alerts written to Kafka",
		}, func() float64 { return float64(src.NumSent()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_dropped_total",
			Help:      "Alerts discarded from the export queue",
		}, func() float64 { return float64(src.NumDropped()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "export_queue_length",
			Help:      "Alerts waiting to be written to Kafka",
		}, func() float64 { return float64(src.QueueLength()) }),
	)
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
