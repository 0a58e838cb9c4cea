// Package metrics exposes Prometheus collectors for the notifier and the
// dashboard server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "aqnotify_"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultDryRun  = "dry_run"
)

// Notifier holds the poll loop collectors
type Notifier struct {
	registry *prometheus.Registry

	polls         *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	evaluations   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	sendLatency   *prometheus.HistogramVec

	aqi          prometheus.Gauge
	regionalMean prometheus.Gauge
	rateOfChange prometheus.Gauge
	windowSize   prometheus.Gauge
}

// NewNotifier registers the notifier collectors on a fresh registry
func NewNotifier() *Notifier {
	m := &Notifier{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "polls_total",
				Help: "Total poll cycles by result",
			},
			[]string{"result"},
		),
		fetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fetch_errors_total",
				Help: "Total sensor fetch failures by source",
			},
			[]string{"source"},
		),
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "evaluations_total",
				Help: "Total gate evaluations by outcome",
			},
			[]string{"outcome"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Total notification sends by channel and result",
			},
			[]string{"channel", "result"},
		),
		sendLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "send_latency_seconds",
				Help:    "Notification send latency in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		aqi: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "local_aqi",
			Help: "Most recent local AQI",
		}),
		regionalMean: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "regional_mean_aqi",
			Help: "Most recent regional mean AQI",
		}),
		rateOfChange: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "rate_of_change_per_hour",
			Help: "Least-squares AQI slope over the window, per hour",
		}),
		windowSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "window_samples",
			Help: "Samples retained in the sliding window",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.polls, m.fetchErrors, m.evaluations, m.notifications, m.sendLatency,
		m.aqi, m.regionalMean, m.rateOfChange, m.windowSize,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Notifier) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Notifier) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Notifier) ObservePoll(result string) {
	m.polls.WithLabelValues(result).Inc()
}

func (m *Notifier) ObserveFetchError(source string) {
	m.fetchErrors.WithLabelValues(source).Inc()
}

// ObserveEvaluation records the outcome and the current window figures
func (m *Notifier) ObserveEvaluation(outcome string, aqi int, regionalMean, rateOfChange float64, samples int) {
	m.evaluations.WithLabelValues(outcome).Inc()
	m.aqi.Set(float64(aqi))
	m.regionalMean.Set(regionalMean)
	m.rateOfChange.Set(rateOfChange)
	m.windowSize.Set(float64(samples))
}

func (m *Notifier) ObserveWindowCleared() {
	m.windowSize.Set(0)
}

// ObserveNotification records one send, seconds including retries
func (m *Notifier) ObserveNotification(channel, result string, seconds float64) {
	m.notifications.WithLabelValues(channel, result).Inc()
	m.sendLatency.WithLabelValues(channel).Observe(seconds)
}

// Server holds the dashboard server collectors
type Server struct {
	registry *prometheus.Registry

	messages    *prometheus.CounterVec
	connections prometheus.Gauge
	dbWrites    *prometheus.CounterVec
	pruned      *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

// NewServer registers the dashboard collectors on a fresh registry
func NewServer() *Server {
	m := &Server{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "server_messages_total",
				Help: "Stream messages received by type and result",
			},
			[]string{"type", "result"},
		),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "server_connections",
			Help: "Open notifier stream connections",
		}),
		dbWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "server_db_writes_total",
				Help: "Rows flushed to SQLite by table and result",
			},
			[]string{"table", "result"},
		),
		pruned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "server_rows_pruned_total",
				Help: "Rows removed by the retention cleaner by table",
			},
			[]string{"table"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "server_http_latency_seconds",
				Help:    "API latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.messages, m.connections, m.dbWrites, m.pruned, m.httpLatency,
	)
	return m
}

func (m *Server) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Server) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Server) ObserveMessage(msgType, result string) {
	m.messages.WithLabelValues(msgType, result).Inc()
}

func (m *Server) ConnectionOpened() { m.connections.Inc() }

func (m *Server) ConnectionClosed() { m.connections.Dec() }

func (m *Server) ObserveDBWrite(table, result string, rows int) {
	m.dbWrites.WithLabelValues(table, result).Add(float64(rows))
}

func (m *Server) ObservePruned(table string, rows int64) {
	m.pruned.WithLabelValues(table).Add(float64(rows))
}

func (m *Server) ObserveHTTP(route string, seconds float64) {
	m.httpLatency.WithLabelValues(route).Observe(seconds)
}
