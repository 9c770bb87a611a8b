package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: сколько кандидатов пришло из фидов и что с ними стало
	EventsFetched   *prometheus.CounterVec
	EventsInserted  *prometheus.CounterVec
	EventsDuplicate *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec // reason: invalid, filtered, filter_error

	// Errors: отказы фидов по типу (throttled, http, network)
	FetchErrors *prometheus.CounterVec

	// Retention: сколько событий вытеснено политикой хранения
	EventsEvicted prometheus.Counter

	SummarizeTotal    *prometheus.CounterVec // status: success, failed
	SummarizeDuration *prometheus.HistogramVec
	GeoFallbacks      prometheus.Counter

	// Latency циклов по имени задачи
	CycleDuration *prometheus.HistogramVec

	// Saturation: очередь логов и состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	QueueLength         prometheus.Gauge
	QueueDropped        prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EventsFetched: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "threatecho_events_fetched_total",
			Help: "Candidates returned by feeds.",
		}, []string{"source"}),

		EventsInserted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "threatecho_events_inserted_total",
			Help: "Events actually written to the store.",
		}, []string{"source"}),

		EventsDuplicate: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "threatecho_events_duplicate_total",
			Help: "Candidates skipped because (source, timestamp) already exists.",
		}, []string{"source"}),

		EventsRejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "threatecho_events_rejected_total",
			Help: "Candidates dropped before the write.",
		}, []string{"source", "reason"}),

		FetchErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "threatecho_fetch_errors_total",
			Help: "Failed feed cycles by error type.",
		}, []string{"source", "type"}),

		EventsEvicted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "threatecho_events_evicted_total",
			Help: "Events deleted by the retention policy.",
		}),

		SummarizeTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "threatecho_summarize_total",
			Help: "Summarization attempts per event.",
		}, []string{"status"}),

		SummarizeDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threatecho_summarize_duration_seconds",
			Help:    "Histogram of summarization latencies, retries included.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 40},
		}, []string{"status"}),

		GeoFallbacks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "threatecho_geo_fallbacks_total",
			Help: "Arcs built with at least one unknown country.",
		}),

		CycleDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threatecho_cycle_duration_seconds",
			Help:    "Duration of one loop cycle.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
		}, []string{"task"}),

		QueueLength: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "threatecho_log_queue_length",
			Help: "Current number of records in the log queue.",
		}),

		QueueDropped: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "threatecho_log_queue_dropped",
			Help: "Records evicted from the log queue since start.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "threatecho_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),
	}
}
