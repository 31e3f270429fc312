// Package metrics exposes Prometheus metrics for the rebalancer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job results
const (
	ResultCompleted    = "completed"
	ResultRetry        = "retry"
	ResultDeadLettered = "dead_lettered"
)

// Registry holds all rebalancer metrics on a private Prometheus registry
type Registry struct {
	reg *prometheus.Registry

	JobsProcessed        *prometheus.CounterVec
	JobDuration          *prometheus.HistogramVec
	JobsInFlight         prometheus.Gauge
	PortfoliosEvaluated  *prometheus.CounterVec
	DriftBreaches        *prometheus.CounterVec
	DegenerateValuations prometheus.Counter
	DuplicatePriceEvents prometheus.Counter
	AlertsDelivered      *prometheus.CounterVec
	AlertsFailed         *prometheus.CounterVec
	AlertsDropped        prometheus.Counter
	CacheHits            prometheus.Counter
	CacheMisses          prometheus.Counter
	PricesIngested       *prometheus.CounterVec
	SweepRuns            *prometheus.CounterVec
}

// NewRegistry creates the metrics and registers them together with the Go and process collectors
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		JobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_jobs_processed_total",
				Help: "Price jobs processed by result",
			},
			[]string{"result"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rebalancer_job_duration_seconds",
				Help:    "Duration of price job processing in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"result"},
		),

		JobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rebalancer_jobs_in_flight",
				Help: "Price jobs currently being processed",
			},
		),

		PortfoliosEvaluated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_portfolios_evaluated_total",
				Help: "Drift evaluations by trigger",
			},
			[]string{"trigger"},
		),

		DriftBreaches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_drift_breaches_total",
				Help: "Drift evaluations that exceeded the portfolio threshold, by asset",
			},
			[]string{"asset"},
		),

		DegenerateValuations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebalancer_degenerate_valuations_total",
				Help: "Evaluations of portfolios whose total value was not positive",
			},
		),

		DuplicatePriceEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebalancer_duplicate_price_events_total",
				Help: "Redelivered price events ignored by the idempotent insert",
			},
		),

		AlertsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_alerts_delivered_total",
				Help: "Alerts delivered by sink",
			},
			[]string{"sink"},
		),

		AlertsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_alerts_failed_total",
				Help: "Alert deliveries that failed, by sink",
			},
			[]string{"sink"},
		),

		AlertsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebalancer_alerts_dropped_total",
				Help: "Alerts dropped because the emitter buffer was full",
			},
		),

		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebalancer_latest_price_cache_hits_total",
				Help: "Latest price reads served from Redis",
			},
		),

		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebalancer_latest_price_cache_misses_total",
				Help: "Latest price reads that fell through to Postgres",
			},
		),

		PricesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_prices_ingested_total",
				Help: "Price jobs accepted by the HTTP API, by status",
			},
			[]string{"status"},
		),

		SweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_sweep_runs_total",
				Help: "Periodic drift sweeps by result",
			},
			[]string{"result"},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.JobsProcessed,
		r.JobDuration,
		r.JobsInFlight,
		r.PortfoliosEvaluated,
		r.DriftBreaches,
		r.DegenerateValuations,
		r.DuplicatePriceEvents,
		r.AlertsDelivered,
		r.AlertsFailed,
		r.AlertsDropped,
		r.CacheHits,
		r.CacheMisses,
		r.PricesIngested,
		r.SweepRuns,
	)

	return r
}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveJob records a finished job
func (r *Registry) ObserveJob(result string, duration time.Duration) {
	r.JobsProcessed.WithLabelValues(result).Inc()
	r.JobDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// NewServer returns a standalone HTTP server exposing /metrics on addr
func (r *Registry) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
