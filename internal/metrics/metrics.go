package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records
// nothing, so tests and one-shot commands can skip it.
type Metrics struct {
	gatherer prometheus.Gatherer

	snapshotRecords prometheus.Gauge
	cycles          *prometheus.CounterVec
	cycleDur        prometheus.Summary
	fetchAttempts   *prometheus.CounterVec
	lastSuccessTS   prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	trustedWrites   *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{gatherer: reg}
	m.snapshotRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "legisync",
		Name:      "snapshot_records",
		Help:      "Number of records in the current snapshot",
	})
	m.cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legisync",
		Name:      "ingest_cycles_total",
		Help:      "Ingestion cycles by trigger and result",
	}, []string{"trigger", "result"})
	m.cycleDur = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "legisync",
		Name:      "ingest_cycle_duration_seconds",
		Help:      "Time spent in one fetch-normalize-replace cycle",
	})
	m.fetchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legisync",
		Name:      "fetch_attempts_total",
		Help:      "Source fetch attempts by status",
	}, []string{"status"})
	m.lastSuccessTS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "legisync",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful ingestion cycle",
	})
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legisync",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})
	m.trustedWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legisync",
		Name:      "trusted_writes_total",
		Help:      "Trusted bulk writes by result",
	}, []string{"result"})

	reg.MustRegister(
		m.snapshotRecords, m.cycles, m.cycleDur, m.fetchAttempts,
		m.lastSuccessTS, m.httpRequests, m.trustedWrites,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SetSnapshotRecords(n int) {
	if m == nil {
		return
	}
	m.snapshotRecords.Set(float64(n))
}

// ObserveCycle records the outcome of one ingestion cycle.
func (m *Metrics) ObserveCycle(trigger, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(trigger, result).Inc()
	m.cycleDur.Observe(d.Seconds())
	if result == "ok" {
		m.lastSuccessTS.Set(float64(time.Now().Unix()))
	}
}

func (m *Metrics) FetchAttempt(status string) {
	if m == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(status).Inc()
}

func (m *Metrics) HTTPRequest(route, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}

func (m *Metrics) TrustedWrite(result string) {
	if m == nil {
		return
	}
	m.trustedWrites.WithLabelValues(result).Inc()
}
