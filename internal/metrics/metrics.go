package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	ledgerOps       *prometheus.CounterVec
	digestRuns      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		ledgerOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Ledger operations by outcome",
			},
			[]string{"op", "result"},
		),
		digestRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digest_runs_total",
				Help: "Daily digest deliveries by outcome",
			},
			[]string{"result"},
		),
	}
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.ledgerOps,
		m.digestRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveLedger counts one ledger operation. A nil receiver is a no-op.
func (m *Metrics) ObserveLedger(op string, err error) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op, outcome(err)).Inc()
}

func (m *Metrics) ObserveDigest(err error) {
	if m == nil {
		return
	}
	m.digestRuns.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		path := RouteLabel(r.URL.Path)
		m.requestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(path).Observe(duration.Seconds())
	})
}

var fixedSegments = map[string]bool{
	"api": true, "v1": true, "auth": true, "csrf-token": true,
	"session": true, "login": true, "logout": true, "language": true,
	"products": true, "image": true, "customers": true, "payments": true,
	"statement": true, "sales": true, "expenses": true, "dashboard": true,
	"reports": true, "insights": true, "shop": true, "status": true,
	"consistency": true, "healthz": true, "metrics": true,
}

// RouteLabel collapses record identifiers so label cardinality stays bounded.
func RouteLabel(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "/"
	}
	segments := strings.Split(trimmed, "/")
	for i, segment := range segments {
		if !fixedSegments[segment] {
			segments[i] = ":id"
		}
	}
	return "/" + strings.Join(segments, "/")
}
