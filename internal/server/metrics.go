package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments exposed on /metrics. Each server
// instance carries its own registry so tests can run several servers in one
// process.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	ValidationsTotal prometheus.Counter
	FindingsTotal    *prometheus.CounterVec
	BlocksCataloged  prometheus.Counter
	UploadBytes      prometheus.Counter
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.RequestsTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "sftgate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "status"},
	)
	m.ValidationsTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "sftgate_validations_total",
			Help: "Total number of validation runs",
		},
	)
	m.FindingsTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "sftgate_findings_total",
			Help: "Validation findings by severity",
		},
		[]string{"severity"},
	)
	m.BlocksCataloged = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "sftgate_blocks_cataloged_total",
			Help: "Total number of SFT blocks cataloged",
		},
	)
	m.UploadBytes = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "sftgate_upload_bytes_total",
			Help: "Total bytes received through /api/upload",
		},
	)
	return m
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
