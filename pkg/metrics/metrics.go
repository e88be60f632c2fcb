package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "plato"

// Registry owns the service collectors on a private prometheus registry so
// tests can build as many as they like.
type Registry struct {
	reg             *prometheus.Registry
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	executions      *prometheus.CounterVec
	guardBlocks     *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	streamClients   prometheus.Gauge
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"route"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finalized executions by route and failClass.",
		}, []string{"route", "fail_class", "ok"}),
		guardBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_blocks_total",
			Help:      "Requests blocked by the execution guard, by the check that blocked them.",
		}, []string{"state", "fail_class"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_publish_failures_total",
			Help:      "Execution records that could not be handed to a sink.",
		}, []string{"sink"}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected websocket stream clients.",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests, r.latency, r.executions, r.guardBlocks, r.publishFailures, r.streamClients,
	)
	return r
}

// Observe records one HTTP request against its route pattern.
func (r *Registry) Observe(route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	r.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.latency.WithLabelValues(route).Observe(d.Seconds())
}

func (r *Registry) ObserveExecution(route, failClass string, ok bool) {
	r.executions.WithLabelValues(route, failClass, strconv.FormatBool(ok)).Inc()
}

func (r *Registry) IncGuardBlock(state, failClass string) {
	r.guardBlocks.WithLabelValues(state, failClass).Inc()
}

func (r *Registry) IncPublishFailure(sink string) {
	r.publishFailures.WithLabelValues(sink).Inc()
}

func (r *Registry) SetStreamClients(n int) {
	r.streamClients.Set(float64(n))
}

// Handler serves the prometheus text exposition.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
