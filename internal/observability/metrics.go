// Package observability records engine metrics through prometheus.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder captures operation timings and outcomes.
type Recorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	AddRows(operation string, n int)
}

// NoopRecorder discards all observations.
type NoopRecorder struct{}

func (NoopRecorder) Observe(context.Context, string, bool, time.Duration) {}
func (NoopRecorder) AddRows(string, int)                                {}

// PrometheusRecorder publishes operation counters, latency histograms, and row
// throughput on its own registry.
type PrometheusRecorder struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	rows       *prometheus.CounterVec
}

// NewPrometheusRecorder registers the studycore collectors on a fresh registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	r := &PrometheusRecorder{
		registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studycore",
			Name:      "operations_total",
			Help:      "Engine operations by name and result.",
		}, []string{"operation", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "studycore",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studycore",
			Name:      "rows_total",
			Help:      "Rows written by operation.",
		}, []string{"operation"}),
	}
	reg.MustRegister(r.operations, r.latency, r.rows)
	return r
}

// Observe records one completed operation.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "error"
	}
	r.operations.WithLabelValues(operation, result).Inc()
	r.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// AddRows adds n written rows to the operation's counter.
func (r *PrometheusRecorder) AddRows(operation string, n int) {
	if n <= 0 {
		return
	}
	r.rows.WithLabelValues(operation).Add(float64(n))
}

// Registry exposes the underlying registry for tests and additional collectors.
func (r *PrometheusRecorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Timer measures an operation from construction to Done.
type Timer struct {
	rec   Recorder
	op    string
	start time.Time
}

// Start begins timing operation on rec; a nil rec is allowed.
func Start(rec Recorder, operation string) Timer {
	if rec == nil {
		rec = NoopRecorder{}
	}
	return Timer{rec: rec, op: operation, start: time.Now()}
}

// Done records the elapsed time with the outcome derived from err.
func (t Timer) Done(ctx context.Context, err error) {
	t.rec.Observe(ctx, t.op, err == nil, time.Since(t.start))
}
