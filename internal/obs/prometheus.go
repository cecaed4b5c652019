// Package obs adapts the engine's Observer interface to Prometheus, as a
// second sink alongside the homegrown atomic Metrics (SPEC_FULL.md §6).
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver implements mooncake.Observer by recording into
// Prometheus collectors. It does not replace Metrics/MetricsObserver; engines
// typically fan out to both via a small multi-observer (see the root
// package's NewMultiObserver).
type PrometheusObserver struct {
	ops       *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	errors    *prometheus.CounterVec
	retries   prometheus.Counter
	qpDepth   prometheus.Gauge
	latencyNs *prometheus.HistogramVec
}

// NewPrometheusObserver creates and registers the engine's collectors against
// reg. Passing prometheus.NewRegistry() keeps tests isolated from the global
// default registry.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	p := &PrometheusObserver{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mooncake",
			Subsystem: "transfer",
			Name:      "slices_total",
			Help:      "Completed RDMA slices by opcode.",
		}, []string{"opcode"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mooncake",
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Bytes transferred by opcode.",
		}, []string{"opcode"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mooncake",
			Subsystem: "transfer",
			Name:      "errors_total",
			Help:      "Failed slice completions by opcode.",
		}, []string{"opcode"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mooncake",
			Subsystem: "transfer",
			Name:      "retries_total",
			Help:      "Slices that were re-enqueued after a transient failure.",
		}),
		qpDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mooncake",
			Subsystem: "transfer",
			Name:      "qp_depth",
			Help:      "Most recently sampled queue-pair depth.",
		}),
		latencyNs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mooncake",
			Subsystem: "transfer",
			Name:      "completion_latency_seconds",
			Help:      "Slice post-to-completion latency.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"opcode"}),
	}
	reg.MustRegister(p.ops, p.bytes, p.errors, p.retries, p.qpDepth, p.latencyNs)
	return p
}

func (p *PrometheusObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	p.observe("read", bytes, latencyNs, success)
}

func (p *PrometheusObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	p.observe("write", bytes, latencyNs, success)
}

func (p *PrometheusObserver) observe(opcode string, bytes uint64, latencyNs uint64, success bool) {
	p.ops.WithLabelValues(opcode).Inc()
	p.latencyNs.WithLabelValues(opcode).Observe(float64(latencyNs) / 1e9)
	if success {
		p.bytes.WithLabelValues(opcode).Add(float64(bytes))
	} else {
		p.errors.WithLabelValues(opcode).Inc()
	}
}

func (p *PrometheusObserver) ObserveRetry() {
	p.retries.Inc()
}

func (p *PrometheusObserver) ObserveQPDepth(depth uint32) {
	p.qpDepth.Set(float64(depth))
}
