// ABOUTME: Prometheus collectors for queue depth, mutation outcomes, run probes, and approvals.
// ABOUTME: Implements the observer interfaces of the mutation, reconcile, and approvals packages.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_console"

// Metrics holds the console's collectors.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth       prometheus.Gauge
	mutations        *prometheus.CounterVec
	probes           *prometheus.CounterVec
	pendingApprovals prometheus.Gauge
	connected        prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mutation_queue_depth",
			Help:      "Config mutations waiting or running.",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Config mutations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_probes_total",
			Help:      "Run reconciliation probes by result.",
		}, []string{"result"}),
		pendingApprovals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_exec_approvals",
			Help:      "Exec approvals awaiting an operator decision.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connected",
			Help:      "1 while the gateway control channel is connected.",
		}),
	}
	m.registry.MustRegister(m.queueDepth, m.mutations, m.probes, m.pendingApprovals, m.connected)
	return m
}

// ObserveQueueDepth records the mutation queue length.
func (m *Metrics) ObserveQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveMutation counts a finished mutation.
func (m *Metrics) ObserveMutation(kind, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind, outcome).Inc()
}

// ObserveProbe counts a run probe result.
func (m *Metrics) ObserveProbe(result string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(result).Inc()
}

// ObservePendingApprovals records how many approvals are pending.
func (m *Metrics) ObservePendingApprovals(n int) {
	if m == nil {
		return
	}
	m.pendingApprovals.Set(float64(n))
}

// ObserveConnected records the gateway connection state.
func (m *Metrics) ObserveConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
