// Package metrics holds the Prometheus collectors of the fleet server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crawlodeployer/fleet/internal/core"
)

const namespace = "fleet"

// Metrics is the set of fleet collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	serverInfo      *prometheus.GaugeVec
	dispatches      *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	nodeTransitions *prometheus.CounterVec
	reconcile       prometheus.Histogram
	reconcileNodes  *prometheus.CounterVec
	triggers        prometheus.Gauge
	eventsApplied   *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		serverInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_info",
			Help:      "Fleet server build information.",
		}, []string{"version", "liveness"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatch attempts by outcome.",
		}, []string{"outcome"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status", "trigger"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of finished runs.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"status"}),
		nodeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Node status transitions by target status.",
		}, []string{"to"}),
		reconcile: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_reconcile_duration_seconds",
			Help:      "Duration of heartbeat reconcile passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		reconcileNodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_reconcile_nodes_total",
			Help:      "Nodes seen by reconcile passes, by result.",
		}, []string{"result"}),
		triggers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_triggers",
			Help:      "Cron triggers currently registered.",
		}),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_events_total",
			Help:      "Run events received from workers, by status and result.",
		}, []string{"status", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.serverInfo, m.dispatches, m.runsFinished, m.runDuration, m.nodeTransitions,
		m.reconcile, m.reconcileNodes, m.triggers, m.eventsApplied,
	)
	return m
}

// Init records the server_info sample.
func (m *Metrics) Init(version, liveness string) {
	m.serverInfo.WithLabelValues(version, liveness).Set(1)
}

// RegisterNodesOnline exposes the online node count computed by fn at
// scrape time.
func (m *Metrics) RegisterNodesOnline(fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "nodes_online",
		Help:      "Nodes currently ONLINE in the registry.",
	}, fn))
}

// Dispatched counts one dispatch outcome.
func (m *Metrics) Dispatched(outcome string) {
	m.dispatches.WithLabelValues(outcome).Inc()
}

// RunFinished counts a terminal run and records its duration.
func (m *Metrics) RunFinished(run *core.Run) {
	m.runsFinished.WithLabelValues(string(run.Status), string(run.Trigger)).Inc()
	if d := run.Duration(); d > 0 {
		m.runDuration.WithLabelValues(string(run.Status)).Observe(d.Seconds())
	}
}

// NodeTransition counts a registry status change.
func (m *Metrics) NodeTransition(_ string, _, to core.NodeStatus) {
	m.nodeTransitions.WithLabelValues(string(to)).Inc()
}

// Reconciled records one heartbeat reconcile pass.
func (m *Metrics) Reconciled(seconds float64, wentOnline, wentOffline, skipped int) {
	m.reconcile.Observe(seconds)
	m.reconcileNodes.WithLabelValues("online").Add(float64(wentOnline))
	m.reconcileNodes.WithLabelValues("offline").Add(float64(wentOffline))
	m.reconcileNodes.WithLabelValues("skipped").Add(float64(skipped))
}

// SetTriggers records the scheduler's trigger count.
func (m *Metrics) SetTriggers(n int) {
	m.triggers.Set(float64(n))
}

// EventApplied counts a run event and whether it applied cleanly.
func (m *Metrics) EventApplied(status core.RunStatus, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.eventsApplied.WithLabelValues(string(status), result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
