package metrics

import (
	"net/http"
	"strconv"

	"uptime/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "uptime"

// Metrics owns service collectors on a private registry.
// Params: none.
// Returns: observers for scheduler, checks, incidents, alerts, and deliveries.
type Metrics struct {
	registry *prometheus.Registry

	checks        *prometheus.CounterVec
	checkLatency  *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	tracked       prometheus.Gauge
	inFlight      prometheus.Gauge
	backlog       prometheus.Gauge
	pruned        prometheus.Counter
	storeFailures *prometheus.CounterVec
}

// New registers all collectors plus Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Completed checks by status, error kind, and response class.",
		}, []string{"status", "error_kind", "code_class"}),
		checkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_latency_seconds",
			Help:      "Probe latency to first response byte.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incident_transitions_total",
			Help:      "Incident tracker transitions.",
		}, []string{"kind"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_decisions_total",
			Help:      "Alert rule decisions by rule type and kind.",
		}, []string{"rule_type", "kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_deliveries_total",
			Help:      "Per-channel delivery outcomes.",
		}, []string{"channel_type", "status"}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_monitors",
			Help:      "Monitors tracked by the scheduler.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_in_flight",
			Help:      "Check units running or queued for the worker pool.",
		}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_backlog",
			Help:      "Due monitors left for the next tick because the pool was full.",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_results_pruned_total",
			Help:      "Check results removed by retention.",
		}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Store operations that failed and dropped a check cycle.",
		}, []string{"operation"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.checks,
		m.checkLatency,
		m.transitions,
		m.decisions,
		m.deliveries,
		m.tracked,
		m.inFlight,
		m.backlog,
		m.pruned,
		m.storeFailures,
	)
	return m
}

// Handler serves registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCheck records one completed check.
func (m *Metrics) ObserveCheck(result domain.CheckResult) {
	kind := string(result.ErrorKind)
	if kind == "" {
		kind = "none"
	}
	m.checks.WithLabelValues(string(result.Status), kind, StatusClass(result.StatusCode)).Inc()
	m.checkLatency.WithLabelValues(string(result.Status)).Observe(float64(result.LatencyMS) / 1000)
}

// ObserveTransition records incident tracker output other than none.
func (m *Metrics) ObserveTransition(transition domain.Transition) {
	if transition.Kind == domain.TransitionNone || transition.Kind == "" {
		return
	}
	m.transitions.WithLabelValues(string(transition.Kind)).Inc()
}

// ObserveDecision records one rule engine decision.
func (m *Metrics) ObserveDecision(decision domain.Decision) {
	m.decisions.WithLabelValues(string(decision.Rule.Type), string(decision.Kind)).Inc()
}

// ObserveDelivery records one channel outcome.
func (m *Metrics) ObserveDelivery(channelType domain.ChannelType, status domain.DeliveryStatus) {
	label := string(channelType)
	if label == "" {
		label = "unknown"
	}
	m.deliveries.WithLabelValues(label, string(status)).Inc()
}

// ObserveScheduler records pool snapshot after a tick.
func (m *Metrics) ObserveScheduler(tracked, inFlight, backlog int) {
	m.tracked.Set(float64(tracked))
	m.inFlight.Set(float64(inFlight))
	m.backlog.Set(float64(backlog))
}

// ObservePruned adds removed check result count.
func (m *Metrics) ObservePruned(removed int64) {
	if removed > 0 {
		m.pruned.Add(float64(removed))
	}
}

// ObserveStoreFailure counts failed store operation by name.
func (m *Metrics) ObserveStoreFailure(operation string) {
	m.storeFailures.WithLabelValues(operation).Inc()
}

// StatusClass returns "2xx"-style label for status code; "none" without response.
func StatusClass(code int) string {
	if code <= 0 {
		return "none"
	}
	return strconv.Itoa(code/100) + "xx"
}
