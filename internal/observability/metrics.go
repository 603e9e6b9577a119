package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lattice"

var (
	registerOnce sync.Once
	registry     = prometheus.NewRegistry()

	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "invocations_total",
			Help:      "Outbound invocations by outcome.",
		},
		[]string{"contract", "outcome"},
	)
	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "invocation_duration_seconds",
			Help:      "Outbound invocation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"contract", "outcome"},
	)
	inbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "inbound_total",
			Help:      "Inbound invocations by outcome.",
		},
		[]string{"outcome"},
	)
	droppedReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "replies_dropped_total",
			Help:      "Replies discarded without a waiting caller.",
		},
		[]string{"reason"},
	)
	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "events_total",
			Help:      "Lattice events seen by the control plane.",
		},
		[]string{"kind", "result"},
	)
	runningHosts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "hosts_running",
			Help:      "Hosts currently considered live.",
		},
	)
	providerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "transitions_total",
			Help:      "Provider state transitions by target state.",
		},
		[]string{"contract", "state"},
	)
	providerProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "probes_total",
			Help:      "Provider health probes by result.",
		},
		[]string{"contract", "healthy"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Admin HTTP requests.",
		},
		[]string{"host", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"host", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			invocations, invocationDuration, inbound, droppedReplies,
			events, runningHosts,
			providerTransitions, providerProbes,
			httpRequests, httpDuration,
		)
	})
}

// Handler serves the lattice registry in the prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func RecordInvocation(contract, outcome string, duration time.Duration) {
	RegisterMetrics()
	invocations.WithLabelValues(contract, outcome).Inc()
	invocationDuration.WithLabelValues(contract, outcome).Observe(duration.Seconds())
}

func RecordInbound(outcome string) {
	RegisterMetrics()
	inbound.WithLabelValues(outcome).Inc()
}

func RecordDroppedReply(reason string) {
	RegisterMetrics()
	droppedReplies.WithLabelValues(reason).Inc()
}

func RecordEvent(kind, result string) {
	RegisterMetrics()
	events.WithLabelValues(kind, result).Inc()
}

func SetRunningHosts(n int) {
	RegisterMetrics()
	runningHosts.Set(float64(n))
}

func RecordProviderTransition(contract, state string) {
	RegisterMetrics()
	providerTransitions.WithLabelValues(contract, state).Inc()
}

func RecordProviderProbe(contract string, healthy bool) {
	RegisterMetrics()
	providerProbes.WithLabelValues(contract, strconv.FormatBool(healthy)).Inc()
}

func RecordHTTPRequest(host, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(host, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(host, method, path, statusLabel).Observe(duration.Seconds())
}
