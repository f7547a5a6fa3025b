package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the gateway's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegisroute",
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Messages handled by the router, by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)

	interceptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegisroute",
			Subsystem: "interceptor",
			Name:      "interceptions_total",
			Help:      "Interception attempts, by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)

	scriptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aegisroute",
			Subsystem: "interceptor",
			Name:      "script_duration_seconds",
			Help:      "Duration of interception script runs.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13), // 0.5ms to ~2s
		},
		[]string{"outcome"},
	)

	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegisroute",
			Subsystem: "connector",
			Name:      "session_transitions_total",
			Help:      "Connector session state transitions.",
		},
		[]string{"connector", "to"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aegisroute",
			Subsystem: "connector",
			Name:      "dispatch_duration_seconds",
			Help:      "Time taken to hand a message to a connector.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"connector", "success"},
	)

	controlPlaneCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegisroute",
			Subsystem: "controlplane",
			Name:      "calls_total",
			Help:      "Control-plane operations, by method and result kind.",
		},
		[]string{"method", "result"},
	)
)

func init() {
	Registry.MustRegister(
		messages,
		interceptions,
		scriptDuration,
		sessionTransitions,
		dispatchDuration,
		controlPlaneCalls,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordMessage counts a routed (or refused) message.
func RecordMessage(direction, outcome string) {
	messages.WithLabelValues(direction, outcome).Inc()
}

// RecordInterception counts an interception attempt.
func RecordInterception(direction, outcome string) {
	interceptions.WithLabelValues(direction, outcome).Inc()
}

// RecordScriptRun records the duration of a script run.
func RecordScriptRun(outcome string, duration time.Duration) {
	scriptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordSessionTransition counts a connector session state change.
func RecordSessionTransition(connectorID, to string) {
	sessionTransitions.WithLabelValues(connectorID, to).Inc()
}

// RecordDispatch records the time a connector took to accept a message.
func RecordDispatch(connectorID string, success bool, duration time.Duration) {
	ok := "false"
	if success {
		ok = "true"
	}
	dispatchDuration.WithLabelValues(connectorID, ok).Observe(duration.Seconds())
}

// RecordControlPlaneCall counts a control-plane operation; result is "ok" or
// the error kind.
func RecordControlPlaneCall(method, result string) {
	controlPlaneCalls.WithLabelValues(method, result).Inc()
}
