package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pipeline"

// Frame directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Route kinds and outcomes.
const (
	RouteMessage = "message"
	RouteCommand = "command"
	RouteResult  = "result"

	OutcomeDelivered      = "delivered"
	OutcomeTargetNotFound = "target_not_found"
	OutcomeRequesterGone  = "requester_gone"
	OutcomeEncodeFailed   = "encode_failed"
)

var (
	registerOnce sync.Once

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Frames read from or written to terminal sessions.",
		},
		[]string{"type", "direction"},
	)
	protocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "protocol_errors_total",
			Help:      "Frames rejected as malformed.",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Open terminal connections.",
		},
	)
	registeredTerminals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "terminals",
			Help:      "Names currently bound in the registry.",
		},
	)
	routes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "routes_total",
			Help:      "Routing attempts by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	execs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "commands_total",
			Help:      "Remote commands executed.",
		},
		[]string{"policy", "failed", "exit_code"},
	)
	execDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "command_duration_seconds",
			Help:      "Remote command wall time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"policy"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			frames,
			protocolErrors,
			activeSessions,
			registeredTerminals,
			routes,
			execs,
			execDuration,
		)
	})
}

func RecordFrame(messageType, direction string) {
	RegisterMetrics()
	frames.WithLabelValues(messageType, direction).Inc()
}

func RecordProtocolError() {
	RegisterMetrics()
	protocolErrors.Inc()
}

func SessionOpened() {
	RegisterMetrics()
	activeSessions.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	activeSessions.Dec()
}

func SetRegisteredTerminals(n int) {
	RegisterMetrics()
	registeredTerminals.Set(float64(n))
}

func RecordRoute(kind, outcome string) {
	RegisterMetrics()
	routes.WithLabelValues(kind, outcome).Inc()
}

// RecordExec counts one finished command. Exit codes are bucketed to keep
// label cardinality bounded.
func RecordExec(policy string, exitCode int32, failed bool, duration time.Duration) {
	RegisterMetrics()
	execs.WithLabelValues(policy, strconv.FormatBool(failed), exitCodeLabel(exitCode)).Inc()
	execDuration.WithLabelValues(policy).Observe(duration.Seconds())
}

func exitCodeLabel(code int32) string {
	switch {
	case code == 0:
		return "0"
	case code == 127:
		return "127"
	case code < 0:
		return "aborted"
	default:
		return "nonzero"
	}
}
