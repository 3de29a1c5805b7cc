package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "torctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "torctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "torctl",
			Subsystem: "control",
			Name:      "commands_total",
			Help:      "Control commands by final outcome.",
		},
		[]string{"command", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "torctl",
			Subsystem: "control",
			Name:      "command_duration_seconds",
			Help:      "Time a control command held the execution slot.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command", "outcome"},
	)
	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "torctl",
			Subsystem: "control",
			Name:      "events_total",
			Help:      "Asynchronous notifications delivered to listeners.",
		},
		[]string{"category"},
	)
	droppedLines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "torctl",
			Subsystem: "control",
			Name:      "dropped_lines_total",
			Help:      "Malformed reply or notification lines discarded.",
		},
	)
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "torctl",
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current session state, 0 otherwise.",
		},
		[]string{"state"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "torctl",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions.",
		},
		[]string{"from", "to"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			commands, commandDuration,
			events, droppedLines,
			sessionState, stateTransitions,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCommand(command, outcome string, duration time.Duration) {
	RegisterMetrics()
	commands.WithLabelValues(command, outcome).Inc()
	commandDuration.WithLabelValues(command, outcome).Observe(duration.Seconds())
}

func RecordEvent(category string) {
	RegisterMetrics()
	events.WithLabelValues(category).Inc()
}

func RecordDroppedLines(n int) {
	RegisterMetrics()
	droppedLines.Add(float64(n))
}

// RecordState sets current to 1 and every other known state to 0.
func RecordState(from, current string, known []string) {
	RegisterMetrics()
	for _, s := range known {
		sessionState.WithLabelValues(s).Set(0)
	}
	sessionState.WithLabelValues(current).Set(1)
	if from != "" {
		stateTransitions.WithLabelValues(from, current).Inc()
	}
}
