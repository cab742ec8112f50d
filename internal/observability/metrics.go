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
			Namespace: "fleetkor",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetkor",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	nodeTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetkor",
			Subsystem: "node",
			Name:      "ticks_total",
			Help:      "Coordination ticks executed.",
		},
		[]string{"node"},
	)
	busMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetkor",
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Messages drained from the bus, by record type.",
		},
		[]string{"node", "type"},
	)
	busAuthRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetkor",
			Subsystem: "bus",
			Name:      "auth_rejects_total",
			Help:      "Messages dropped for a bad or missing tag.",
		},
		[]string{"node", "type"},
	)
	heartbeatTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetkor",
			Subsystem: "heartbeat",
			Name:      "transitions_total",
			Help:      "Neighbor health transitions, by target state.",
		},
		[]string{"node", "to"},
	)
	ballotsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetkor",
			Subsystem: "consensus",
			Name:      "ballots_total",
			Help:      "Finalized ballots, by result.",
		},
		[]string{"node", "result"},
	)
	fieldPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetkor",
			Subsystem: "field",
			Name:      "publishes_total",
			Help:      "Own-field publishes.",
		},
		[]string{"node"},
	)
	activeNeighbors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetkor",
			Subsystem: "topology",
			Name:      "active_neighbors",
			Help:      "Size of the active neighbor set.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, nodeTicks,
			busMessages, busAuthRejects, heartbeatTransitions,
			ballotsFinalized, fieldPublishes, activeNeighbors)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordTick(node string) {
	RegisterMetrics()
	nodeTicks.WithLabelValues(node).Inc()
}

func RecordMessage(node, msgType string) {
	RegisterMetrics()
	busMessages.WithLabelValues(node, msgType).Inc()
}

func RecordAuthReject(node, msgType string) {
	RegisterMetrics()
	busAuthRejects.WithLabelValues(node, msgType).Inc()
}

func RecordHeartbeatTransition(node, to string) {
	RegisterMetrics()
	heartbeatTransitions.WithLabelValues(node, to).Inc()
}

func RecordBallot(node, result string) {
	RegisterMetrics()
	ballotsFinalized.WithLabelValues(node, result).Inc()
}

func RecordFieldPublish(node string) {
	RegisterMetrics()
	fieldPublishes.WithLabelValues(node).Inc()
}

func SetActiveNeighbors(node string, count int) {
	RegisterMetrics()
	activeNeighbors.WithLabelValues(node).Set(float64(count))
}
