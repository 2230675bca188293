package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_connection_state",
			Help: "Current chat connection state, 1 for the active state.",
		},
		[]string{"state"},
	)
	connectionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_connection_events_total",
			Help: "Total number of chat connection lifecycle events.",
		},
		[]string{"event"},
	)
	reconnectsScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_reconnects_scheduled_total",
			Help: "Total number of reconnect timers scheduled.",
		},
	)
	publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_publish_total",
			Help: "Total number of outbound chat publishes by result.",
		},
		[]string{"result"},
	)
	inboundMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_inbound_messages_total",
			Help: "Total number of inbound chat messages by outcome.",
		},
		[]string{"outcome"},
	)
	historyPagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_history_pages_total",
			Help: "Total number of history page loads by result.",
		},
		[]string{"result"},
	)
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_api_requests_total",
			Help: "Total number of HTTP API requests issued by the client.",
		},
		[]string{"method", "endpoint", "status"},
	)
	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_api_request_duration_seconds",
			Help:    "HTTP API request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	debugRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_debug_http_requests_total",
			Help: "Total number of requests served by the debug HTTP surface.",
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		connectionState,
		connectionEventsTotal,
		reconnectsScheduledTotal,
		publishTotal,
		inboundMessagesTotal,
		historyPagesTotal,
		apiRequestsTotal,
		apiRequestDuration,
		debugRequestsTotal,
	)
}

var knownStates = []string{"disconnected", "connecting", "connected"}

// SetConnectionState flips the state gauge so exactly one state reads 1.
func SetConnectionState(state string) {
	for _, s := range knownStates {
		value := 0.0
		if s == state {
			value = 1
		}
		connectionState.WithLabelValues(s).Set(value)
	}
}

func IncConnectionEvent(event string) {
	connectionEventsTotal.WithLabelValues(event).Inc()
}

func IncReconnectScheduled() {
	reconnectsScheduledTotal.Inc()
}

func IncPublish(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	publishTotal.WithLabelValues(result).Inc()
}

func IncInbound(outcome string) {
	inboundMessagesTotal.WithLabelValues(outcome).Inc()
}

func IncHistoryPage(result string) {
	historyPagesTotal.WithLabelValues(result).Inc()
}

// ObserveAPIRequest records one outbound API call. Status 0 means the request
// never produced a response.
func ObserveAPIRequest(method, endpoint string, status int, elapsed time.Duration) {
	apiRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	apiRequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		debugRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
