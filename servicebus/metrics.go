package servicebus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels shared by client and dispatcher metrics.
const (
	outcomeSuccess        = "success"
	outcomeNotFound       = "not_found"
	outcomeRemoteError    = "remote_error"
	outcomeTimeout        = "timeout"
	outcomeConnection     = "connection_error"
	outcomeUnknownPattern = "unknown_pattern"
	outcomeCanceled       = "canceled"
	outcomeMalformed      = "malformed"
	outcomeDuplicate      = "duplicate"
	outcomeHandlerError   = "handler_error"
	outcomeReplyFailed    = "reply_failed"
)

var (
	// ClientCallsTotal counts client calls by outcome.
	ClientCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpc_client_calls_total",
			Help: "Total number of RPC calls issued by service clients",
		},
		[]string{"service", "pattern", "outcome"},
	)

	// ClientCallDuration measures time from publish to outcome.
	ClientCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpc_client_call_duration_seconds",
			Help:    "Duration of RPC calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "pattern"},
	)

	// ClientPendingRequests tracks the size of the pending request table.
	ClientPendingRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpc_client_pending_requests",
			Help: "Number of calls awaiting a reply",
		},
		[]string{"service"},
	)

	// ClientStaleRepliesTotal counts replies that matched no pending request.
	ClientStaleRepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpc_client_stale_replies_total",
			Help: "Total number of replies dropped because no call was waiting for them",
		},
		[]string{"service"},
	)

	// DispatcherMessagesTotal counts inbound messages by outcome.
	DispatcherMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpc_dispatcher_messages_total",
			Help: "Total number of messages handled by pattern dispatchers",
		},
		[]string{"service", "pattern", "outcome"},
	)

	// DispatcherHandlerDuration measures handler execution time.
	DispatcherHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpc_dispatcher_handler_duration_seconds",
			Help:    "Duration of pattern handler execution in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "pattern"},
	)
)

func recordCall(service, pattern, outcome string, seconds float64) {
	ClientCallsTotal.WithLabelValues(service, pattern, outcome).Inc()
	ClientCallDuration.WithLabelValues(service, pattern).Observe(seconds)
}

func recordDispatch(service, pattern, outcome string) {
	DispatcherMessagesTotal.WithLabelValues(service, pattern, outcome).Inc()
}
