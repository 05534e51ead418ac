// Package metrics exposes prometheus instrumentation for the mail
// sink. The registry is served by the web frontend at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SMTP metrics
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailloft_messages_received_total",
		Help: "Total number of messages received via SMTP",
	})

	MessagesStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailloft_messages_stored_total",
		Help: "Total number of message copies stored, by mailbox",
	}, []string{"mailbox"})

	MessagesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailloft_messages_uploaded_total",
		Help: "Total number of messages uploaded or composed via the web UI",
	})

	MessagesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailloft_messages_skipped_total",
		Help: "Total number of messages skipped",
	}, []string{"reason"})

	// Auto-responder metrics
	RepliesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailloft_replies_generated_total",
		Help: "Total number of auto-responder replies routed back into the store",
	})

	// Account metrics
	Accounts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailloft_accounts",
		Help: "Number of provisioned accounts",
	})

	// Authentication metrics
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailloft_auth_attempts_total",
		Help: "Total authentication attempts",
	}, []string{"result", "protocol"})

	// Connection metrics
	WebsocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailloft_websocket_connections",
		Help: "Number of connected websocket clients",
	})
)

// RecordAuth records an authentication attempt
func RecordAuth(success bool, protocol string) {
	result := "success"
	if !success {
		result = "failure"
	}
	AuthAttempts.WithLabelValues(result, protocol).Inc()
}

// RecordSkip records a message skipped during a batch operation
func RecordSkip(reason string) {
	MessagesSkipped.WithLabelValues(reason).Inc()
}
