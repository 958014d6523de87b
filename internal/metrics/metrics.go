// Package metrics provides Prometheus instrumentation for codelatchd.
// It is wired up only when config.MetricsAddr is set; the daemon runs
// identically without it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingress metrics.
var (
	EnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codelatch_envelopes_total",
		Help: "Total number of hook envelopes received, by event name.",
	}, []string{"event"})

	PermissionDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codelatch_permission_decisions_total",
		Help: "Total number of permission requests resolved, by outcome.",
	}, []string{"outcome"}) // allow, deny, timeout

	PermissionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "codelatch_permission_latency_seconds",
		Help:    "Time from permission request received to decision, in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)

// Chat metrics.
var (
	ChatMessagesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codelatch_chat_messages_sent_total",
		Help: "Total number of messages sent to the operator chat.",
	})

	ChatUpdatesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codelatch_chat_updates_received_total",
		Help: "Total number of updates received from the long-poll loop.",
	})
)

// Session metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codelatch_active_sessions",
		Help: "Number of sessions seen in the current store.",
	})

	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codelatch_pending_requests",
		Help: "Number of permission requests currently awaiting a decision.",
	})
)
