// Package metrics provides Prometheus instrumentation for the linechat
// server. It exposes gauges for connection and peer counts, counters for
// message throughput and mailbox pressure, and a histogram for broadcast
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the number of open client connections on all transports.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linechat_connections",
		Help: "Current number of open client connections",
	})

	// Peers tracks the number of registered (joined) peers.
	Peers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linechat_peers",
		Help: "Current number of peers registered for broadcasts",
	})

	// MessagesTotal counts broadcast events, labeled by kind:
	// "joined", "left", "chat", "relayed" or "limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linechat_messages_total",
		Help: "Total number of chat events processed",
	}, []string{"kind"})

	// BroadcastLatency records how long one fanout takes to reach every mailbox.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "linechat_broadcast_seconds",
		Help:    "Time for a broadcast to be enqueued on every target mailbox",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	})

	// MailboxOverflow counts enqueues that hit a full mailbox, labeled by policy.
	MailboxOverflow = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linechat_mailbox_overflow_total",
		Help: "Total number of enqueues that found the target mailbox full",
	}, []string{"policy"})

	// StalePeers counts registry entries dropped because their mailbox was closed.
	StalePeers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linechat_stale_peers_total",
		Help: "Total number of stale registry entries removed during broadcast",
	})

	// AcceptErrors counts listener accept failures, labeled by class:
	// "retryable" or "fatal".
	AcceptErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linechat_accept_errors_total",
		Help: "Total number of accept errors",
	}, []string{"class"})
)

func init() {
	prometheus.MustRegister(
		Connections,
		Peers,
		MessagesTotal,
		BroadcastLatency,
		MailboxOverflow,
		StalePeers,
		AcceptErrors,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
