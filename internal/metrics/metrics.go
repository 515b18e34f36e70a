package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messages accepted by Send
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqlite_messages_sent_total",
			Help: "Total number of messages accepted for delivery",
		},
		[]string{"queue"},
	)

	// Sends short-circuited by the FIFO dedup window
	MessagesDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqlite_messages_deduplicated_total",
			Help: "Total number of sends answered by an existing message via FIFO deduplication",
		},
		[]string{"queue"},
	)

	// Messages leased to consumers
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqlite_messages_received_total",
			Help: "Total number of messages leased to consumers",
		},
		[]string{"queue"},
	)

	// Messages removed by a matching delivery receipt
	MessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqlite_messages_deleted_total",
			Help: "Total number of messages deleted with a valid receipt",
		},
		[]string{"queue"},
	)

	// Visibility timeout changes applied
	VisibilityChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqlite_visibility_changes_total",
			Help: "Total number of visibility timeout changes applied",
		},
		[]string{"queue"},
	)

	// Messages forwarded to a dead-letter queue
	MessagesDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqlite_messages_dead_lettered_total",
			Help: "Total number of messages forwarded to a dead-letter queue",
		},
		[]string{"queue"},
	)

	// Depth gauges sampled by the monitor
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqlite_queue_depth",
			Help: "Messages logically present in the queue",
		},
		[]string{"queue"},
	)

	QueueAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqlite_queue_available",
			Help: "Messages eligible for receive right now",
		},
		[]string{"queue"},
	)

	QueueInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqlite_queue_in_flight",
			Help: "Messages currently leased and not yet expired",
		},
		[]string{"queue"},
	)
)
