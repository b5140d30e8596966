package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 核心业务指标
var (
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_messages_sent_total",
			Help: "Total number of messages persisted",
		},
		[]string{"kind"},
	)

	EventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_events_dispatched_total",
			Help: "Total number of room events published to NATS",
		},
		[]string{"event"},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "messenger_active_connections",
			Help: "Number of live client connections on this node",
		},
	)

	NotificationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_notification_failures_total",
			Help: "Notification persist failures (non-fatal)",
		},
	)
)

// Register 注册全部指标
func Register() {
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(EventsDispatched)
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(NotificationFailures)
}
