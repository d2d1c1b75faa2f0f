package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tandem",
		Subsystem: "session",
		Name:      "active_connections",
		Help:      "Sessions currently in the active state.",
	})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tandem",
		Subsystem: "session",
		Name:      "rejections_total",
		Help:      "Typed rejections, at handshake and per message.",
	}, []string{"reason"})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tandem",
		Subsystem: "session",
		Name:      "messages_total",
		Help:      "Accepted inbound messages by type.",
	}, []string{"type"})
)
