package presence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	broadcastDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tandem",
		Subsystem: "presence",
		Name:      "broadcast_dropped_total",
		Help:      "Broadcast envelopes dropped because a member queue was full or closing.",
	}, []string{"type"})

	roomMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tandem",
		Subsystem: "presence",
		Name:      "members",
		Help:      "Live presence entries across all rooms.",
	})
)
