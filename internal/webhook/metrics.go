package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhooksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whatsapp",
			Name:      "webhooks_received_total",
			Help:      "Total number of inbound webhooks by event kind and outcome.",
		},
		[]string{"event", "outcome"},
	)

	messagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whatsapp",
			Name:      "messages_received_total",
			Help:      "Total number of inbound chat messages stored by type.",
		},
		[]string{"type"},
	)
)
