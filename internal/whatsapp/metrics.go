package whatsapp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesSentTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "whatsapp",
		Name:      "messages_sent_total",
		Help:      "Total number of outbound messages by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)
