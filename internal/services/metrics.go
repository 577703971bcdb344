package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	healthProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whatsapp",
			Name:      "health_probes_total",
			Help:      "Total number of endpoint health probes by result.",
		},
		[]string{"status"},
	)

	healthProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "whatsapp",
			Name:      "health_probe_duration_seconds",
			Help:      "Latency of endpoint health probes.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	failoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "whatsapp",
			Name:      "failovers_total",
			Help:      "Total number of primary endpoint failovers.",
		},
	)

	monitoredEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "whatsapp",
			Name:      "monitored_endpoints",
			Help:      "Number of endpoints with an active health monitor.",
		},
	)

	reconnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whatsapp",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of device reconnection attempts by outcome.",
		},
		[]string{"outcome"},
	)

	pendingReconnects = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "whatsapp",
			Name:      "pending_reconnects",
			Help:      "Number of devices with a scheduled reconnection attempt.",
		},
	)
)
