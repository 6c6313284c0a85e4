package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of payment provider calls",
		},
		[]string{"provider", "operation", "outcome"},
	)

	GatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Duration of payment provider calls",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"provider", "operation"},
	)

	ReconciliationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_outcomes_total",
			Help: "Status check results per payment method",
		},
		[]string{"method", "status"},
	)

	RefundOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refund_outcomes_total",
			Help: "Refund orchestrator results",
		},
		[]string{"method", "outcome"},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_messages_total",
			Help: "Outbox relay results",
		},
		[]string{"result"},
	)

	ActivePollers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "charge_pollers_active",
			Help: "Number of charges currently being polled",
		},
	)
)
