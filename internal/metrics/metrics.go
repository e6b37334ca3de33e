package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Signing
	SignTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_sign_total",
			Help: "Signing attempts by signer mode and result",
		},
		[]string{"signer", "result"},
	)

	FeeFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custody_fee_fallback_total",
		Help: "Fee estimations that fell back from eth_feeHistory to eth_gasPrice",
	})

	// Chain
	BroadcastTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_broadcast_total",
			Help: "eth_sendRawTransaction calls by result",
		},
		[]string{"result"},
	)

	ReceiptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_receipt_outcomes_total",
			Help: "Receipt polling outcomes",
		},
		[]string{"outcome"},
	)

	// Guards
	GuardRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_guard_rejections_total",
			Help: "Requests rejected before signing, by error code",
		},
		[]string{"reason"},
	)

	IdempotencyDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_idempotency_duplicates_total",
			Help: "Duplicate requests short-circuited inside the idempotency window",
		},
		[]string{"operation"},
	)

	// HTTP
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "path", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custody_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
