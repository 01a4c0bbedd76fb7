package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "transitions_total", Help: "Committed ride status transitions"},
		[]string{"from", "to"},
	)
	TransitionConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "transition_conflicts_total", Help: "Status writes rejected because the precondition no longer held"})

	OffersTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "offers_total", Help: "Ride offers broadcast to drivers"})
	AcceptsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "accepts_total", Help: "Offers accepted"})
	DeclinesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "declines_total", Help: "Offers declined"})
	ExpiriesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "decision_expiries_total", Help: "Decision windows that elapsed with no answer"})

	PositionsPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "positions_published_total", Help: "Driver position samples published"})
	DriversOnline      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_lifecycle", Name: "drivers_online", Help: "Number of online drivers"})

	PaymentCaptures     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "payment_captures_total", Help: "Card captures committed"})
	PaymentFailures     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "payment_failures_total", Help: "Gateway rejections and over-capture attempts"})
	NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "notifications_failed_total", Help: "Best-effort notification sends that failed"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_lifecycle",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
