package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservations_created_total",
		Help: "Total number of reservations created",
	})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_failed_total",
		Help: "Total number of rejected reservation attempts",
	}, []string{"reason"})

	ReservationsReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_released_total",
		Help: "Total number of reservations returned to the pool",
	}, []string{"reason"})

	ReservationsExtendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservations_extended_total",
		Help: "Total number of reservation extensions",
	})

	ReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reservation_create_latency_seconds",
		Help:    "Latency of reservation create transactions",
		Buckets: prometheus.DefBuckets,
	})

	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_sweep_runs_total",
		Help: "Expiry sweeper ticks by outcome",
	}, []string{"result"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reservation_sweep_duration_seconds",
		Help:    "Duration of one expiry sweeper tick",
		Buckets: prometheus.DefBuckets,
	})

	OrdersCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_committed_total",
		Help: "Total number of orders committed",
	})

	OrdersReplayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_replayed_total",
		Help: "Total number of order requests answered from an existing idempotency key",
	})

	OrderCommitRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_commit_retries_total",
		Help: "Total number of order commit attempts retried after a concurrency conflict",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed orders",
	}, []string{"reason"})

	OrderCommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_commit_latency_seconds",
		Help:    "Latency of order creation including retries",
		Buckets: prometheus.DefBuckets,
	})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders successfully paid",
	})

	OrdersPaymentFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_payment_failed_total",
		Help: "Total number of orders whose payment failed",
	})

	AvailabilityLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "availability_lookups_total",
		Help: "Availability reads by source",
	}, []string{"source"})

	EventsPublishFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_publish_failed_total",
		Help: "Total number of domain events that could not be published",
	}, []string{"event_type"})

	EventsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_skipped_total",
		Help: "Total number of consumed messages skipped as malformed",
	}, []string{"topic"})

	PublisherBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "event_publisher_breaker_state",
		Help: "Kafka publisher circuit breaker state (0 closed, 1 half-open, 2 open)",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
