package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationOps = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridesaver", Name: "reservation_operations_total", Help: "Reservation operations by outcome"},
		[]string{"op", "result"},
	)
	ReservationRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridesaver", Name: "reservation_conflict_retries_total", Help: "Version conflicts retried by the reservation service"},
		[]string{"op"},
	)
	ReservationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "ridesaver", Name: "reservation_operation_duration_seconds", Help: "Reservation operation latency", Buckets: prometheus.DefBuckets},
		[]string{"op"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridesaver", Name: "events_published_total", Help: "Ride events handed to a sink"},
		[]string{"sink", "result"},
	)
	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ridesaver", Name: "feed_subscribers", Help: "Connected websocket change-feed subscribers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridesaver", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ridesaver",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
