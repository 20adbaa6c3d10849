package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_events_published_total",
			Help: "Total number of events published, by event type.",
		},
		[]string{"event_type"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome"}, // success, failed
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookline_delivery_latency_seconds",
			Help:    "Latency of outbound webhook requests.",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	EndpointsDisabledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookline_endpoints_disabled_total",
			Help: "Total number of endpoints auto-disabled by consecutive failures.",
		},
	)

	ClaimsReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookline_claims_released_total",
			Help: "Total number of expired inflight claims returned to the due pool.",
		},
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookline_worker_backlog",
			Help: "Deliveries currently due for an attempt.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsPublishedTotal,
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		EndpointsDisabledTotal,
		ClaimsReleasedTotal,
		WorkerBacklog,
	)
}

func RecordEventPublished(eventType string) {
	EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

func RecordDelivery(outcome string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
	if latency > 0 {
		DeliveryLatency.Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordEndpointDisabled() {
	EndpointsDisabledTotal.Inc()
}

func RecordClaimsReleased(n int) {
	ClaimsReleasedTotal.Add(float64(n))
}

func UpdateWorkerBacklog(n float64) {
	WorkerBacklog.Set(n)
}
