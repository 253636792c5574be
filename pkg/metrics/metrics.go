package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// api
	RequestDurationMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cf_request_duration_ms",
		Help:    "Duration of http endpoints in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"route", "method", "code"})

	// event bus
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cf_events_published_total",
		Help: "The number of events handed to the broker, by routing key and result",
	}, []string{"routing_key", "result"})
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cf_events_consumed_total",
		Help: "The number of delivered events, by routing key and result (acked or dropped)",
	}, []string{"routing_key", "result"})
	QueueDurationMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cf_queue_duration_ms",
		Help:    "Time between publication and dispatch of an event in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"routing_key"})

	// cache
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cf_cache_lookups_total",
		Help: "Cache lookups by key family and result (hit, miss, error)",
	}, []string{"family", "result"})
	CacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cf_cache_invalidations_total",
		Help: "Cache invalidations by kind (key, pattern) and result",
	}, []string{"kind", "result"})

	// cascades
	CascadeItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cf_cascade_items_total",
		Help: "Items processed by a deletion cascade, by result",
	}, []string{"result"})
	Inconsistencies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cf_inconsistencies_total",
		Help: "The number of times a cross-service inconsistency has been observed",
	}, []string{"kind"})
)
