// ABOUTME: Prometheus collectors for the gateway's delivery, sync, feed, and fan-out paths
// ABOUTME: Implements the observer hooks each component exposes

// Package metrics owns a private Prometheus registry and adapts component
// observer callbacks onto it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/weave-gateway/internal/pending"
	"github.com/2389/weave-gateway/internal/store"
)

const namespace = "weave"

// Metrics holds every gateway collector.
type Metrics struct {
	registry *prometheus.Registry

	SyncOutcomes     *prometheus.CounterVec
	SyncWait         prometheus.Histogram
	DeliveryDuration *prometheus.HistogramVec
	DeliveryErrors   *prometheus.CounterVec
	FeedMessages     *prometheus.CounterVec
	FeedErrors       *prometheus.CounterVec
	PublishErrors    prometheus.Counter
	FanoutDelivered  prometheus.Counter
	FanoutFailed     prometheus.Counter
	Subscribers      prometheus.Gauge
	RateLimited      *prometheus.CounterVec
}

// New creates and registers all collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SyncOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "outcomes_total",
			Help:      "Completed synchronous waits by outcome",
		}, []string{"outcome"}),
		SyncWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "wait_seconds",
			Help:      "Time from registration to outcome for synchronous waits",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Delivery latency by direction",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),
		DeliveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "errors_total",
			Help:      "Failed deliveries by direction",
		}, []string{"direction"}),
		FeedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "messages_total",
			Help:      "Messages processed by the change-feed listener",
		}, []string{"direction"}),
		FeedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "errors_total",
			Help:      "Change-feed failures by reason",
		}, []string{"reason"}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "publish_errors_total",
			Help:      "Stored messages that could not be published to the stream",
		}),
		FanoutDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "deliveries_total",
			Help:      "Events handed to subscribers",
		}),
		FanoutFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "failures_total",
			Help:      "Events a subscriber could not accept",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "subscriptions",
			Help:      "Active group subscriptions",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-tenant limiter",
		}, []string{"tenant"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SyncOutcomes,
		m.SyncWait,
		m.DeliveryDuration,
		m.DeliveryErrors,
		m.FeedMessages,
		m.FeedErrors,
		m.PublishErrors,
		m.FanoutDelivered,
		m.FanoutFailed,
		m.Subscribers,
		m.RateLimited,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObservePending implements pending.Observer.
func (m *Metrics) ObservePending(o pending.Outcome, waited time.Duration) {
	m.SyncOutcomes.WithLabelValues(o.String()).Inc()
	m.SyncWait.Observe(waited.Seconds())
}

// TrackPending exposes the number of active waits as a gauge read at
// scrape time.
func (m *Metrics) TrackPending(active func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "pending_waits",
		Help:      "Synchronous requests currently waiting for a reply",
	}, func() float64 { return float64(active()) }))
}

// ObserveDelivery records one Deliver or RecordReply call.
func (m *Metrics) ObserveDelivery(dir store.Direction, took time.Duration, err error) {
	m.DeliveryDuration.WithLabelValues(string(dir)).Observe(took.Seconds())
	if err != nil {
		m.DeliveryErrors.WithLabelValues(string(dir)).Inc()
	}
}

// ObserveFeedMessage implements listener.Observer.
func (m *Metrics) ObserveFeedMessage(dir store.Direction) {
	m.FeedMessages.WithLabelValues(string(dir)).Inc()
}

// ObserveFeedError implements listener.Observer.
func (m *Metrics) ObserveFeedError(reason string) {
	m.FeedErrors.WithLabelValues(reason).Inc()
}

// ObservePublishError counts a stored message that missed the stream.
func (m *Metrics) ObservePublishError(error) {
	m.PublishErrors.Inc()
}

// ObserveFanout implements fanout.Observer.
func (m *Metrics) ObserveFanout(delivered, failed int) {
	m.FanoutDelivered.Add(float64(delivered))
	m.FanoutFailed.Add(float64(failed))
}

// ObserveSubscriptions implements fanout.Observer.
func (m *Metrics) ObserveSubscriptions(delta int) {
	m.Subscribers.Add(float64(delta))
}

// ObserveRateLimited counts a rejected request.
func (m *Metrics) ObserveRateLimited(tenantID string) {
	m.RateLimited.WithLabelValues(tenantID).Inc()
}
