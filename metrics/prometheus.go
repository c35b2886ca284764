// Package metrics provides a Prometheus-backed implementation of the
// harbor.MetricsCollector interface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/harborchat/harbor"
)

// Collector forwards Harbor's operational counters to Prometheus.
type Collector struct {
	joins          prometheus.Counter
	leaves         prometheus.Counter
	events         *prometheus.CounterVec
	presence       *prometheus.CounterVec
	batchSize      prometheus.Histogram
	batchDuration  prometheus.Histogram
	flushFailures  prometheus.Counter
	notifications  *prometheus.CounterVec
	uploads        *prometheus.CounterVec
	actorRestarts  prometheus.Counter
	queueDepth     *prometheus.GaugeVec
	internalErrors *prometheus.CounterVec
}

// NewCollector registers the Harbor metric set on the given registerer and
// returns the collector. Pass prometheus.DefaultRegisterer for the default
// registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		joins: factory.NewCounter(prometheus.CounterOpts{
			Name: "harbor_channel_joins_total",
			Help: "Users gaining their first socket in a channel.",
		}),
		leaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "harbor_channel_leaves_total",
			Help: "Users losing their last socket in a channel.",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_events_published_total",
			Help: "Events emitted to the broadcast bus.",
		}, []string{"category"}),
		presence: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_presence_transitions_total",
			Help: "Presence status transitions.",
		}, []string{"status"}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "harbor_buffer_batch_size",
			Help:    "Messages per flushed batch.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		batchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "harbor_buffer_flush_seconds",
			Help:    "Batch write duration.",
			Buckets: prometheus.DefBuckets,
		}),
		flushFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "harbor_buffer_flush_failures_total",
			Help: "Failed batch writes; the batch is retained and retried.",
		}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_notifications_total",
			Help: "Notification delivery outcomes.",
		}, []string{"outcome"}),
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_uploads_total",
			Help: "Terminal upload job states.",
		}, []string{"status"}),
		actorRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "harbor_actor_restarts_total",
			Help: "Channel actors restarted by the supervisor.",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harbor_queue_depth",
			Help: "Current depth of internal queues.",
		}, []string{"queue"}),
		internalErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_internal_errors_total",
			Help: "Errors by component.",
		}, []string{"component"}),
	}
}

func (c *Collector) ChannelJoined(channelID, userID string) {
	c.joins.Inc()
}

func (c *Collector) ChannelLeft(channelID, userID string) {
	c.leaves.Inc()
}

func (c *Collector) EventPublished(entityID, category string) {
	c.events.WithLabelValues(category).Inc()
}

func (c *Collector) PresenceChanged(userID string, status harbor.PresenceStatus) {
	c.presence.WithLabelValues(string(status)).Inc()
}

func (c *Collector) BatchFlushed(size int, duration time.Duration) {
	c.batchSize.Observe(float64(size))
	c.batchDuration.Observe(duration.Seconds())
}

func (c *Collector) FlushFailed(size int) {
	c.flushFailures.Inc()
}

func (c *Collector) NotificationDelivered(priority harbor.Priority) {
	c.notifications.WithLabelValues("delivered").Inc()
}

func (c *Collector) NotificationFailed(permanent bool) {
	outcome := "retried"
	if permanent {
		outcome = "failed"
	}
	c.notifications.WithLabelValues(outcome).Inc()
}

func (c *Collector) UploadFinished(status harbor.UploadStatus) {
	c.uploads.WithLabelValues(string(status)).Inc()
}

func (c *Collector) ActorRestarted(channelID string) {
	c.actorRestarts.Inc()
}

func (c *Collector) QueueDepth(queue string, depth int) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (c *Collector) Error(component string, err error) {
	c.internalErrors.WithLabelValues(component).Inc()
}
