// This file defines the extensibility hooks for Harbor. The MetricsCollector
// interface lets deployments forward operational counters to monitoring
// systems; the metrics subpackage ships a Prometheus implementation.
package harbor

import "time"

// MetricsCollector defines the interface for collecting operational metrics.
type MetricsCollector interface {
	// ChannelJoined is called when a user gains their first socket in a channel.
	ChannelJoined(channelID, userID string)

	// ChannelLeft is called when a user's last socket leaves a channel.
	ChannelLeft(channelID, userID string)

	// EventPublished tracks events emitted to the broadcast bus by category.
	EventPublished(entityID, category string)

	// PresenceChanged is called on every presence status transition.
	PresenceChanged(userID string, status PresenceStatus)

	// BatchFlushed reports a successful message batch write with its size
	// and duration.
	BatchFlushed(size int, duration time.Duration)

	// FlushFailed reports a failed message batch write.
	FlushFailed(size int)

	// NotificationDelivered reports a delivered notification.
	NotificationDelivered(priority Priority)

	// NotificationFailed reports a failed delivery attempt. permanent is
	// true once retries are exhausted.
	NotificationFailed(permanent bool)

	// UploadFinished reports a terminal upload job state.
	UploadFinished(status UploadStatus)

	// ActorRestarted is called when the supervisor restarts a crashed
	// channel actor.
	ActorRestarted(channelID string)

	// QueueDepth reports the current depth of internal queues.
	QueueDepth(queue string, depth int)

	// Error tracks errors occurring in different components.
	Error(component string, err error)
}

// Hooks bundles the optional callbacks a deployment can attach to the core.
type Hooks struct {
	Metrics MetricsCollector

	// OnUserJoined and OnUserLeft fire after membership transitions, off
	// the actor's sequential path.
	OnUserJoined func(channelID, userID string)
	OnUserLeft   func(channelID, userID string)
}

type noopMetrics struct{}

func (n *noopMetrics) ChannelJoined(channelID, userID string) {}

func (n *noopMetrics) ChannelLeft(channelID, userID string) {}

func (n *noopMetrics) EventPublished(entityID, category string) {}

func (n *noopMetrics) PresenceChanged(userID string, status PresenceStatus) {}

func (n *noopMetrics) BatchFlushed(size int, duration time.Duration) {}

func (n *noopMetrics) FlushFailed(size int) {}

func (n *noopMetrics) NotificationDelivered(priority Priority) {}

func (n *noopMetrics) NotificationFailed(permanent bool) {}

func (n *noopMetrics) UploadFinished(status UploadStatus) {}

func (n *noopMetrics) ActorRestarted(channelID string) {}

func (n *noopMetrics) QueueDepth(queue string, depth int) {}

func (n *noopMetrics) Error(component string, err error) {}

// NoopMetrics returns a metrics collector that discards everything.
func NoopMetrics() MetricsCollector {
	return &noopMetrics{}
}
