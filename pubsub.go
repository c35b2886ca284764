// This file defines the PubSub interface and topic utilities for the broadcast
// bus. Every component publishes change events to topics keyed by entity id;
// the core never reads back its own publications.
package harbor

import (
	"context"
	"errors"
	"fmt"
)

// PubSub defines the interface for the topic-addressed broadcast bus.
// Implementations enable Harbor to fan events out to live subscribers and,
// in distributed deployments, to coordinate across nodes.
type PubSub interface {
	// Subscribe registers a handler for messages matching the given pattern.
	// Patterns can end in ".*" to match a topic prefix.
	// The handler is called asynchronously when matching messages arrive.
	Subscribe(pattern string, handler func(topic string, data []byte)) error

	// Unsubscribe removes all handlers for the given pattern.
	// Returns an error if the pattern was not previously subscribed.
	Unsubscribe(pattern string) error

	// Publish sends a message to the specified topic.
	// All subscribers with patterns matching the topic receive the message.
	Publish(topic string, data []byte) error

	// Close shuts down the PubSub system and cleans up resources.
	Close() error
}

// PubSubMessage is a single published payload paired with its topic.
type PubSubMessage struct {
	Topic string
	Data  []byte
}

type pubsubClosedError struct{}

func (e *pubsubClosedError) Error() string {
	return "pubsub: closed"
}

func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-2]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return false
}

// ChannelTopic returns the bus topic for one event category of a channel.
// Categories in use are "messages", "typing", "users", and "system".
func ChannelTopic(channelID, category string) string {
	return fmt.Sprintf("harbor:channel:%s:%s", channelID, category)
}

// PresenceTopic returns the bus topic carrying presence diffs for one user.
func PresenceTopic(userID string) string {
	return fmt.Sprintf("harbor:presence:%s", userID)
}

// SystemTopic returns the bus topic for lifecycle notices such as worker
// restarts.
func SystemTopic(event string) string {
	return fmt.Sprintf("harbor:system:%s", event)
}

// IsPubSubClosed reports whether err came from publishing on a closed bus.
func IsPubSubClosed(err error) bool {
	var closedErr *pubsubClosedError
	return errors.As(err, &closedErr)
}

// publishQueue serializes bus publications for one worker so subscribers
// observe that worker's events in processing order, while keeping the
// publish I/O off the worker's sequential path. A full queue drops the
// event rather than blocking the worker.
type publishQueue struct {
	ch        chan PubSubMessage
	bus       PubSub
	metrics   MetricsCollector
	component string
}

func newPublishQueue(ctx context.Context, bus PubSub, metrics MetricsCollector, component string, size int) *publishQueue {
	q := &publishQueue{
		ch:        make(chan PubSubMessage, size),
		bus:       bus,
		metrics:   metrics,
		component: component,
	}
	go q.drain(ctx)

	return q
}

func (q *publishQueue) publish(topic string, data []byte) {
	select {
	case q.ch <- PubSubMessage{Topic: topic, Data: data}:
	default:
		q.metrics.Error(q.component, unavailable(topic, "publish queue full, event dropped"))
	}
}

func (q *publishQueue) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.ch:
			if err := q.bus.Publish(msg.Topic, msg.Data); err != nil && !IsPubSubClosed(err) {
				q.metrics.Error(q.component, err)
			}
		}
	}
}
