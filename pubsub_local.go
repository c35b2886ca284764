// This file contains the LocalPubSub implementation which provides an
// in-memory publish-subscribe bus for single-node deployments and tests.
// It implements the PubSub interface using Go channels.
package harbor

import (
	"context"
	"sync"
)

type LocalPubSub struct {
	mu         sync.RWMutex
	subs       map[string][]localSubscription
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	bufferSize int
}

type localSubscription struct {
	pattern string
	handler func(topic string, data []byte)

	ch     chan PubSubMessage
	cancel context.CancelFunc
}

// NewLocalPubSub creates a new local in-memory PubSub implementation.
// The bufferSize parameter sets the channel buffer size for each subscription
// and defaults to 100 when <= 0. The context bounds the bus lifecycle.
func NewLocalPubSub(ctx context.Context, bufferSize int) *LocalPubSub {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	busCtx, cancel := context.WithCancel(ctx)

	return &LocalPubSub{
		subs:       make(map[string][]localSubscription),
		ctx:        busCtx,
		cancel:     cancel,
		bufferSize: bufferSize,
	}
}

// Subscribe registers a handler for messages matching the given pattern.
// Multiple handlers can be registered for the same pattern.
// Each subscription drains its own channel in a dedicated goroutine so one
// slow handler cannot block publishers.
func (l *LocalPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	l.mu.Lock()

	defer l.mu.Unlock()

	if l.closed {
		return &pubsubClosedError{}
	}
	subCtx, cancel := context.WithCancel(l.ctx)

	ch := make(chan PubSubMessage, l.bufferSize)

	sub := localSubscription{
		pattern: pattern,
		handler: handler,
		ch:      ch,
		cancel:  cancel,
	}
	l.subs[pattern] = append(l.subs[pattern], sub)

	go l.runSubscription(subCtx, sub)

	return nil
}

func (l *LocalPubSub) runSubscription(ctx context.Context, sub localSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.ch:
			sub.handler(msg.Topic, msg.Data)
		}
	}
}

// Unsubscribe removes all handlers for the given pattern.
// Returns an error if the pattern was not subscribed or the bus is closed.
func (l *LocalPubSub) Unsubscribe(pattern string) error {
	l.mu.Lock()

	defer l.mu.Unlock()

	if l.closed {
		return &pubsubClosedError{}
	}
	subs, exists := l.subs[pattern]
	if !exists {
		return notFound("pubsub", "pattern not found")
	}
	for _, sub := range subs {
		sub.cancel()
	}
	delete(l.subs, pattern)

	return nil
}

// Publish sends a message to all subscribers whose patterns match the topic.
// If a subscriber's channel is full, the message is dropped for that
// subscriber rather than blocking the publisher.
func (l *LocalPubSub) Publish(topic string, data []byte) error {
	l.mu.RLock()

	defer l.mu.RUnlock()

	if l.closed {
		return &pubsubClosedError{}
	}
	msg := PubSubMessage{
		Topic: topic,
		Data:  data,
	}
	for pattern, subs := range l.subs {
		if matchTopic(pattern, topic) {
			for _, sub := range subs {
				select {
				case sub.ch <- msg:
				default:
				}
			}
		}
	}
	return nil
}

// Close shuts down the bus. After closing, no new subscriptions or publishes
// are allowed. This method is idempotent.
func (l *LocalPubSub) Close() error {
	l.mu.Lock()

	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.cancel()

	l.subs = make(map[string][]localSubscription)

	return nil
}
