// Package distributed provides broadcast bus implementations backed by
// external brokers, enabling multi-node deployments where channel and
// presence events must reach subscribers on every node.
package distributed

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub implements the harbor.PubSub interface on Redis pattern
// subscriptions. Every node publishes to plain topics; pattern subscribers
// receive matching traffic regardless of the publishing node.
type RedisPubSub struct {
	client *redis.Client
	pubsub *redis.PubSub

	mu       sync.RWMutex
	handlers map[string][]func(topic string, data []byte)
	patterns map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	wg sync.WaitGroup
}

// NewRedisPubSub creates a Redis-backed bus. The provided client should be
// configured and reachable; the connection is verified before use.
func NewRedisPubSub(ctx context.Context, client *redis.Client) (*RedisPubSub, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	busCtx, cancel := context.WithCancel(ctx)

	r := &RedisPubSub{
		client:   client,
		handlers: make(map[string][]func(topic string, data []byte)),
		patterns: make(map[string]struct{}),
		ctx:      busCtx,
		cancel:   cancel,
	}
	r.pubsub = client.Subscribe(busCtx)

	r.wg.Add(1)
	go r.receive()

	return r, nil
}

// Subscribe registers a handler for messages matching the given pattern.
// Patterns ending in ".*" match a topic prefix.
func (r *RedisPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("pubsub: closed")
	}

	redisPattern := toRedisPattern(pattern)
	if _, exists := r.patterns[redisPattern]; !exists {
		if err := r.pubsub.PSubscribe(r.ctx, redisPattern); err != nil {
			return fmt.Errorf("subscribe to pattern %s: %w", pattern, err)
		}
		r.patterns[redisPattern] = struct{}{}
	}
	r.handlers[pattern] = append(r.handlers[pattern], handler)

	return nil
}

// Unsubscribe removes all handlers for the given pattern and releases the
// Redis subscription once no other pattern needs it.
func (r *RedisPubSub) Unsubscribe(pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("pubsub: closed")
	}
	delete(r.handlers, pattern)

	redisPattern := toRedisPattern(pattern)
	stillNeeded := false
	for p := range r.handlers {
		if toRedisPattern(p) == redisPattern {
			stillNeeded = true
			break
		}
	}
	if !stillNeeded {
		if err := r.pubsub.PUnsubscribe(r.ctx, redisPattern); err != nil {
			return fmt.Errorf("unsubscribe from pattern %s: %w", pattern, err)
		}
		delete(r.patterns, redisPattern)
	}
	return nil
}

// Publish sends a message to the specified topic.
func (r *RedisPubSub) Publish(topic string, data []byte) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return fmt.Errorf("pubsub: closed")
	}
	if err := r.client.Publish(r.ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Close shuts down the Redis subscription and waits for the receive loop.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	if err := r.pubsub.Close(); err != nil {
		return fmt.Errorf("close pubsub: %w", err)
	}
	r.wg.Wait()

	return nil
}

func (r *RedisPubSub) receive() {
	defer r.wg.Done()

	ch := r.pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload != "" {
				r.deliver(msg.Channel, []byte(msg.Payload))
			}
		}
	}
}

func (r *RedisPubSub) deliver(topic string, data []byte) {
	r.mu.RLock()
	var matched []func(topic string, data []byte)
	for pattern, handlers := range r.handlers {
		if matchPattern(pattern, topic) {
			matched = append(matched, handlers...)
		}
	}
	r.mu.RUnlock()

	for _, handler := range matched {
		h := handler
		func() {
			defer func() {
				_ = recover()
			}()
			h(topic, data)
		}()
	}
}

// toRedisPattern converts the bus's ".*" suffix wildcard to Redis's "*".
func toRedisPattern(pattern string) string {
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		return pattern[:len(pattern)-2] + "*"
	}
	return pattern
}

func matchPattern(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-2]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return false
}
