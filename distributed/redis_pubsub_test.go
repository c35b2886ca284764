package distributed

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisPubSub(t *testing.T) (*miniredis.Miniredis, *RedisPubSub) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	bus, err := NewRedisPubSub(context.Background(), client)
	if err != nil {
		t.Fatalf("NewRedisPubSub failed: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	return mr, bus
}

func TestRedisPubSubPublishSubscribe(t *testing.T) {
	_, bus := setupRedisPubSub(t)

	received := make(chan string, 1)
	err := bus.Subscribe("harbor:channel:room-1:messages", func(topic string, data []byte) {
		received <- string(data)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// PSUBSCRIBE registration races with the first publish; give the
	// server a moment to apply it.
	time.Sleep(50 * time.Millisecond)

	if err := bus.Publish("harbor:channel:room-1:messages", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("unexpected payload %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive message within timeout")
	}
}

func TestRedisPubSubWildcard(t *testing.T) {
	_, bus := setupRedisPubSub(t)

	var mu sync.Mutex
	var topics []string
	err := bus.Subscribe("harbor:channel:room-1:.*", func(topic string, data []byte) {
		mu.Lock()
		topics = append(topics, topic)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	bus.Publish("harbor:channel:room-1:messages", []byte("m1"))
	bus.Publish("harbor:channel:room-1:typing", []byte("m2"))
	bus.Publish("harbor:channel:room-2:messages", []byte("m3"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(topics)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(topics) != 2 {
		t.Fatalf("expected 2 matching deliveries, got %v", topics)
	}
	for _, topic := range topics {
		if topic == "harbor:channel:room-2:messages" {
			t.Errorf("non-matching topic delivered: %s", topic)
		}
	}
}

func TestRedisPubSubOrdering(t *testing.T) {
	_, bus := setupRedisPubSub(t)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	err := bus.Subscribe("ordered.topic", func(topic string, data []byte) {
		mu.Lock()
		got = append(got, string(data))
		n := len(got)
		mu.Unlock()
		if n == 10 {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 10; i++ {
		if err := bus.Publish("ordered.topic", []byte(fmt.Sprintf("event-%d", i))); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, data := range got {
		if data != fmt.Sprintf("event-%d", i) {
			t.Fatalf("out of order at %d: %v", i, got)
		}
	}
}

func TestRedisPubSubUnsubscribe(t *testing.T) {
	_, bus := setupRedisPubSub(t)

	received := make(chan struct{}, 1)
	if err := bus.Subscribe("gone.topic", func(topic string, data []byte) {
		received <- struct{}{}
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := bus.Unsubscribe("gone.topic"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	bus.Publish("gone.topic", []byte("ignored"))

	select {
	case <-received:
		t.Error("handler ran after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisPubSubClose(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus, err := NewRedisPubSub(context.Background(), client)
	if err != nil {
		t.Fatalf("NewRedisPubSub failed: %v", err)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}

	if err := bus.Subscribe("x", func(string, []byte) {}); err == nil {
		t.Error("expected error subscribing on a closed bus")
	}
	if err := bus.Publish("x", nil); err == nil {
		t.Error("expected error publishing on a closed bus")
	}
}

func TestToRedisPattern(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"harbor:channel:room-1:.*", "harbor:channel:room-1:*"},
		{"harbor:presence:alice", "harbor:presence:alice"},
		{".*", ".*"},
	}
	for _, tc := range cases {
		if got := toRedisPattern(tc.in); got != tc.want {
			t.Errorf("toRedisPattern(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRedisPubSubUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	})
	if _, err := NewRedisPubSub(context.Background(), client); err == nil {
		t.Error("expected connection error for unreachable server")
	}
}
