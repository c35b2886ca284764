package harbor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// testConfig returns a normalized config with timings shortened enough that
// timer-driven behavior is observable within a test run.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.TypingTimeout = 40 * time.Millisecond
	cfg.AwayTimeout = 40 * time.Millisecond
	cfg.OfflineTimeout = 40 * time.Millisecond
	cfg.PresenceSweepInterval = time.Minute
	cfg.BufferFlushInterval = time.Minute
	cfg.NotifyFlushInterval = time.Minute
	cfg.NotifyRetryBackoff = 10 * time.Millisecond
	cfg.RequestTimeout = time.Second
	cfg.normalize()
	return cfg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

type fakeStore struct {
	mu       sync.Mutex
	batches  [][]Message
	inserted []Message
	seed     []Message
	failures int
}

func (f *fakeStore) InsertBatch(ctx context.Context, messages []Message) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--
		return 0, fmt.Errorf("store unavailable")
	}
	batch := make([]Message, len(messages))
	copy(batch, messages)
	f.batches = append(f.batches, batch)
	f.inserted = append(f.inserted, batch...)

	return len(batch), nil
}

func (f *fakeStore) RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Message, 0, len(f.seed))
	for _, msg := range f.seed {
		if msg.ChannelID == channelID {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) insertedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func (f *fakeStore) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakeAuthorizer struct {
	mu     sync.Mutex
	denied map[string]bool
}

func (f *fakeAuthorizer) deny(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied == nil {
		f.denied = make(map[string]bool)
	}
	f.denied[userID] = true
}

func (f *fakeAuthorizer) CanAccess(ctx context.Context, channelID, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.denied[userID]
}

type pushRecord struct {
	recipientID string
	payload     map[string]interface{}
}

type fakePush struct {
	mu            sync.Mutex
	sent          []pushRecord
	failRemaining int
}

func (f *fakePush) SendPush(ctx context.Context, recipientID string, payload map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failRemaining != 0 {
		if f.failRemaining > 0 {
			f.failRemaining--
		}
		return fmt.Errorf("push gateway unavailable")
	}
	f.sent = append(f.sent, pushRecord{recipientID: recipientID, payload: payload})

	return nil
}

func (f *fakePush) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.sent))
	for i, record := range f.sent {
		out[i] = record.recipientID
	}
	return out
}

func (f *fakePush) setFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRemaining = n
}

type emailRecord struct {
	address string
	subject string
	body    string
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []emailRecord
}

func (f *fakeEmail) SendEmail(ctx context.Context, address, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, emailRecord{address: address, subject: subject, body: body})
	return nil
}

func (f *fakeEmail) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeScanner struct {
	mu       sync.Mutex
	infected map[string]bool
	err      error
}

func (f *fakeScanner) Scan(ctx context.Context, path string) (ScanVerdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}
	if f.infected[path] {
		return VerdictInfected, nil
	}
	return VerdictClean, nil
}

// eventRecorder subscribes to a bus pattern and decodes every event that
// arrives, in delivery order.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func newEventRecorder(t *testing.T, bus PubSub, pattern string) *eventRecorder {
	t.Helper()

	r := &eventRecorder{}
	err := bus.Subscribe(pattern, func(topic string, data []byte) {
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		r.mu.Lock()
		r.events = append(r.events, evt)
		r.mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return r
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, evt := range r.events {
		if evt.Event == name {
			n++
		}
	}
	return n
}

func (r *eventRecorder) waitFor(t *testing.T, name string) Event {
	t.Helper()

	var found Event
	waitFor(t, 2*time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, evt := range r.events {
			if evt.Event == name {
				found = evt
				return true
			}
		}
		return false
	}, "event "+name)
	return found
}
