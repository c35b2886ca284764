package harbor

import (
	"context"
	"testing"
	"time"
)

func setupPresence(t *testing.T, cfg *Config) (*PresenceTracker, PubSub) {
	t.Helper()

	ctx := context.Background()
	if cfg == nil {
		cfg = testConfig()
		// Long tiers so nothing ages out under the test's feet unless a
		// subtest shortens them itself.
		cfg.AwayTimeout = time.Minute
		cfg.OfflineTimeout = time.Minute
	}
	if cfg.PubSub == nil {
		cfg.PubSub = NewLocalPubSub(ctx, 100)
	}
	registry := New(ctx, cfg)
	t.Cleanup(registry.Shutdown)

	return registry.Presence(), cfg.PubSub
}

func TestPresenceOnline(t *testing.T) {
	t.Run("first socket brings the user online", func(t *testing.T) {
		tracker, _ := setupPresence(t, nil)

		if err := tracker.UserOnline("alice", "sock-1", map[string]interface{}{"device": "web"}); err != nil {
			t.Fatalf("UserOnline failed: %v", err)
		}

		var snap PresenceSnapshot
		var found bool
		waitFor(t, time.Second, func() bool {
			snap, found = tracker.Get("alice")
			return found
		}, "alice tracked")

		if snap.Status != StatusOnline {
			t.Errorf("expected online, got %s", snap.Status)
		}
		if snap.SocketCount != 1 {
			t.Errorf("expected 1 socket, got %d", snap.SocketCount)
		}
		if snap.Metadata["device"] != "web" {
			t.Errorf("expected metadata to carry device, got %v", snap.Metadata)
		}
	})

	t.Run("re-adding a known socket does not double count", func(t *testing.T) {
		tracker, _ := setupPresence(t, nil)

		tracker.UserOnline("alice", "sock-1", nil)
		tracker.UserOnline("alice", "sock-1", nil)
		tracker.UserOnline("alice", "sock-2", nil)

		waitFor(t, time.Second, func() bool {
			snap, found := tracker.Get("alice")
			return found && snap.SocketCount == 2
		}, "two distinct sockets")

		stats := tracker.Stats()
		if stats.Online != 1 || stats.Tracked != 1 {
			t.Errorf("expected one tracked online user, got %+v", stats)
		}
	})

	t.Run("rejects empty identifiers", func(t *testing.T) {
		tracker, _ := setupPresence(t, nil)

		if err := tracker.UserOnline("", "sock-1", nil); err == nil {
			t.Error("expected error for empty user id")
		}
		if err := tracker.UserOnline("alice", "", nil); err == nil {
			t.Error("expected error for empty connection id")
		}
	})
}

func TestPresenceOffline(t *testing.T) {
	t.Run("user stays tracked until last socket drops", func(t *testing.T) {
		cfg := testConfig()
		cfg.AwayTimeout = time.Minute
		cfg.OfflineTimeout = time.Minute
		bus := NewLocalPubSub(context.Background(), 100)
		cfg.PubSub = bus
		recorder := newEventRecorder(t, bus, PresenceTopic("alice"))

		tracker, _ := setupPresence(t, cfg)

		tracker.UserOnline("alice", "sock-1", nil)
		tracker.UserOnline("alice", "sock-2", nil)
		tracker.UserOffline("alice", "sock-1")

		waitFor(t, time.Second, func() bool {
			snap, found := tracker.Get("alice")
			return found && snap.SocketCount == 1
		}, "alice down to one socket")

		tracker.UserOffline("alice", "sock-2")

		waitFor(t, time.Second, func() bool {
			_, found := tracker.Get("alice")
			return !found
		}, "alice dropped from the table")

		waitFor(t, time.Second, func() bool {
			events := recorder.all()
			if len(events) == 0 {
				return false
			}
			last := events[len(events)-1]
			status, _ := last.Payload.(map[string]interface{})["status"].(string)
			return status == "offline"
		}, "final offline diff")

		snap, found := tracker.Get("alice")
		if found || snap.Status != StatusOffline {
			t.Errorf("untracked user should report offline, got %s found=%v", snap.Status, found)
		}
	})

	t.Run("empty connection id clears every socket", func(t *testing.T) {
		tracker, _ := setupPresence(t, nil)

		tracker.UserOnline("alice", "sock-1", nil)
		tracker.UserOnline("alice", "sock-2", nil)
		tracker.UserOffline("alice", "")

		waitFor(t, time.Second, func() bool {
			_, found := tracker.Get("alice")
			return !found
		}, "alice fully offline")
	})

	t.Run("untracked user is a no-op", func(t *testing.T) {
		tracker, _ := setupPresence(t, nil)

		if err := tracker.UserOffline("ghost", "sock-1"); err != nil {
			t.Fatalf("UserOffline of untracked user should not error, got %v", err)
		}
	})
}

func TestPresenceAging(t *testing.T) {
	t.Run("online ages to away then offline", func(t *testing.T) {
		cfg := testConfig()
		cfg.AwayTimeout = 30 * time.Millisecond
		cfg.OfflineTimeout = 30 * time.Millisecond

		tracker, _ := setupPresence(t, cfg)

		tracker.UserOnline("alice", "sock-1", nil)

		waitFor(t, time.Second, func() bool {
			snap, found := tracker.Get("alice")
			return found && snap.Status == StatusAway
		}, "alice aged to away")

		waitFor(t, time.Second, func() bool {
			_, found := tracker.Get("alice")
			return !found
		}, "alice aged to offline")
	})

	t.Run("activity resets the idle clock", func(t *testing.T) {
		cfg := testConfig()
		cfg.AwayTimeout = 60 * time.Millisecond
		cfg.OfflineTimeout = time.Minute

		tracker, _ := setupPresence(t, cfg)

		tracker.UserOnline("alice", "sock-1", nil)
		for i := 0; i < 4; i++ {
			time.Sleep(30 * time.Millisecond)
			tracker.Touch("alice")
			snap, found := tracker.Get("alice")
			if !found || snap.Status != StatusOnline {
				t.Fatalf("alice aged out despite activity, iteration %d", i)
			}
		}
	})

	t.Run("touch brings an away user back online", func(t *testing.T) {
		cfg := testConfig()
		cfg.AwayTimeout = time.Minute
		cfg.OfflineTimeout = time.Minute

		tracker, _ := setupPresence(t, cfg)

		tracker.UserOnline("alice", "sock-1", nil)
		tracker.UserAway("alice")

		waitFor(t, time.Second, func() bool {
			snap, found := tracker.Get("alice")
			return found && snap.Status == StatusAway
		}, "alice away")

		tracker.Touch("alice")

		waitFor(t, time.Second, func() bool {
			snap, found := tracker.Get("alice")
			return found && snap.Status == StatusOnline
		}, "alice back online")
	})

	t.Run("reconnect cancels pending aging", func(t *testing.T) {
		cfg := testConfig()
		cfg.AwayTimeout = time.Minute
		cfg.OfflineTimeout = 30 * time.Millisecond

		tracker, _ := setupPresence(t, cfg)

		tracker.UserOnline("alice", "sock-1", nil)
		tracker.UserAway("alice")
		tracker.UserOnline("alice", "sock-2", nil)

		// The offline timer armed by UserAway must not fire now.
		time.Sleep(60 * time.Millisecond)

		snap, found := tracker.Get("alice")
		if !found || snap.Status != StatusOnline {
			t.Errorf("expected alice online after reconnect, got %s found=%v", snap.Status, found)
		}
	})
}

func TestPresenceSweepExpiresStaleEntries(t *testing.T) {
	cfg := testConfig()
	cfg.AwayTimeout = time.Hour
	cfg.OfflineTimeout = time.Hour
	cfg.PresenceSweepInterval = 20 * time.Millisecond

	tracker, _ := setupPresence(t, cfg)

	if err := tracker.UserOnline("alice", "sock-1", nil); err != nil {
		t.Fatalf("UserOnline failed: %v", err)
	}

	// Kill the away timer and backdate the deadline so only the sweep can
	// notice the entry went stale.
	tracker.enqueue(func(s *presenceState) {
		entry := s.entries["alice"]
		entry.awayTimer.Stop()
		entry.awayTimer = nil
		entry.deadline = time.Now().Add(-time.Second)
	})

	waitFor(t, time.Second, func() bool {
		snap, found := tracker.Get("alice")
		return found && snap.Status == StatusAway
	}, "sweep demotes alice to away")

	// Same for the offline timer the sweep armed on the way down.
	tracker.enqueue(func(s *presenceState) {
		entry := s.entries["alice"]
		entry.offlineTimer.Stop()
		entry.offlineTimer = nil
		entry.deadline = time.Now().Add(-time.Second)
	})

	waitFor(t, time.Second, func() bool {
		_, found := tracker.Get("alice")
		return !found
	}, "sweep drops stale away entry")
}

func TestPresenceStats(t *testing.T) {
	cfg := testConfig()
	cfg.AwayTimeout = time.Minute
	cfg.OfflineTimeout = time.Minute

	tracker, _ := setupPresence(t, cfg)

	tracker.UserOnline("alice", "sock-1", nil)
	tracker.UserOnline("bob", "sock-2", nil)
	tracker.UserOnline("carol", "sock-3", nil)
	tracker.UserAway("bob")

	var stats PresenceStats
	waitFor(t, time.Second, func() bool {
		stats = tracker.Stats()
		return stats.Tracked == 3 && stats.Away == 1
	}, "stats to settle")

	if stats.Online != 2 {
		t.Errorf("expected 2 online, got %d", stats.Online)
	}
	if stats.Online+stats.Away != stats.Tracked {
		t.Errorf("online+away must equal tracked: %+v", stats)
	}
}

func TestWorkspacePresence(t *testing.T) {
	cfg := testConfig()
	cfg.AwayTimeout = time.Minute
	cfg.OfflineTimeout = time.Minute

	tracker, _ := setupPresence(t, cfg)

	tracker.UserOnline("alice", "sock-1", nil)
	tracker.UserOnline("bob", "sock-2", nil)
	tracker.UserAway("bob")

	var out map[string]PresenceSnapshot
	waitFor(t, time.Second, func() bool {
		out = tracker.WorkspacePresence([]string{"alice", "bob", "offline-dave"})
		return len(out) == 2
	}, "workspace presence to settle")

	if out["alice"].Status != StatusOnline {
		t.Errorf("expected alice online, got %s", out["alice"].Status)
	}
	if out["bob"].Status != StatusAway {
		t.Errorf("expected bob away, got %s", out["bob"].Status)
	}
	if _, ok := out["offline-dave"]; ok {
		t.Error("fully offline members must not appear")
	}
}
