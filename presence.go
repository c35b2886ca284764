// This file contains the PresenceTracker, the single global worker that owns
// online/away/offline status for every user across all of their connections.
// Status ages down through two idle tiers driven by re-armable timers:
// online ages to away, away ages to offline, and any reconnect or activity
// cancels the pending timers and returns the user to online. All mutation
// happens on the tracker's own goroutine.
package harbor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PresenceTracker is the global presence worker. Fully offline users are not
// tracked; an entry exists only while its user is online or away.
type PresenceTracker struct {
	cfg     *Config
	log     zerolog.Logger
	mailbox chan func(*presenceState)
	outbox  *publishQueue
	ctx     context.Context
	cancel  context.CancelFunc
}

type presenceState struct {
	entries map[string]*presenceEntry
	stats   PresenceStats
}

type presenceEntry struct {
	userID     string
	status     PresenceStatus
	sockets    map[string]struct{}
	metadata   map[string]interface{}
	lastActive time.Time

	// gen invalidates timers armed before the latest qualifying event so a
	// stale fire cannot transition fresh state.
	gen          int
	awayTimer    *time.Timer
	offlineTimer *time.Timer
	deadline     time.Time
}

func newPresenceTracker(ctx context.Context, cfg *Config) *PresenceTracker {
	trackerCtx, cancel := context.WithCancel(ctx)

	p := &PresenceTracker{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "presence").Logger(),
		mailbox: make(chan func(*presenceState), cfg.MailboxSize),
		ctx:     trackerCtx,
		cancel:  cancel,
	}
	if cfg.PubSub != nil {
		p.outbox = newPublishQueue(trackerCtx, cfg.PubSub, cfg.Hooks.Metrics, "presence_publish", 256)
	}
	go p.run()
	go p.sweepLoop()

	return p
}

// UserOnline adds a socket for the user. The first socket transitions the
// user to online and publishes a presence diff; re-adding a socket the
// tracker already knows neither double-counts nor re-publishes, but it still
// counts as activity and re-arms the idle timers.
func (p *PresenceTracker) UserOnline(userID, connectionID string, metadata map[string]interface{}) error {
	if err := combine(
		requireField(userID, "user id", userID),
		requireField(userID, "connection id", connectionID),
	); err != nil {
		return err
	}
	return p.enqueue(func(s *presenceState) {
		now := time.Now()

		entry, exists := s.entries[userID]
		if !exists {
			entry = &presenceEntry{
				userID:  userID,
				status:  StatusOffline,
				sockets: make(map[string]struct{}),
			}
			s.entries[userID] = entry
		}
		entry.sockets[connectionID] = struct{}{}
		entry.lastActive = now
		for k, v := range metadata {
			if entry.metadata == nil {
				entry.metadata = make(map[string]interface{})
			}
			entry.metadata[k] = v
		}

		if entry.status != StatusOnline {
			entry.status = StatusOnline
			p.publishDiff(entry)
			p.recount(s)
		}
		p.armAwayTimer(entry)
	})
}

// UserAway forces the user to away regardless of idle timers, for explicit
// client signals. The offline tier keeps counting down from now. No-op if the
// user is not tracked.
func (p *PresenceTracker) UserAway(userID string) error {
	return p.enqueue(func(s *presenceState) {
		entry, exists := s.entries[userID]
		if !exists {
			return
		}
		if entry.status != StatusAway {
			entry.status = StatusAway
			p.publishDiff(entry)
			p.recount(s)
		}
		p.armOfflineTimer(entry)
	})
}

// UserOffline removes the given socket, or every socket when connectionID is
// empty. When no sockets remain the user transitions to offline, a final
// diff is published, and the entry is dropped. No-op for untracked users.
func (p *PresenceTracker) UserOffline(userID, connectionID string) error {
	return p.enqueue(func(s *presenceState) {
		entry, exists := s.entries[userID]
		if !exists {
			return
		}
		if connectionID == "" {
			entry.sockets = make(map[string]struct{})
		} else {
			delete(entry.sockets, connectionID)
		}
		if len(entry.sockets) > 0 {
			return
		}
		p.dropEntry(s, entry)
	})
}

// Touch records activity for a tracked user: the idle timers re-arm and an
// away user returns to online. No-op if the user is not tracked.
func (p *PresenceTracker) Touch(userID string) error {
	return p.enqueue(func(s *presenceState) {
		entry, exists := s.entries[userID]
		if !exists {
			return
		}
		entry.lastActive = time.Now()
		if entry.status != StatusOnline {
			entry.status = StatusOnline
			p.publishDiff(entry)
			p.recount(s)
		}
		p.armAwayTimer(entry)
	})
}

// Get returns the user's presence snapshot. Untracked users report offline.
func (p *PresenceTracker) Get(userID string) (PresenceSnapshot, bool) {
	snap := PresenceSnapshot{UserID: userID, Status: StatusOffline}
	found := false
	p.ask(func(s *presenceState) {
		if entry, exists := s.entries[userID]; exists {
			snap = snapshotEntry(entry)
			found = true
		}
	})
	return snap, found
}

// Stats returns the current presence counters.
func (p *PresenceTracker) Stats() PresenceStats {
	var stats PresenceStats
	p.ask(func(s *presenceState) {
		stats = s.stats
	})
	return stats
}

// WorkspacePresence returns snapshots for the given member ids, skipping
// users who are fully offline. Resolving which users belong to a workspace
// is the caller's concern.
func (p *PresenceTracker) WorkspacePresence(memberIDs []string) map[string]PresenceSnapshot {
	out := make(map[string]PresenceSnapshot, len(memberIDs))
	p.ask(func(s *presenceState) {
		for _, userID := range memberIDs {
			if entry, exists := s.entries[userID]; exists {
				out[userID] = snapshotEntry(entry)
			}
		}
	})
	return out
}

func snapshotEntry(entry *presenceEntry) PresenceSnapshot {
	metadata := make(map[string]interface{}, len(entry.metadata))
	for k, v := range entry.metadata {
		metadata[k] = v
	}
	return PresenceSnapshot{
		UserID:      entry.userID,
		Status:      entry.status,
		SocketCount: len(entry.sockets),
		Metadata:    metadata,
		LastActive:  entry.lastActive,
	}
}

func (p *PresenceTracker) armAwayTimer(entry *presenceEntry) {
	p.cancelTimers(entry)
	entry.gen++
	gen := entry.gen
	entry.deadline = time.Now().Add(p.cfg.AwayTimeout)

	userID := entry.userID
	entry.awayTimer = time.AfterFunc(p.cfg.AwayTimeout, func() {
		_ = p.enqueue(func(s *presenceState) {
			p.ageToAway(s, userID, gen)
		})
	})
}

func (p *PresenceTracker) armOfflineTimer(entry *presenceEntry) {
	p.cancelTimers(entry)
	entry.gen++
	gen := entry.gen
	entry.deadline = time.Now().Add(p.cfg.OfflineTimeout)

	userID := entry.userID
	entry.offlineTimer = time.AfterFunc(p.cfg.OfflineTimeout, func() {
		_ = p.enqueue(func(s *presenceState) {
			p.ageToOffline(s, userID, gen)
		})
	})
}

func (p *PresenceTracker) ageToAway(s *presenceState, userID string, gen int) {
	entry, exists := s.entries[userID]
	if !exists || entry.gen != gen || entry.status != StatusOnline {
		return
	}
	entry.status = StatusAway
	p.publishDiff(entry)
	p.recount(s)
	p.armOfflineTimer(entry)
}

func (p *PresenceTracker) ageToOffline(s *presenceState, userID string, gen int) {
	entry, exists := s.entries[userID]
	if !exists || entry.gen != gen || entry.status != StatusAway {
		return
	}
	p.dropEntry(s, entry)
}

func (p *PresenceTracker) dropEntry(s *presenceState, entry *presenceEntry) {
	p.cancelTimers(entry)
	entry.status = StatusOffline
	p.publishDiff(entry)
	delete(s.entries, entry.userID)
	p.recount(s)
}

func (p *PresenceTracker) cancelTimers(entry *presenceEntry) {
	if entry.awayTimer != nil {
		entry.awayTimer.Stop()
		entry.awayTimer = nil
	}
	if entry.offlineTimer != nil {
		entry.offlineTimer.Stop()
		entry.offlineTimer = nil
	}
}

// recount recomputes the counters from the table on every transition so the
// stats can never drift from the entries.
func (p *PresenceTracker) recount(s *presenceState) {
	stats := PresenceStats{Tracked: len(s.entries)}
	for _, entry := range s.entries {
		switch entry.status {
		case StatusOnline:
			stats.Online++
		case StatusAway:
			stats.Away++
		}
	}
	s.stats = stats
}

func (p *PresenceTracker) publishDiff(entry *presenceEntry) {
	p.cfg.Hooks.Metrics.PresenceChanged(entry.userID, entry.status)

	if p.outbox == nil {
		return
	}
	evt := Event{
		Action:    presenceAction,
		EntityID:  entry.userID,
		RequestID: uuid.NewString(),
		Event:     "presence_changed",
		Payload: map[string]interface{}{
			"userId":      entry.userID,
			"status":      entry.status,
			"socketCount": len(entry.sockets),
		},
		NodeID: p.cfg.NodeID,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		p.cfg.Hooks.Metrics.Error("presence_publish", err)
		return
	}
	p.outbox.publish(PresenceTopic(entry.userID), data)
}

// sweepLoop periodically expires entries whose timers lapsed without
// delivery. The timers are the primary transition path; the sweep is
// corrective cleanup.
func (p *PresenceTracker) sweepLoop() {
	ticker := time.NewTicker(p.cfg.PresenceSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			_ = p.enqueue(func(s *presenceState) {
				p.sweep(s)
			})
		}
	}
}

func (p *PresenceTracker) sweep(s *presenceState) {
	now := time.Now()
	for _, entry := range s.entries {
		if entry.deadline.IsZero() || now.Before(entry.deadline) {
			continue
		}
		switch entry.status {
		case StatusOnline:
			entry.status = StatusAway
			p.publishDiff(entry)
			p.recount(s)
			p.armOfflineTimer(entry)
		case StatusAway:
			p.dropEntry(s, entry)
		}
	}
}

func (p *PresenceTracker) enqueue(fn func(*presenceState)) error {
	select {
	case <-p.ctx.Done():
		return nil
	default:
	}
	select {
	case p.mailbox <- fn:
		return nil
	case <-p.ctx.Done():
		return nil
	case <-time.After(p.cfg.RequestTimeout):
		return timeout("presence", "timeout queueing presence request")
	}
}

func (p *PresenceTracker) ask(fn func(*presenceState)) {
	done := make(chan struct{})
	if err := p.enqueue(func(s *presenceState) {
		fn(s)
		close(done)
	}); err != nil {
		return
	}
	select {
	case <-done:
	case <-p.ctx.Done():
	}
}

func (p *PresenceTracker) run() {
	for p.ctx.Err() == nil {
		p.runOnce()
	}
}

// runOnce owns one incarnation of the presence table. A panic in a request
// is logged and the table restarts empty; clients re-establish presence on
// their next connect.
func (p *PresenceTracker) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("presence worker crashed, restarting with empty table")
			p.cfg.Hooks.Metrics.Error("presence", internalPanic(r))
		}
	}()

	s := &presenceState{entries: make(map[string]*presenceEntry)}
	for {
		select {
		case <-p.ctx.Done():
			for _, entry := range s.entries {
				p.cancelTimers(entry)
			}
			return
		case fn := <-p.mailbox:
			fn(s)
		}
	}
}

func (p *PresenceTracker) alive() bool {
	return p.ctx.Err() == nil
}

func (p *PresenceTracker) stop() {
	p.cancel()
}
