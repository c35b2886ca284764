// This file contains the ChannelActor which owns all mutable state for one
// channel: connected users, typing indicators, and the recent-message window.
// Every mutation and query runs on the actor's own goroutine, which drains a
// mailbox of requests strictly sequentially, so per-channel invariants hold
// without locks. Change events fan out to the broadcast bus in processing
// order through a dedicated outbox goroutine.
package harbor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ChannelActor is the per-channel worker. Obtain one through the Registry;
// operations addressed at a stopped actor return silently as no-ops so
// callers racing with cleanup never observe a fault.
type ChannelActor struct {
	id      string
	cfg     *Config
	buffer  *MessageBuffer
	log     zerolog.Logger
	mailbox chan func(*channelState)
	outbox  *publishQueue
	ctx     context.Context
	cancel  context.CancelFunc
}

type channelState struct {
	connected map[string]*UserConnection
	typing    map[string]*typingEntry
	recent    []Message
	stats     ChannelStats
}

type typingEntry struct {
	gen   int
	timer *time.Timer
}

// ChannelSnapshot is a consistent read-only copy of a channel's state.
type ChannelSnapshot struct {
	Stats       ChannelStats
	Users       []UserConnection
	TypingUsers []string
	Recent      []Message
}

func newChannelActor(ctx context.Context, id string, cfg *Config, buffer *MessageBuffer) *ChannelActor {
	actorCtx, cancel := context.WithCancel(ctx)

	c := &ChannelActor{
		id:      id,
		cfg:     cfg,
		buffer:  buffer,
		log:     cfg.Logger.With().Str("component", "channel").Str("channel", id).Logger(),
		mailbox: make(chan func(*channelState), cfg.MailboxSize),
		ctx:     actorCtx,
		cancel:  cancel,
	}
	if cfg.PubSub != nil {
		c.outbox = newPublishQueue(actorCtx, cfg.PubSub, cfg.Hooks.Metrics, "channel_publish", 256)
	}
	return c
}

// ID returns the channel id this actor owns.
func (c *ChannelActor) ID() string {
	return c.id
}

// Join adds a socket for userID after consulting the authorization
// capability. A denial changes no state and emits no event. A "user_joined"
// event is published only on the transition from zero to one socket for the
// user; further sockets update the existing connection silently.
func (c *ChannelActor) Join(ctx context.Context, userID, connectionID string) error {
	if err := combine(
		requireField(c.id, "user id", userID),
		requireField(c.id, "connection id", connectionID),
	); err != nil {
		return err
	}
	if c.cfg.Authorizer != nil && !c.cfg.Authorizer.CanAccess(ctx, c.id, userID) {
		c.log.Debug().Str("user", userID).Msg("join denied")
		return nil
	}
	return c.enqueue(func(s *channelState) {
		now := time.Now()

		conn, exists := s.connected[userID]
		if !exists {
			conn = &UserConnection{
				UserID:         userID,
				Sockets:        make(map[string]struct{}),
				JoinedAt:       now,
				LastActivityAt: now,
			}
			s.connected[userID] = conn
		}
		conn.Sockets[connectionID] = struct{}{}
		conn.LastActivityAt = now

		s.stats.ConnectedCount = len(s.connected)
		if !exists {
			c.publish("users", membershipAction, "user_joined", map[string]interface{}{
				"userId":         userID,
				"connectedCount": s.stats.ConnectedCount,
			})
			c.cfg.Hooks.Metrics.ChannelJoined(c.id, userID)
			if c.cfg.Hooks.OnUserJoined != nil {
				go c.cfg.Hooks.OnUserJoined(c.id, userID)
			}
		}
	})
}

// Leave removes one socket. When the last socket for the user detaches, the
// user is removed entirely, their typing state is cleared, and a "user_left"
// event is published. Unknown users and sockets are silent no-ops.
func (c *ChannelActor) Leave(userID, connectionID string) error {
	return c.enqueue(func(s *channelState) {
		conn, exists := s.connected[userID]
		if !exists {
			return
		}
		delete(conn.Sockets, connectionID)

		if len(conn.Sockets) > 0 {
			return
		}
		delete(s.connected, userID)
		s.stats.ConnectedCount = len(s.connected)
		c.clearTyping(s, userID)

		c.publish("users", membershipAction, "user_left", map[string]interface{}{
			"userId":         userID,
			"connectedCount": s.stats.ConnectedCount,
		})
		c.cfg.Hooks.Metrics.ChannelLeft(c.id, userID)
		if c.cfg.Hooks.OnUserLeft != nil {
			go c.cfg.Hooks.OnUserLeft(c.id, userID)
		}
	})
}

// Send appends a message to the recent window, hands it to the write buffer,
// and publishes a "message_created" event. Messages from users with no active
// connection in the channel are dropped without any event or stats change.
func (c *ChannelActor) Send(userID, content string, metadata map[string]interface{}) error {
	return c.enqueue(func(s *channelState) {
		conn, exists := s.connected[userID]
		if !exists {
			c.log.Debug().Str("user", userID).Msg("discarded message from disconnected user")
			return
		}
		now := time.Now()

		msg := Message{
			ID:         uuid.NewString(),
			ChannelID:  c.id,
			UserID:     userID,
			Content:    content,
			Metadata:   metadata,
			InsertedAt: now,
		}
		s.recent = append(s.recent, msg)
		if len(s.recent) > c.cfg.RecentMessageLimit {
			s.recent = s.recent[len(s.recent)-c.cfg.RecentMessageLimit:]
		}
		s.stats.MessagesSent++
		s.stats.LastMessageAt = now
		conn.LastActivityAt = now

		c.clearTyping(s, userID)

		if c.buffer != nil {
			c.buffer.Buffer(msg)
		}
		c.publish("messages", messageAction, "message_created", msg)
	})
}

// SetTyping marks or clears a typing indicator. Marking (re)arms the
// auto-clear timer; clearing cancels it. Every change publishes the full
// current typing set. Requests from disconnected users are ignored.
func (c *ChannelActor) SetTyping(userID string, isTyping bool) error {
	return c.enqueue(func(s *channelState) {
		if _, connected := s.connected[userID]; !connected {
			return
		}
		if !isTyping {
			c.clearTyping(s, userID)
			return
		}
		entry, exists := s.typing[userID]
		if exists {
			entry.timer.Stop()
		} else {
			entry = &typingEntry{}
			s.typing[userID] = entry
		}
		entry.gen++
		gen := entry.gen

		entry.timer = time.AfterFunc(c.cfg.TypingTimeout, func() {
			_ = c.enqueue(func(s *channelState) {
				if e, ok := s.typing[userID]; ok && e.gen == gen {
					delete(s.typing, userID)
					s.stats.TypingCount = len(s.typing)
					c.publishTyping(s)
				}
			})
		})
		s.stats.TypingCount = len(s.typing)
		c.publishTyping(s)
	})
}

// Stats returns a snapshot of the channel's counters.
func (c *ChannelActor) Stats() ChannelStats {
	var stats ChannelStats
	c.ask(func(s *channelState) {
		stats = s.stats
	})
	return stats
}

// ConnectedUsers returns copies of all live user connections.
func (c *ChannelActor) ConnectedUsers() []UserConnection {
	var users []UserConnection
	c.ask(func(s *channelState) {
		users = copyConnections(s)
	})
	return users
}

// RecentMessages returns up to limit messages, most recent first. A limit of
// zero or less returns the whole window.
func (c *ChannelActor) RecentMessages(limit int) []Message {
	var out []Message
	c.ask(func(s *channelState) {
		out = copyRecent(s, limit)
	})
	return out
}

// Snapshot returns the channel's full state in one consistent read.
func (c *ChannelActor) Snapshot() ChannelSnapshot {
	var snap ChannelSnapshot
	c.ask(func(s *channelState) {
		snap.Stats = s.stats
		snap.Users = copyConnections(s)
		snap.TypingUsers = typingSet(s)
		snap.Recent = copyRecent(s, 0)
	})
	return snap
}

func copyConnections(s *channelState) []UserConnection {
	users := make([]UserConnection, 0, len(s.connected))
	for _, conn := range s.connected {
		sockets := make(map[string]struct{}, len(conn.Sockets))
		for id := range conn.Sockets {
			sockets[id] = struct{}{}
		}
		users = append(users, UserConnection{
			UserID:         conn.UserID,
			Sockets:        sockets,
			JoinedAt:       conn.JoinedAt,
			LastActivityAt: conn.LastActivityAt,
		})
	}
	return users
}

func copyRecent(s *channelState, limit int) []Message {
	n := len(s.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Message, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.recent[i])
	}
	return out
}

func typingSet(s *channelState) []string {
	set := make([]string, 0, len(s.typing))
	for userID := range s.typing {
		set = append(set, userID)
	}
	return set
}

func (c *ChannelActor) clearTyping(s *channelState, userID string) {
	entry, exists := s.typing[userID]
	if !exists {
		return
	}
	entry.timer.Stop()
	delete(s.typing, userID)
	s.stats.TypingCount = len(s.typing)
	c.publishTyping(s)
}

func (c *ChannelActor) publishTyping(s *channelState) {
	c.publish("typing", typingAction, "typing_changed", map[string]interface{}{
		"userIds": typingSet(s),
	})
}

func (c *ChannelActor) publish(category string, act action, name string, payload interface{}) {
	if c.outbox == nil {
		return
	}
	evt := Event{
		Action:    act,
		EntityID:  c.id,
		RequestID: uuid.NewString(),
		Event:     name,
		Payload:   payload,
		NodeID:    c.cfg.NodeID,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		c.cfg.Hooks.Metrics.Error("channel_publish", err)
		return
	}
	c.outbox.publish(ChannelTopic(c.id, category), data)
	c.cfg.Hooks.Metrics.EventPublished(c.id, category)
}

func (c *ChannelActor) enqueue(fn func(*channelState)) error {
	select {
	case <-c.ctx.Done():
		return nil
	default:
	}
	select {
	case c.mailbox <- fn:
		return nil
	case <-c.ctx.Done():
		return nil
	case <-time.After(c.cfg.RequestTimeout):
		return timeout(c.id, "timeout queueing channel request; actor might be stuck or overloaded")
	}
}

func (c *ChannelActor) ask(fn func(*channelState)) {
	done := make(chan struct{})
	if err := c.enqueue(func(s *channelState) {
		fn(s)
		close(done)
	}); err != nil {
		return
	}
	select {
	case <-done:
	case <-c.ctx.Done():
	}
}

// loop is the actor body. It builds fresh state, seeds the recent-message
// window from persistence, then processes the mailbox until the actor is
// stopped. Panics escape to the supervisor in the registry.
func (c *ChannelActor) loop() {
	s := &channelState{
		connected: make(map[string]*UserConnection),
		typing:    make(map[string]*typingEntry),
		stats: ChannelStats{
			ChannelID: c.id,
			StartedAt: time.Now(),
		},
	}
	c.seedRecent(s)

	for {
		select {
		case <-c.ctx.Done():
			c.stopTimers(s)
			return
		case fn := <-c.mailbox:
			fn(s)
		}
	}
}

func (c *ChannelActor) seedRecent(s *channelState) {
	if c.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()

	history, err := c.cfg.Store.RecentMessages(ctx, c.id, c.cfg.RecentMessageLimit)
	if err != nil {
		c.log.Warn().Err(wrapF(err, "recent history for %s", c.id)).Msg("could not seed recent messages, starting empty")
		return
	}
	// Store returns most recent first; the window keeps oldest first.
	for i := len(history) - 1; i >= 0; i-- {
		s.recent = append(s.recent, history[i])
	}
	if len(s.recent) > 0 {
		s.stats.LastMessageAt = s.recent[len(s.recent)-1].InsertedAt
	}
}

func (c *ChannelActor) stopTimers(s *channelState) {
	for _, entry := range s.typing {
		entry.timer.Stop()
	}
}

func (c *ChannelActor) stop() {
	c.cancel()
}
