// This file contains type definitions for Harbor including the event envelope,
// message and presence models, collaborator interfaces, and constants used
// throughout the library.
package harbor

import (
	"context"
	"time"
)

// Event represents a change notification that flows through the broadcast bus.
// It carries the action category, the entity the event belongs to, a unique
// request ID, the payload data, an event name for routing, and an optional
// nodeID so distributed deployments can skip their own publications.
type Event struct {
	Action    action      `json:"action"`
	EntityID  string      `json:"entityId,omitempty"`
	RequestID string      `json:"requestId"`
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload"`
	NodeID    string      `json:"nodeId,omitempty"`
}

// Validate checks if the Event has all required fields populated.
func (e *Event) Validate() bool {
	if e.Action == "" || e.Event == "" || e.RequestID == "" {
		return false
	}
	return true
}

type action string

const (
	messageAction    action = "MESSAGE"
	typingAction     action = "TYPING"
	membershipAction action = "MEMBERSHIP"
	presenceAction   action = "PRESENCE"
	systemAction     action = "SYSTEM"
)

// Message is a chat message as it travels from a channel actor through the
// write buffer into the persistence collaborator.
type Message struct {
	ID         string                 `json:"id"`
	ChannelID  string                 `json:"channelId"`
	UserID     string                 `json:"userId"`
	Content    string                 `json:"content"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	InsertedAt time.Time              `json:"insertedAt"`
}

// UserConnection tracks a single user's live sockets within a channel.
// A user may hold several concurrent connections; the user is considered
// connected while at least one socket remains.
type UserConnection struct {
	UserID         string
	Sockets        map[string]struct{}
	JoinedAt       time.Time
	LastActivityAt time.Time
}

// ChannelStats is a point-in-time snapshot of a channel actor's counters.
type ChannelStats struct {
	ChannelID      string
	ConnectedCount int
	TypingCount    int
	MessagesSent   int64
	LastMessageAt  time.Time
	StartedAt      time.Time
}

// PresenceStatus is a user's global availability, independent of any channel.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// PresenceSnapshot is a read-only copy of a tracked user's presence entry.
type PresenceSnapshot struct {
	UserID      string
	Status      PresenceStatus
	SocketCount int
	Metadata    map[string]interface{}
	LastActive  time.Time
}

// PresenceStats summarizes the presence table. Online plus Away always equals
// the number of tracked entries; fully offline users are not tracked.
type PresenceStats struct {
	Online  int
	Away    int
	Tracked int
}

// Priority orders notifications and upload jobs. High priority items are
// always dequeued before normal ones; order is FIFO within a priority.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// ScanVerdict is the outcome of a content scan on an uploaded file.
type ScanVerdict string

const (
	VerdictClean    ScanVerdict = "clean"
	VerdictInfected ScanVerdict = "infected"
)

// Authorizer is the capability check consulted on every channel join.
// Implementations must be safe for frequent concurrent calls and return
// quickly; a false result is a normal negative answer, not an error.
type Authorizer interface {
	CanAccess(ctx context.Context, channelID, userID string) bool
}

// MessageStore is the persistence collaborator. InsertBatch writes a whole
// pending batch in one round trip and returns the number of rows written.
// RecentMessages seeds a freshly started channel actor's message window.
// Implementations must tolerate concurrent calls.
type MessageStore interface {
	InsertBatch(ctx context.Context, messages []Message) (int, error)
	RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error)
}

// PushSender delivers push notifications. Errors are classified by the
// dispatcher's retry policy, not by the sender.
type PushSender interface {
	SendPush(ctx context.Context, recipientID string, payload map[string]interface{}) error
}

// EmailSender delivers email notifications.
type EmailSender interface {
	SendEmail(ctx context.Context, address, subject, body string) error
}

// VirusScanner checks a file on disk before the upload pipeline processes it.
type VirusScanner interface {
	Scan(ctx context.Context, path string) (ScanVerdict, error)
}
