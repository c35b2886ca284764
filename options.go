// This file contains the Config struct and its defaults. All timing knobs the
// core relies on (typing auto-clear, presence aging tiers, flush thresholds)
// live here so deployments and tests can tune them.
package harbor

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config wires the coordination core to its collaborators and sets its
// operational parameters. Zero values are filled in by normalize, so a
// partially populated Config is valid.
type Config struct {
	// NodeID identifies this process in distributed deployments. Events
	// published to the bus carry it so nodes can skip their own messages.
	// Defaults to a random id.
	NodeID string

	// Logger receives worker lifecycle and failure logs. Defaults to a
	// no-op logger so the library is silent unless configured.
	Logger zerolog.Logger

	// PubSub is the broadcast bus. Defaults to an in-memory bus.
	PubSub PubSub

	// Hooks carries optional metrics callbacks.
	Hooks *Hooks

	Authorizer Authorizer
	Store      MessageStore
	Push       PushSender
	Email      EmailSender
	Scanner    VirusScanner

	// RecentMessageLimit caps the per-channel in-memory message window.
	RecentMessageLimit int

	// TypingTimeout is how long a typing indicator survives without
	// activity before it is cleared automatically.
	TypingTimeout time.Duration

	// AwayTimeout and OfflineTimeout are the two idle tiers of the
	// presence state machine: online ages to away after AwayTimeout, away
	// ages to offline after OfflineTimeout.
	AwayTimeout    time.Duration
	OfflineTimeout time.Duration

	// PresenceSweepInterval schedules the defensive sweep that expires
	// entries whose timers lapsed without delivery.
	PresenceSweepInterval time.Duration

	// BufferBatchSize and BufferFlushInterval are the message buffer's
	// flush triggers: whichever is reached first flushes the batch.
	BufferBatchSize     int
	BufferFlushInterval time.Duration

	// NotifyBatchSize and NotifyFlushInterval are the notification
	// dispatcher's flush triggers.
	NotifyBatchSize     int
	NotifyFlushInterval time.Duration

	// NotifyMaxRetries bounds delivery attempts per notification.
	// NotifyRetryBackoff is the fixed delay before a failed notification
	// re-enters the queue.
	NotifyMaxRetries   int
	NotifyRetryBackoff time.Duration

	// NotifyRetention is how long permanently failed and delivered
	// notification records are kept before cleanup removes them.
	// CleanupSpec is the cron schedule driving that cleanup.
	NotifyRetention time.Duration
	CleanupSpec     string

	// UploadConcurrency caps how many upload jobs process at once.
	// UploadQueueSize bounds the submission queue. UploadRetention is
	// how long finished job records stay queryable before the cleanup
	// on CleanupSpec drops them.
	UploadConcurrency int
	UploadQueueSize   int
	UploadRetention   time.Duration

	// MailboxSize is the per-worker request queue depth.
	MailboxSize int

	// RequestTimeout bounds how long an operation may wait to enter a
	// worker's mailbox before failing with a timeout.
	RequestTimeout time.Duration

	// MaxRestarts and RestartWindow bound the supervisor's restart policy
	// for crashed channel actors.
	MaxRestarts   int
	RestartWindow time.Duration
}

// DefaultConfig returns a Config with production defaults:
// - 100 recent messages per channel
// - 3s typing auto-clear
// - 5m away tier, 30m offline tier, 1m presence sweep
// - message flush at 10 messages or 5s
// - notification flush at 50 items or 2s, 3 retries with 2s backoff
// - 24h notification retention, cleaned hourly
// - 4 concurrent upload slots
func DefaultConfig() *Config {
	return &Config{
		Logger:                zerolog.Nop(),
		RecentMessageLimit:    100,
		TypingTimeout:         3 * time.Second,
		AwayTimeout:           5 * time.Minute,
		OfflineTimeout:        30 * time.Minute,
		PresenceSweepInterval: time.Minute,
		BufferBatchSize:       10,
		BufferFlushInterval:   5 * time.Second,
		NotifyBatchSize:       50,
		NotifyFlushInterval:   2 * time.Second,
		NotifyMaxRetries:      3,
		NotifyRetryBackoff:    2 * time.Second,
		NotifyRetention:       24 * time.Hour,
		CleanupSpec:           "@every 1h",
		UploadConcurrency:     4,
		UploadQueueSize:       256,
		UploadRetention:       24 * time.Hour,
		MailboxSize:           128,
		RequestTimeout:        time.Second,
		MaxRestarts:           5,
		RestartWindow:         time.Minute,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.RecentMessageLimit <= 0 {
		c.RecentMessageLimit = def.RecentMessageLimit
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = def.TypingTimeout
	}
	if c.AwayTimeout <= 0 {
		c.AwayTimeout = def.AwayTimeout
	}
	if c.OfflineTimeout <= 0 {
		c.OfflineTimeout = def.OfflineTimeout
	}
	if c.PresenceSweepInterval <= 0 {
		c.PresenceSweepInterval = def.PresenceSweepInterval
	}
	if c.BufferBatchSize <= 0 {
		c.BufferBatchSize = def.BufferBatchSize
	}
	if c.BufferFlushInterval <= 0 {
		c.BufferFlushInterval = def.BufferFlushInterval
	}
	if c.NotifyBatchSize <= 0 {
		c.NotifyBatchSize = def.NotifyBatchSize
	}
	if c.NotifyFlushInterval <= 0 {
		c.NotifyFlushInterval = def.NotifyFlushInterval
	}
	if c.NotifyMaxRetries <= 0 {
		c.NotifyMaxRetries = def.NotifyMaxRetries
	}
	if c.NotifyRetryBackoff <= 0 {
		c.NotifyRetryBackoff = def.NotifyRetryBackoff
	}
	if c.NotifyRetention <= 0 {
		c.NotifyRetention = def.NotifyRetention
	}
	if c.CleanupSpec == "" {
		c.CleanupSpec = def.CleanupSpec
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = def.UploadConcurrency
	}
	if c.UploadQueueSize <= 0 {
		c.UploadQueueSize = def.UploadQueueSize
	}
	if c.UploadRetention <= 0 {
		c.UploadRetention = def.UploadRetention
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = def.MailboxSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = def.MaxRestarts
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = def.RestartWindow
	}
	if c.Hooks == nil {
		c.Hooks = &Hooks{}
	}
	if c.Hooks.Metrics == nil {
		c.Hooks.Metrics = NoopMetrics()
	}
}
