// This file contains the Registry, the supervised actor registry that maps a
// channel id to its running actor and owns the global singleton workers. It
// creates actors on first use, deduplicates concurrent creation, and
// restarts crashed actors with fresh state under a bounded policy,
// publishing a restart notice so subscribers can resynchronize.
package harbor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Registry is the entry point to the coordination core. One Registry owns
// all channel actors plus the presence tracker, message buffer, notification
// dispatcher, and upload pipeline singletons.
type Registry struct {
	cfg    *Config
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*ChannelActor

	presence *PresenceTracker
	buffer   *MessageBuffer
	notifier *NotificationDispatcher
	uploads  *UploadPipeline

	ownedBus bool
}

// Health reports liveness of the singleton workers plus the number of live
// channel actors.
type Health struct {
	Channels int
	Presence bool
	Buffer   bool
	Notifier bool
	Uploads  bool
}

// Healthy reports whether every singleton worker is live.
func (h Health) Healthy() bool {
	return h.Presence && h.Buffer && h.Notifier && h.Uploads
}

// New builds a Registry and starts the singleton workers. A nil PubSub in
// the config is replaced with an in-memory bus owned by the registry.
func New(ctx context.Context, cfg *Config) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		// Work on a copy so normalization and the owned bus never leak
		// back into the caller's Config.
		copied := *cfg
		if cfg.Hooks != nil {
			hooks := *cfg.Hooks
			copied.Hooks = &hooks
		}
		cfg = &copied
	}
	cfg.normalize()

	registryCtx, cancel := context.WithCancel(ctx)

	r := &Registry{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "registry").Logger(),
		ctx:      registryCtx,
		cancel:   cancel,
		channels: make(map[string]*ChannelActor),
	}
	if cfg.PubSub == nil {
		cfg.PubSub = NewLocalPubSub(registryCtx, 100)
		r.ownedBus = true
	}
	r.buffer = newMessageBuffer(registryCtx, cfg)
	r.presence = newPresenceTracker(registryCtx, cfg)
	r.notifier = newNotificationDispatcher(registryCtx, cfg)
	r.uploads = newUploadPipeline(registryCtx, cfg)

	return r
}

// GetOrStart returns the live actor for channelID, creating and starting one
// if none exists. Concurrent calls for the same unseen id converge on
// exactly one actor.
func (r *Registry) GetOrStart(channelID string) *ChannelActor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if actor, exists := r.channels[channelID]; exists {
		return actor
	}
	actor := newChannelActor(r.ctx, channelID, r.cfg, r.buffer)
	r.channels[channelID] = actor

	go r.supervise(actor)

	return actor
}

// Stop stops the actor for channelID. It reports whether an actor was
// found; a missing actor is not an error for the caller.
func (r *Registry) Stop(channelID string) bool {
	r.mu.Lock()
	actor, exists := r.channels[channelID]
	if exists {
		delete(r.channels, channelID)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}
	actor.stop()

	return true
}

// List enumerates the ids of currently live channel actors.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	return ids
}

// HealthCheck aggregates liveness across the singletons and counts live
// channel actors.
func (r *Registry) HealthCheck() Health {
	r.mu.Lock()
	channels := len(r.channels)
	r.mu.Unlock()

	return Health{
		Channels: channels,
		Presence: r.presence.alive(),
		Buffer:   r.buffer.alive(),
		Notifier: r.notifier.alive(),
		Uploads:  r.uploads.alive(),
	}
}

// Presence returns the global presence tracker.
func (r *Registry) Presence() *PresenceTracker {
	return r.presence
}

// Buffer returns the global message buffer.
func (r *Registry) Buffer() *MessageBuffer {
	return r.buffer
}

// Notifier returns the global notification dispatcher.
func (r *Registry) Notifier() *NotificationDispatcher {
	return r.notifier
}

// Uploads returns the global upload pipeline.
func (r *Registry) Uploads() *UploadPipeline {
	return r.uploads
}

// Shutdown stops every channel actor and singleton worker. The message
// buffer flushes its pending batch before stopping so no buffered message is
// silently discarded.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	actors := make([]*ChannelActor, 0, len(r.channels))
	for _, actor := range r.channels {
		actors = append(actors, actor)
	}
	r.channels = make(map[string]*ChannelActor)
	r.mu.Unlock()

	for _, actor := range actors {
		actor.stop()
	}
	r.presence.stop()
	r.notifier.stop()
	r.uploads.stop()
	r.buffer.stop()

	if r.ownedBus {
		_ = r.cfg.PubSub.Close()
	}
	r.cancel()
}

// supervise runs the actor loop, restarting it with fresh state after a
// panic. Restarts beyond the budget within the window stop the actor for
// good. Each restart publishes a notice so subscribers know the in-memory
// state was reset and can re-fetch from persistence.
func (r *Registry) supervise(actor *ChannelActor) {
	restarts := 0
	windowStart := time.Now()

	for {
		panicked := r.runActor(actor)
		if !panicked || actor.ctx.Err() != nil {
			return
		}
		if time.Since(windowStart) > r.cfg.RestartWindow {
			restarts = 0
			windowStart = time.Now()
		}
		restarts++
		if restarts > r.cfg.MaxRestarts {
			r.log.Error().Str("channel", actor.id).Int("restarts", restarts-1).Msg("restart budget exhausted, stopping actor")
			r.Stop(actor.id)
			return
		}
		r.log.Warn().Str("channel", actor.id).Int("restart", restarts).Msg("restarting crashed channel actor with fresh state")
		r.cfg.Hooks.Metrics.ActorRestarted(actor.id)
		r.publishRestart(actor.id)
	}
}

func (r *Registry) runActor(actor *ChannelActor) (panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			r.log.Error().Interface("panic", rec).Str("channel", actor.id).Msg("channel actor crashed")
			r.cfg.Hooks.Metrics.Error("channel", internalPanic(rec))
		}
	}()
	actor.loop()

	return false
}

func (r *Registry) publishRestart(channelID string) {
	evt := Event{
		Action:    systemAction,
		EntityID:  channelID,
		RequestID: uuid.NewString(),
		Event:     "actor_restarted",
		Payload: map[string]interface{}{
			"channelId": channelID,
			"note":      "in-memory state reset, re-fetch recent messages",
		},
		NodeID: r.cfg.NodeID,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := r.cfg.PubSub.Publish(ChannelTopic(channelID, "system"), data); err != nil && !IsPubSubClosed(err) {
		r.cfg.Hooks.Metrics.Error("registry", err)
	}
}
