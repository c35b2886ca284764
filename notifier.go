// This file contains the NotificationDispatcher, the single global worker
// that batches notification delivery. Queued items are processed high
// priority first, FIFO within a priority; a full queue triggers immediate
// processing, otherwise a timer flushes the batch. Failed deliveries retry
// with a fixed backoff up to a bounded attempt count, then become permanent
// failure records that a retention cleanup eventually removes.
package harbor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TypeEmail routes a notification through the email sender. Every other type
// is delivered as a push notification.
const TypeEmail = "email"

// Notification is one queued delivery request.
type Notification struct {
	ID           string
	Type         string
	RecipientID  string
	Payload      map[string]interface{}
	Priority     Priority
	RetryCount   int
	CreatedAt    time.Time
	ScheduledFor time.Time
}

// NotificationRequest is the caller-facing shape for queueing.
type NotificationRequest struct {
	Type        string
	RecipientID string
	Payload     map[string]interface{}
	Priority    Priority
}

// NotifierStats is a snapshot of the dispatcher's counters.
type NotifierStats struct {
	Queued            int
	Sent              int64
	Failed            int64
	Retried           int64
	PermanentlyFailed int
}

type failedRecord struct {
	notification *Notification
	failedAt     time.Time
}

type notifierState struct {
	high   []*Notification
	normal []*Notification
	failed []failedRecord
	stats  NotifierStats
}

// NotificationDispatcher batches, prioritizes, and retries notification
// delivery through the push and email collaborators.
type NotificationDispatcher struct {
	cfg     *Config
	log     zerolog.Logger
	mailbox chan func(*notifierState)
	ctx     context.Context
	cancel  context.CancelFunc
	cron    *cron.Cron
	stopped chan struct{}
}

func newNotificationDispatcher(ctx context.Context, cfg *Config) *NotificationDispatcher {
	dispatcherCtx, cancel := context.WithCancel(ctx)

	d := &NotificationDispatcher{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "notifier").Logger(),
		mailbox: make(chan func(*notifierState), cfg.MailboxSize),
		ctx:     dispatcherCtx,
		cancel:  cancel,
		cron:    cron.New(),
		stopped: make(chan struct{}),
	}
	if _, err := d.cron.AddFunc(cfg.CleanupSpec, d.cleanup); err != nil {
		d.log.Warn().Err(err).Str("spec", cfg.CleanupSpec).Msg("invalid cleanup schedule, retention cleanup disabled")
	} else {
		d.cron.Start()
	}
	go d.run()

	return d
}

// Queue appends one notification and returns its id. Reaching the batch
// threshold triggers immediate processing; otherwise the flush timer will
// pick it up.
func (d *NotificationDispatcher) Queue(notificationType, recipientID string, payload map[string]interface{}, priority Priority) string {
	ids := d.QueueBatch([]NotificationRequest{{
		Type:        notificationType,
		RecipientID: recipientID,
		Payload:     payload,
		Priority:    priority,
	}})
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// QueueBatch appends several notifications at once and returns their ids in
// order. Returns nil once the dispatcher has stopped.
func (d *NotificationDispatcher) QueueBatch(requests []NotificationRequest) []string {
	if len(requests) == 0 {
		return nil
	}
	now := time.Now()

	ids := make([]string, len(requests))
	batch := make([]*Notification, len(requests))
	for i, req := range requests {
		n := &Notification{
			ID:           uuid.NewString(),
			Type:         req.Type,
			RecipientID:  req.RecipientID,
			Payload:      req.Payload,
			Priority:     req.Priority,
			CreatedAt:    now,
			ScheduledFor: now,
		}
		ids[i] = n.ID
		batch[i] = n
	}
	if err := d.enqueue(func(s *notifierState) {
		for _, n := range batch {
			pushQueued(s, n)
		}
		if len(s.high)+len(s.normal) >= d.cfg.NotifyBatchSize {
			d.processLocked(s)
		}
	}); err != nil {
		return nil
	}
	return ids
}

// ProcessQueue forces immediate processing of everything queued and returns
// the number of items attempted.
func (d *NotificationDispatcher) ProcessQueue() int {
	attempted := 0
	d.ask(func(s *notifierState) {
		attempted = d.processLocked(s)
	})
	return attempted
}

// RetryFailed re-queues every permanently failed record with a fresh retry
// budget and returns how many were re-queued. They are attempted again on
// the next processing pass.
func (d *NotificationDispatcher) RetryFailed() int {
	count := 0
	d.ask(func(s *notifierState) {
		for _, record := range s.failed {
			n := record.notification
			n.RetryCount = 0
			n.ScheduledFor = time.Now()
			pushQueued(s, n)
			count++
		}
		s.failed = nil
		s.stats.PermanentlyFailed = 0
	})
	return count
}

// Stats returns a snapshot of the dispatcher's counters.
func (d *NotificationDispatcher) Stats() NotifierStats {
	var stats NotifierStats
	d.ask(func(s *notifierState) {
		stats = s.stats
		stats.Queued = len(s.high) + len(s.normal)
		stats.PermanentlyFailed = len(s.failed)
	})
	return stats
}

// FailedNotifications returns copies of the permanent failure records.
func (d *NotificationDispatcher) FailedNotifications() []Notification {
	var out []Notification
	d.ask(func(s *notifierState) {
		out = make([]Notification, 0, len(s.failed))
		for _, record := range s.failed {
			out = append(out, *record.notification)
		}
	})
	return out
}

func pushQueued(s *notifierState, n *Notification) {
	if n.Priority == PriorityHigh {
		s.high = append(s.high, n)
	} else {
		s.normal = append(s.normal, n)
	}
}

// processLocked drains the queue in priority order and attempts delivery of
// each item. It runs on the dispatcher goroutine.
func (d *NotificationDispatcher) processLocked(s *notifierState) int {
	pending := make([]*Notification, 0, len(s.high)+len(s.normal))
	pending = append(pending, s.high...)
	pending = append(pending, s.normal...)
	s.high = nil
	s.normal = nil

	for _, n := range pending {
		if err := d.deliver(n); err != nil {
			s.stats.Failed++
			d.handleFailure(s, n, err)
			continue
		}
		s.stats.Sent++
		d.cfg.Hooks.Metrics.NotificationDelivered(n.Priority)
	}
	return len(pending)
}

func (d *NotificationDispatcher) deliver(n *Notification) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RequestTimeout)
	defer cancel()

	if n.Type == TypeEmail {
		if d.cfg.Email == nil {
			return unavailable(n.ID, "no email sender configured")
		}
		subject, _ := n.Payload["subject"].(string)
		body, _ := n.Payload["body"].(string)
		if err := d.cfg.Email.SendEmail(ctx, n.RecipientID, subject, body); err != nil {
			return wrap(err, "email delivery")
		}
		return nil
	}
	if d.cfg.Push == nil {
		return unavailable(n.ID, "no push sender configured")
	}
	if err := d.cfg.Push.SendPush(ctx, n.RecipientID, n.Payload); err != nil {
		return wrap(err, "push delivery")
	}
	return nil
}

func (d *NotificationDispatcher) handleFailure(s *notifierState, n *Notification, err error) {
	n.RetryCount++
	if n.RetryCount >= d.cfg.NotifyMaxRetries {
		d.log.Warn().Err(err).Str("id", n.ID).Int("attempts", n.RetryCount).Msg("notification permanently failed")
		s.failed = append(s.failed, failedRecord{notification: n, failedAt: time.Now()})
		d.cfg.Hooks.Metrics.NotificationFailed(true)
		return
	}
	s.stats.Retried++
	d.cfg.Hooks.Metrics.NotificationFailed(false)
	n.ScheduledFor = time.Now().Add(d.cfg.NotifyRetryBackoff)

	// Re-enter the queue after the backoff rather than immediately, so a
	// failing collaborator is not hammered inside one processing pass.
	retry := n
	time.AfterFunc(d.cfg.NotifyRetryBackoff, func() {
		_ = d.enqueue(func(s *notifierState) {
			pushQueued(s, retry)
		})
	})
}

// cleanup drops permanent failure records older than the retention window.
// It is invoked on the cron schedule.
func (d *NotificationDispatcher) cleanup() {
	_ = d.enqueue(func(s *notifierState) {
		cutoff := time.Now().Add(-d.cfg.NotifyRetention)
		kept := s.failed[:0]
		for _, record := range s.failed {
			if record.failedAt.After(cutoff) {
				kept = append(kept, record)
			}
		}
		removed := len(s.failed) - len(kept)
		s.failed = kept
		if removed > 0 {
			d.log.Info().Int("removed", removed).Msg("cleaned up expired notification records")
		}
	})
}

func (d *NotificationDispatcher) enqueue(fn func(*notifierState)) error {
	select {
	case <-d.ctx.Done():
		return nil
	default:
	}
	select {
	case d.mailbox <- fn:
		return nil
	case <-d.ctx.Done():
		return nil
	case <-time.After(d.cfg.RequestTimeout):
		return timeout("notifier", "timeout queueing dispatcher request")
	}
}

func (d *NotificationDispatcher) ask(fn func(*notifierState)) {
	done := make(chan struct{})
	if err := d.enqueue(func(s *notifierState) {
		fn(s)
		close(done)
	}); err != nil {
		return
	}
	select {
	case <-done:
	case <-d.ctx.Done():
	}
}

func (d *NotificationDispatcher) run() {
	defer close(d.stopped)

	s := &notifierState{}
	timer := time.NewTimer(d.cfg.NotifyFlushInterval)
	defer timer.Stop()

	for {
		select {
		case fn := <-d.mailbox:
			fn(s)

		case <-timer.C:
			d.processLocked(s)
			timer.Reset(d.cfg.NotifyFlushInterval)

		case <-d.ctx.Done():
			// Apply whatever reached the mailbox before shutdown, then
			// make a final delivery pass so nothing queued is dropped.
			for {
				select {
				case fn := <-d.mailbox:
					fn(s)
					continue
				default:
				}
				break
			}
			d.processLocked(s)
			return
		}
	}
}

func (d *NotificationDispatcher) alive() bool {
	return d.ctx.Err() == nil
}

func (d *NotificationDispatcher) stop() {
	d.cron.Stop()
	d.cancel()
	<-d.stopped
}
