// This file contains the MessageBuffer, the single global worker that
// decouples message ingress from persistence. Messages accumulate in memory
// and are written to the store in batches: a full batch flushes immediately,
// otherwise a timer since the last flush forces one. A failed write keeps the
// batch for the next attempt so no message is ever dropped, and shutdown
// forces a final flush.
package harbor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// BufferStats is a snapshot of the buffer's counters.
type BufferStats struct {
	Buffered         int64
	Flushed          int64
	BatchesProcessed int64
	Errors           int64
	Pending          int
}

// MessageBuffer accumulates messages and flushes them to the persistence
// collaborator in batches, trading latency for write throughput.
type MessageBuffer struct {
	cfg     *Config
	log     zerolog.Logger
	ingress chan Message
	flushes chan chan int
	stats   chan chan BufferStats
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newMessageBuffer(ctx context.Context, cfg *Config) *MessageBuffer {
	bufferCtx, cancel := context.WithCancel(ctx)

	b := &MessageBuffer{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "buffer").Logger(),
		ingress: make(chan Message, cfg.MailboxSize),
		flushes: make(chan chan int),
		stats:   make(chan chan BufferStats),
		ctx:     bufferCtx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	go b.run()

	return b
}

// Buffer appends a message to the pending batch and returns immediately.
// After the buffer has stopped, messages are silently discarded; callers
// racing with shutdown never observe a fault.
func (b *MessageBuffer) Buffer(msg Message) {
	select {
	case b.ingress <- msg:
	case <-b.ctx.Done():
	}
}

// Flush forces an immediate flush and returns the number of messages
// written. Returns zero once the buffer has stopped.
func (b *MessageBuffer) Flush() int {
	reply := make(chan int, 1)
	select {
	case b.flushes <- reply:
	case <-b.ctx.Done():
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-b.ctx.Done():
		return 0
	}
}

// Stats returns a snapshot of the buffer's counters.
func (b *MessageBuffer) Stats() BufferStats {
	reply := make(chan BufferStats, 1)
	select {
	case b.stats <- reply:
	case <-b.ctx.Done():
		return BufferStats{}
	}
	select {
	case s := <-reply:
		return s
	case <-b.ctx.Done():
		return BufferStats{}
	}
}

func (b *MessageBuffer) run() {
	defer close(b.stopped)

	var (
		pending []Message
		stats   BufferStats
	)
	timer := time.NewTimer(b.cfg.BufferFlushInterval)
	defer timer.Stop()

	flush := func() int {
		if len(pending) == 0 {
			return 0
		}
		if b.cfg.Store == nil {
			n := len(pending)
			stats.Flushed += int64(n)
			stats.BatchesProcessed++
			pending = nil
			return n
		}
		start := time.Now()
		n, err := b.cfg.Store.InsertBatch(context.Background(), pending)
		if err != nil {
			stats.Errors++
			b.cfg.Hooks.Metrics.FlushFailed(len(pending))
			b.log.Warn().Err(err).Int("pending", len(pending)).Msg("batch write failed, retaining batch")
			return 0
		}
		stats.Flushed += int64(len(pending))
		stats.BatchesProcessed++
		b.cfg.Hooks.Metrics.BatchFlushed(len(pending), time.Since(start))
		pending = nil
		return n
	}

	for {
		select {
		case msg := <-b.ingress:
			pending = append(pending, msg)
			stats.Buffered++
			if len(pending) >= b.cfg.BufferBatchSize {
				flush()
				timer.Reset(b.cfg.BufferFlushInterval)
			}

		case <-timer.C:
			flush()
			timer.Reset(b.cfg.BufferFlushInterval)

		case reply := <-b.flushes:
			reply <- flush()
			timer.Reset(b.cfg.BufferFlushInterval)

		case reply := <-b.stats:
			snapshot := stats
			snapshot.Pending = len(pending)
			reply <- snapshot

		case <-b.ctx.Done():
			// Drain whatever arrived before shutdown, then force a
			// final flush so nothing is silently discarded.
			for {
				select {
				case msg := <-b.ingress:
					pending = append(pending, msg)
					stats.Buffered++
					continue
				default:
				}
				break
			}
			if n := flush(); n > 0 {
				b.log.Info().Int("count", n).Msg("flushed remaining messages on shutdown")
			} else if len(pending) > 0 {
				b.log.Error().Int("pending", len(pending)).Msg("final flush failed, messages lost")
			}
			return
		}
	}
}

func (b *MessageBuffer) alive() bool {
	return b.ctx.Err() == nil
}

// stop shuts the buffer down and waits for the final flush to complete.
func (b *MessageBuffer) stop() {
	b.cancel()
	<-b.stopped
}
