// This file contains the UploadPipeline, the single global worker that
// coordinates file-processing jobs under a concurrency cap. Jobs queue in
// priority order, move to processing when a slot frees, and finish in a
// terminal state: completed, failed, virus_detected, or cancelled. Only
// queued jobs can be cancelled. The slot accounting lives on the
// coordinator goroutine, so the cap can never be exceeded.
package harbor

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// UploadStatus is the lifecycle state of an upload job.
type UploadStatus string

const (
	UploadQueued        UploadStatus = "queued"
	UploadProcessing    UploadStatus = "processing"
	UploadCompleted     UploadStatus = "completed"
	UploadFailed        UploadStatus = "failed"
	UploadVirusDetected UploadStatus = "virus_detected"
	UploadCancelled     UploadStatus = "cancelled"
)

func (s UploadStatus) terminal() bool {
	switch s {
	case UploadCompleted, UploadFailed, UploadVirusDetected, UploadCancelled:
		return true
	}
	return false
}

// UploadOptions tunes a single job. Process, when set, runs after the scan
// passes; its error makes the job fail. A nil Process completes the job once
// the scan passes.
type UploadOptions struct {
	Priority Priority
	Process  func(ctx context.Context, path string) error
}

// UploadJob is the coordinator's record of one submission. FinishedAt is
// set when the job reaches a terminal state and drives retention cleanup.
type UploadJob struct {
	ID         string
	FilePath   string
	Priority   Priority
	Status     UploadStatus
	Detail     string
	CreatedAt  time.Time
	FinishedAt time.Time

	process func(ctx context.Context, path string) error
}

// UploadStats is a snapshot of the pipeline's counters.
type UploadStats struct {
	Queued         int
	Active         int
	Completed      int64
	Failed         int64
	VirusDetected  int64
	Cancelled      int64
	TotalProcessed int64
}

type uploadState struct {
	jobs   map[string]*UploadJob
	high   []*UploadJob
	normal []*UploadJob
	active int
	stats  UploadStats
}

// UploadPipeline accepts file-processing jobs and runs them under a bounded
// worker pool.
type UploadPipeline struct {
	cfg     *Config
	log     zerolog.Logger
	mailbox chan func(*uploadState)
	ctx     context.Context
	cancel  context.CancelFunc
	cron    *cron.Cron
}

func newUploadPipeline(ctx context.Context, cfg *Config) *UploadPipeline {
	pipelineCtx, cancel := context.WithCancel(ctx)

	p := &UploadPipeline{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "uploads").Logger(),
		mailbox: make(chan func(*uploadState), cfg.UploadQueueSize),
		ctx:     pipelineCtx,
		cancel:  cancel,
		cron:    cron.New(),
	}
	if _, err := p.cron.AddFunc(cfg.CleanupSpec, p.cleanup); err != nil {
		p.log.Warn().Err(err).Str("spec", cfg.CleanupSpec).Msg("invalid cleanup schedule, retention cleanup disabled")
	} else {
		p.cron.Start()
	}
	go p.run()

	return p
}

// ProcessFile enqueues a job for the given file. High priority jobs dequeue
// before normal ones. Re-submitting a live job id is a conflict; terminal
// jobs may be resubmitted, replacing their record.
func (p *UploadPipeline) ProcessFile(jobID, filePath string, opts *UploadOptions) error {
	if err := combine(
		requireField(jobID, "job id", jobID),
		requireField(jobID, "file path", filePath),
	); err != nil {
		return err
	}
	job := &UploadJob{
		ID:        jobID,
		FilePath:  filePath,
		Status:    UploadQueued,
		CreatedAt: time.Now(),
	}
	if opts != nil {
		job.Priority = opts.Priority
		job.process = opts.Process
	}
	var submitErr error
	p.ask(func(s *uploadState) {
		if existing, ok := s.jobs[jobID]; ok && !existing.Status.terminal() {
			submitErr = conflict(jobID, "job already queued or processing").withDetails(existing.Status)
			return
		}
		s.jobs[jobID] = job
		if job.Priority == PriorityHigh {
			s.high = append(s.high, job)
		} else {
			s.normal = append(s.normal, job)
		}
		s.stats.Queued = len(s.high) + len(s.normal)
		p.dispatch(s)
	})
	return submitErr
}

// CancelJob cancels a job that is still queued and reports whether it did.
// Cancelling a processing or terminal job is a no-op, not an error; the
// effect is timing-sensitive by design.
func (p *UploadPipeline) CancelJob(jobID string) bool {
	cancelled := false
	p.ask(func(s *uploadState) {
		job, ok := s.jobs[jobID]
		if !ok || job.Status != UploadQueued {
			return
		}
		job.Status = UploadCancelled
		job.Detail = "cancelled while queued"
		job.FinishedAt = time.Now()
		s.high = removeJob(s.high, jobID)
		s.normal = removeJob(s.normal, jobID)
		s.stats.Queued = len(s.high) + len(s.normal)
		s.stats.Cancelled++
		s.stats.TotalProcessed++
		p.cfg.Hooks.Metrics.UploadFinished(UploadCancelled)
		cancelled = true
	})
	return cancelled
}

// Status returns the job's current status and detail. The boolean reports
// whether the job id is known; unknown ids never raise.
func (p *UploadPipeline) Status(jobID string) (UploadStatus, string, bool) {
	var (
		status UploadStatus
		detail string
		found  bool
	)
	p.ask(func(s *uploadState) {
		if job, ok := s.jobs[jobID]; ok {
			status = job.Status
			detail = job.Detail
			found = true
		}
	})
	return status, detail, found
}

// Stats returns a snapshot of the pipeline's counters.
func (p *UploadPipeline) Stats() UploadStats {
	var stats UploadStats
	p.ask(func(s *uploadState) {
		stats = s.stats
		stats.Queued = len(s.high) + len(s.normal)
		stats.Active = s.active
	})
	return stats
}

func removeJob(queue []*UploadJob, jobID string) []*UploadJob {
	for i, job := range queue {
		if job.ID == jobID {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

// dispatch moves queued jobs into free slots. It runs on the coordinator
// goroutine; active never exceeds the configured cap.
func (p *UploadPipeline) dispatch(s *uploadState) {
	for s.active < p.cfg.UploadConcurrency {
		var job *UploadJob
		if len(s.high) > 0 {
			job, s.high = s.high[0], s.high[1:]
		} else if len(s.normal) > 0 {
			job, s.normal = s.normal[0], s.normal[1:]
		} else {
			break
		}
		job.Status = UploadProcessing
		s.active++
		s.stats.Queued = len(s.high) + len(s.normal)
		p.cfg.Hooks.Metrics.QueueDepth("uploads", s.stats.Queued)

		go p.runJob(job)
	}
}

// runJob executes one job off the coordinator's path and reports the
// terminal state back through the mailbox.
func (p *UploadPipeline) runJob(job *UploadJob) {
	status, detail := p.execute(job)

	_ = p.enqueue(func(s *uploadState) {
		job.Status = status
		job.Detail = detail
		job.FinishedAt = time.Now()
		s.active--
		s.stats.TotalProcessed++
		switch status {
		case UploadCompleted:
			s.stats.Completed++
		case UploadVirusDetected:
			s.stats.VirusDetected++
		default:
			s.stats.Failed++
		}
		p.cfg.Hooks.Metrics.UploadFinished(status)
		p.dispatch(s)
	})
}

func (p *UploadPipeline) execute(job *UploadJob) (status UploadStatus, detail string) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("job", job.ID).Msg("upload job panicked")
			status = UploadFailed
			detail = internalPanic(r).Error()
		}
	}()

	if _, err := os.Stat(job.FilePath); err != nil {
		p.log.Warn().Err(err).Str("job", job.ID).Msg("input file missing")
		return UploadFailed, "input file missing: " + job.FilePath
	}
	if p.cfg.Scanner != nil {
		verdict, err := p.cfg.Scanner.Scan(p.ctx, job.FilePath)
		if err != nil {
			p.log.Warn().Err(err).Str("job", job.ID).Msg("scan failed")
			return UploadFailed, "scan failed: " + err.Error()
		}
		if verdict == VerdictInfected {
			p.log.Warn().Str("job", job.ID).Str("path", job.FilePath).Msg("virus detected")
			return UploadVirusDetected, "content scan flagged the file"
		}
	}
	if job.process != nil {
		if err := job.process(p.ctx, job.FilePath); err != nil {
			return UploadFailed, err.Error()
		}
	}
	return UploadCompleted, ""
}

func (p *UploadPipeline) enqueue(fn func(*uploadState)) error {
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
		return timeout("uploads", "timeout queueing pipeline request")
	}
}

func (p *UploadPipeline) ask(fn func(*uploadState)) {
	done := make(chan struct{})
	if err := p.enqueue(func(s *uploadState) {
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

func (p *UploadPipeline) run() {
	s := &uploadState{jobs: make(map[string]*UploadJob)}
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn := <-p.mailbox:
			fn(s)
		}
	}
}

// cleanup drops terminal job records older than the retention window so the
// job table does not grow without bound. It is invoked on the cron schedule.
func (p *UploadPipeline) cleanup() {
	_ = p.enqueue(func(s *uploadState) {
		cutoff := time.Now().Add(-p.cfg.UploadRetention)
		removed := 0
		for id, job := range s.jobs {
			if job.Status.terminal() && job.FinishedAt.Before(cutoff) {
				delete(s.jobs, id)
				removed++
			}
		}
		if removed > 0 {
			p.log.Debug().Int("removed", removed).Msg("expired finished upload records")
		}
	})
}

func (p *UploadPipeline) alive() bool {
	return p.ctx.Err() == nil
}

func (p *UploadPipeline) stop() {
	p.cron.Stop()
	p.cancel()
}
