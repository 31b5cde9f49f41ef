// Package worker hosts the job processing runtime: a pool of dispatch
// loops pulling from the stream queue, a database health-check loop, and a
// stale-scan recovery loop that reclaims channels stuck mid-walk after a
// crashed worker. Grounded on the worker process's main loop
// (dispatch-by-type, ack-on-success, leave-pending-on-failure) with the
// concurrency model adapted to Go: one goroutine per configured worker
// slot instead of a single asyncio task, each independently polling the
// stream queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/clipvault/clipvault/internal/database"
	"github.com/clipvault/clipvault/internal/jobqueue"
	"github.com/clipvault/clipvault/internal/metrics"
	"github.com/clipvault/clipvault/internal/models"
	"github.com/clipvault/clipvault/internal/scanscheduler"
	"github.com/clipvault/clipvault/internal/thumbnail"
)

// Config tunes the worker host's concurrency and recovery loops.
type Config struct {
	Concurrency                   int
	JobBatchSize                  int64
	BlockDuration                 time.Duration
	MinIdleTime                   time.Duration
	StaleScanCleanupInterval      time.Duration
	StaleScanTimeoutMinutes       int
	DBHealthCheckInterval         time.Duration
	StaleThumbnailCleanupInterval time.Duration
	StaleThumbnailTimeoutMinutes  int
}

// Host runs the dispatch loops and background maintenance loops against a
// shared Scheduler and Queue.
type Host struct {
	queue      *jobqueue.Queue
	scheduler  *scanscheduler.Scheduler
	db         *database.DB
	scanStatus *database.ScanStatusRepository
	thumbs     *thumbnail.Handler
	cfg        Config
	metrics    *metrics.Metrics
	logger     *slog.Logger

	wg sync.WaitGroup
}

// New constructs a Host. m may be nil, in which case job outcomes are not
// recorded. thumbs drives the stale-thumbnail cleanup loop; pass nil to
// disable it.
func New(queue *jobqueue.Queue, scheduler *scanscheduler.Scheduler, db *database.DB, scanStatus *database.ScanStatusRepository, thumbs *thumbnail.Handler, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Host {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.JobBatchSize <= 0 {
		cfg.JobBatchSize = 10
	}
	return &Host{queue: queue, scheduler: scheduler, db: db, scanStatus: scanStatus, thumbs: thumbs, cfg: cfg, metrics: m, logger: logger}
}

// Run starts every loop and blocks until ctx is cancelled, then waits for
// all loops to exit before returning.
func (h *Host) Run(ctx context.Context) {
	h.logger.Info("starting worker host",
		slog.Int("concurrency", h.cfg.Concurrency),
		slog.Int64("job_batch_size", h.cfg.JobBatchSize))

	for i := 0; i < h.cfg.Concurrency; i++ {
		h.startDispatchLoop(ctx, i)
	}
	h.startHealthCheckLoop(ctx)
	h.startStaleScanLoop(ctx)
	h.startStaleThumbnailLoop(ctx)

	<-ctx.Done()
	h.logger.Info("shutdown requested, waiting for worker loops to drain")
	h.wg.Wait()
	h.logger.Info("worker host stopped")
}

// startDispatchLoop runs one consumer identity's read-process-ack cycle
// until ctx is cancelled. Failed jobs are left pending for reclaim by
// claimPending on a future cycle rather than acked, giving automatic retry.
func (h *Host) startDispatchLoop(ctx context.Context, slot int) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := h.queue.ListStreams(ctx)
			if err != nil {
				h.logger.Error("failed to list job streams", slog.String("error", err.Error()))
				if !sleepOrDone(ctx, 5*time.Second) {
					return
				}
				continue
			}
			if len(streams) == 0 {
				if !sleepOrDone(ctx, h.cfg.BlockDuration) {
					return
				}
				continue
			}

			msgs, err := h.queue.ReadCycle(ctx, streams, h.cfg.JobBatchSize, h.cfg.BlockDuration, h.cfg.MinIdleTime)
			if err != nil {
				h.logger.Error("error reading job streams", slog.String("error", err.Error()))
				if !sleepOrDone(ctx, 5*time.Second) {
					return
				}
				continue
			}

			for _, msg := range msgs {
				h.handle(ctx, slot, msg)
			}
		}
	}()
}

// handle dispatches one claimed message to the scheduler method matching
// its job type, acking on success and leaving it pending on failure.
func (h *Host) handle(ctx context.Context, slot int, msg jobqueue.Message) {
	_, jobType := jobqueue.ParseStreamName(msg.Stream)

	log := h.logger.With(slog.Int("worker_slot", slot), slog.String("job_type", jobType), slog.String("entry_id", msg.ID))

	start := time.Now()
	err := h.process(ctx, models.JobType(jobType), msg.Fields)
	if err != nil {
		h.metrics.ObserveJob(jobType, "failure", time.Since(start))
		log.Error("job failed, leaving pending for retry", slog.String("error", err.Error()))
		h.cancelScanOnFailure(ctx, jobType, msg.Fields, err)
		return
	}
	h.metrics.ObserveJob(jobType, "success", time.Since(start))

	if err := h.queue.Ack(ctx, msg.Stream, msg.ID); err != nil {
		log.Error("failed to ack completed job", slog.String("error", err.Error()))
		return
	}
	log.Info("job completed successfully")
}

func (h *Host) process(ctx context.Context, jobType models.JobType, fields map[string]string) error {
	switch jobType {
	case models.JobTypeBatch:
		var job models.BatchScanJob
		if err := jobqueue.DecodeJob(fields, &job); err != nil {
			return err
		}
		return h.scheduler.ProcessBatchScan(ctx, job)

	case models.JobTypeMessage:
		var job models.MessageScanJob
		if err := jobqueue.DecodeJob(fields, &job); err != nil {
			return err
		}
		return h.scheduler.ProcessMessageScan(ctx, job)

	case models.JobTypeRescan:
		var job models.RescanJob
		if err := jobqueue.DecodeJob(fields, &job); err != nil {
			return err
		}
		return h.scheduler.ProcessRescan(ctx, job)

	case models.JobTypeThumbnailRetry:
		var job models.ThumbnailRetryJob
		if err := jobqueue.DecodeJob(fields, &job); err != nil {
			return err
		}
		_, err := h.scheduler.ProcessThumbnailRetry(ctx, job)
		return err

	case models.JobTypeMessageDeletion:
		var job models.MessageDeletionJob
		if err := jobqueue.DecodeJob(fields, &job); err != nil {
			return err
		}
		return h.scheduler.ProcessMessageDeletion(ctx, job)

	case models.JobTypePurgeChannel:
		var job models.PurgeChannelJob
		if err := jobqueue.DecodeJob(fields, &job); err != nil {
			return err
		}
		return h.scheduler.ProcessPurgeChannel(ctx, job)

	case models.JobTypePurgeGuild:
		var job models.PurgeGuildJob
		if err := jobqueue.DecodeJob(fields, &job); err != nil {
			return err
		}
		return h.scheduler.ProcessPurgeGuild(ctx, job)

	default:
		return fmt.Errorf("unknown job type %q", jobType)
	}
}

// cancelScanOnFailure marks a batch scan's status cancelled whenever its
// job fails, so the channel doesn't keep showing "running" while the entry
// sits pending in the stream for reclaim and retry.
func (h *Host) cancelScanOnFailure(ctx context.Context, jobType string, fields map[string]string, cause error) {
	if models.JobType(jobType) != models.JobTypeBatch {
		return
	}
	var job models.BatchScanJob
	if err := jobqueue.DecodeJob(fields, &job); err != nil {
		return
	}
	msg := fmt.Sprintf("job failed and will be retried: %s", truncate(cause.Error(), 200))
	if err := h.scanStatus.Complete(ctx, job.ChannelID, models.ScanStatusCancelled, &msg); err != nil {
		h.logger.Error("failed to mark scan status cancelled after job failure",
			slog.String("channel_id", job.ChannelID), slog.String("error", err.Error()))
	}
}

// startHealthCheckLoop periodically pings the database so connectivity
// loss is surfaced in logs before it manifests as job failures.
func (h *Host) startHealthCheckLoop(ctx context.Context) {
	interval := h.cfg.DBHealthCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.db.HealthCheck(ctx); err != nil {
					h.logger.Error("database health check failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// startStaleScanLoop periodically cancels channel scans stuck in queued or
// running past the configured timeout, freeing them to be re-queued.
func (h *Host) startStaleScanLoop(ctx context.Context) {
	interval := h.cfg.StaleScanCleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.recoverStaleScans(ctx)
			}
		}
	}()
}

func (h *Host) recoverStaleScans(ctx context.Context) {
	stale, err := h.scanStatus.ListStale(ctx, h.cfg.StaleScanTimeoutMinutes)
	if err != nil {
		h.logger.Error("failed to list stale scans", slog.String("error", err.Error()))
		return
	}

	msg := "scan exceeded stale timeout and was cancelled for recovery"
	recovered := 0
	for _, s := range stale {
		if err := h.scanStatus.Complete(ctx, s.ChannelID, models.ScanStatusCancelled, &msg); err != nil {
			h.logger.Error("failed to recover stale scan", slog.String("channel_id", s.ChannelID), slog.String("error", err.Error()))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		h.logger.Info("stale scan cleanup recovered stuck scans", slog.Int("count", recovered))
	}
}

// startStaleThumbnailLoop periodically fails clips stuck in pending or
// processing past the configured timeout, freeing them to re-enter the
// retry-backoff schedule instead of sitting stuck after a worker crash. A
// nil thumbs handler disables the loop entirely.
func (h *Host) startStaleThumbnailLoop(ctx context.Context) {
	if h.thumbs == nil {
		return
	}

	interval := h.cfg.StaleThumbnailCleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.recoverStaleThumbnails(ctx)
			}
		}
	}()
}

func (h *Host) recoverStaleThumbnails(ctx context.Context) {
	swept, err := h.thumbs.SweepStale(ctx, h.cfg.StaleThumbnailTimeoutMinutes)
	if err != nil {
		h.logger.Error("failed to sweep stale thumbnail jobs", slog.String("error", err.Error()))
		return
	}
	if swept > 0 {
		h.logger.Info("stale thumbnail cleanup recovered stuck clips", slog.Int("count", swept))
	}
}

// sleepOrDone waits for d or ctx cancellation, reporting false if ctx was
// cancelled first so the caller can exit its loop.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}
