// Package thumbnail wraps the media pipeline with a per-clip failure state
// machine: successful runs clear any failure record, failed runs schedule
// an exponential-backoff retry.
package thumbnail

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipvault/clipvault/internal/database"
	"github.com/clipvault/clipvault/internal/mediapipeline"
	"github.com/clipvault/clipvault/internal/metrics"
	"github.com/clipvault/clipvault/internal/models"
)

// backoffSchedule is the retry delay indexed by (retry_count - 1), clamped
// to the last element for any further retries.
var backoffSchedule = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	4 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
}

func backoffFor(retryCount int) time.Duration {
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

// Handler drives thumbnail generation for clips, recording failures for
// retry and clearing them on success.
type Handler struct {
	pipeline *mediapipeline.Pipeline
	clips    *database.ClipRepository
	thumbs   *database.ThumbnailRepository
	failed   *database.FailedThumbnailRepository
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewHandler constructs a Handler over the given pipeline and repositories.
// m may be nil, in which case pipeline duration is not recorded.
func NewHandler(pipeline *mediapipeline.Pipeline, clips *database.ClipRepository, thumbs *database.ThumbnailRepository, failed *database.FailedThumbnailRepository, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{pipeline: pipeline, clips: clips, thumbs: thumbs, failed: failed, metrics: m, logger: logger}
}

// Process generates thumbnails for one clip, short-circuiting if the blob
// store already holds both outputs and the clip row agrees they're
// complete; regenerating (with a warning) if the blob store and DB have
// diverged.
func (h *Handler) Process(ctx context.Context, clip models.Clip) error {
	complete, err := h.pipeline.AlreadyComplete(ctx, clip.GuildID, clip.ID)
	if err != nil {
		return fmt.Errorf("checking thumbnail completeness for clip %s: %w", clip.ID, err)
	}

	if complete {
		if clip.ThumbnailStatus == models.ThumbnailStatusCompleted {
			return nil
		}
		h.logger.Warn("blob store has thumbnails but clip row disagrees; regenerating",
			slog.String("clip_id", clip.ID), slog.String("status", string(clip.ThumbnailStatus)))
	}

	start := time.Now()
	result, err := h.pipeline.Process(ctx, clip.GuildID, clip.ID, clip.CDNURL)
	if err != nil {
		h.metrics.ObserveThumbnailPipeline("failure", time.Since(start))
		return h.recordFailure(ctx, clip, err)
	}
	h.metrics.ObserveThumbnailPipeline("success", time.Since(start))

	if err := h.thumbs.UpsertThumbnail(ctx, models.Thumbnail{
		ID: newID(), ClipID: clip.ID, SizeType: models.SizeSmall,
		StoragePath: result.Small.StoragePath, Width: result.Small.Width, Height: result.Small.Height,
		FileSize: result.Small.FileSize, MimeType: "image/webp", Blurhash: result.Blurhash,
	}); err != nil {
		return fmt.Errorf("recording small thumbnail for clip %s: %w", clip.ID, err)
	}
	if err := h.thumbs.UpsertThumbnail(ctx, models.Thumbnail{
		ID: newID(), ClipID: clip.ID, SizeType: models.SizeLarge,
		StoragePath: result.Large.StoragePath, Width: result.Large.Width, Height: result.Large.Height,
		FileSize: result.Large.FileSize, MimeType: "image/webp", Blurhash: result.Blurhash,
	}); err != nil {
		return fmt.Errorf("recording large thumbnail for clip %s: %w", clip.ID, err)
	}

	var duration *float64
	var width, height *int
	if result.Duration > 0 {
		duration = &result.Duration
	}
	if result.Width > 0 {
		width = &result.Width
	}
	if result.Height > 0 {
		height = &result.Height
	}

	if err := h.clips.SetThumbnailStatus(ctx, clip.ID, models.ThumbnailStatusCompleted, duration, width, height); err != nil {
		return fmt.Errorf("marking clip %s completed: %w", clip.ID, err)
	}

	if err := h.failed.Clear(ctx, clip.ID); err != nil {
		return fmt.Errorf("clearing failure record for clip %s: %w", clip.ID, err)
	}

	return nil
}

func (h *Handler) recordFailure(ctx context.Context, clip models.Clip, procErr error) error {
	if err := h.clips.SetThumbnailStatus(ctx, clip.ID, models.ThumbnailStatusFailed, nil, nil, nil); err != nil {
		return fmt.Errorf("marking clip %s failed: %w", clip.ID, err)
	}

	retryCount := 1
	if existing, err := h.failed.GetByClip(ctx, clip.ID); err == nil {
		retryCount = existing.RetryCount + 1
	}

	nextRetryAt := time.Now().Add(backoffFor(retryCount))
	if err := h.failed.RecordFailure(ctx, failedThumbnailID(clip.ID), clip.ID, procErr.Error(), nextRetryAt); err != nil {
		return fmt.Errorf("recording failure for clip %s: %w", clip.ID, err)
	}

	h.logger.Warn("thumbnail generation failed", slog.String("clip_id", clip.ID), slog.String("error", procErr.Error()),
		slog.Time("next_retry_at", nextRetryAt))
	return nil
}

// SweepStale finds clips whose thumbnail_status is still pending or
// processing after staleAfterMinutes of no update — almost always a worker
// that claimed the clip and crashed before recording a result — and fails
// them the same way a processing error would, so they re-enter the normal
// retry-backoff schedule instead of sitting stuck forever. It returns the
// number of clips swept.
func (h *Handler) SweepStale(ctx context.Context, staleAfterMinutes int) (int, error) {
	stale, err := h.clips.ListStaleProcessing(ctx, staleAfterMinutes)
	if err != nil {
		return 0, fmt.Errorf("listing stale processing clips: %w", err)
	}

	staleErr := fmt.Errorf("no progress after %d minutes", staleAfterMinutes)
	for _, clip := range stale {
		if err := h.recordFailure(ctx, clip, staleErr); err != nil {
			return 0, fmt.Errorf("sweeping stale clip %s: %w", clip.ID, err)
		}
		h.logger.Warn("swept stale thumbnail job", slog.String("clip_id", clip.ID),
			slog.String("status", string(clip.ThumbnailStatus)))
	}

	return len(stale), nil
}

func failedThumbnailID(clipID string) string {
	return "ft_" + clipID
}

func newID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
