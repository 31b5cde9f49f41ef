// Package scanscheduler drives the per-channel history-walk FSM: batch
// scan jobs page through a channel's messages, track continuation cursors,
// and self-queue their own follow-up job until the walk is exhausted or a
// rescan policy stops it early. It also handles the targeted job types
// that bypass paging (single-message re-ingestion, message deletion) and
// the purge flows that tear a channel or guild's data down.
package scanscheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipvault/clipvault/internal/batchprocessor"
	"github.com/clipvault/clipvault/internal/blobstore"
	"github.com/clipvault/clipvault/internal/database"
	"github.com/clipvault/clipvault/internal/discordclient"
	"github.com/clipvault/clipvault/internal/jobqueue"
	"github.com/clipvault/clipvault/internal/metrics"
	"github.com/clipvault/clipvault/internal/models"
	"github.com/clipvault/clipvault/internal/thumbnail"
)

// rescanFullHistoryLimit is the page size a rescan job requests, larger
// than an ordinary batch scan since rescans intentionally cover more
// ground per job.
const rescanFullHistoryLimit = 1000

// Scheduler coordinates the scan/purge job family against the chat
// platform, the database, and the blob store.
type Scheduler struct {
	discord       *discordclient.Client
	guilds        *database.GuildRepository
	channels      *database.ChannelRepository
	scanStatus    *database.ScanStatusRepository
	messages      *database.MessageRepository
	clips         *database.ClipRepository
	thumbs        *database.ThumbnailRepository
	failed        *database.FailedThumbnailRepository
	store         blobstore.Store
	batch         *batchprocessor.Processor
	thumbHandler  *thumbnail.Handler
	queue         *jobqueue.Queue
	purgeCooldown time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// New constructs a Scheduler. m may be nil, in which case scan-page counts
// are not recorded.
func New(
	discord *discordclient.Client,
	guilds *database.GuildRepository,
	channels *database.ChannelRepository,
	scanStatus *database.ScanStatusRepository,
	messages *database.MessageRepository,
	clips *database.ClipRepository,
	thumbs *database.ThumbnailRepository,
	failed *database.FailedThumbnailRepository,
	store blobstore.Store,
	batch *batchprocessor.Processor,
	thumbHandler *thumbnail.Handler,
	queue *jobqueue.Queue,
	purgeCooldown time.Duration,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		discord: discord, guilds: guilds, channels: channels, scanStatus: scanStatus,
		messages: messages, clips: clips, thumbs: thumbs, failed: failed, store: store,
		batch: batch, thumbHandler: thumbHandler, queue: queue, purgeCooldown: purgeCooldown,
		metrics: m, logger: logger,
	}
}

// fail transitions a channel's scan status to failed/cancelled with a
// message and logs at the appropriate level.
func (s *Scheduler) fail(ctx context.Context, channelID string, status models.ScanStatus, msg string) error {
	if status == models.ScanStatusFailed {
		s.logger.Error("scan failed", slog.String("channel_id", channelID), slog.String("error", msg))
	} else {
		s.logger.Warn("scan "+string(status), slog.String("channel_id", channelID), slog.String("reason", msg))
	}
	return s.scanStatus.Complete(ctx, channelID, status, &msg)
}

// ProcessBatchScan runs one page of a channel history walk: validate scan
// is enabled, fetch one page, filter by rescan policy, hand surviving
// messages to the batch processor, advance cursors, and self-queue a
// continuation job if the page was full and nothing stopped it.
func (s *Scheduler) ProcessBatchScan(ctx context.Context, job models.BatchScanJob) error {
	if _, err := s.scanStatus.GetOrCreate(ctx, job.GuildID, job.ChannelID); err != nil {
		return fmt.Errorf("batch scan for channel %s: %w", job.ChannelID, err)
	}

	channel, guild, err := s.channels.GetChannel(ctx, job.ChannelID)
	if err != nil || !channel.ScanEligible(*guild) {
		reason := "channel or guild scanning disabled"
		if err != nil {
			reason = "channel not found in database"
		}
		return s.fail(ctx, job.ChannelID, models.ScanStatusCancelled, reason)
	}

	if err := s.scanStatus.TransitionRunning(ctx, job.ChannelID); err != nil {
		return fmt.Errorf("batch scan for channel %s: %w", job.ChannelID, err)
	}

	before, after := "", ""
	if job.BeforeMessageID != nil {
		before = *job.BeforeMessageID
	}
	if job.AfterMessageID != nil {
		after = *job.AfterMessageID
	}

	msgs, err := s.discord.History(ctx, job.ChannelID, job.Limit, before, after, string(job.Direction))
	if err != nil {
		switch err.(type) {
		case *discordclient.Forbidden:
			return s.fail(ctx, job.ChannelID, models.ScanStatusFailed, "bot does not have permission to read message history in this channel")
		default:
			return s.fail(ctx, job.ChannelID, models.ScanStatusFailed, fmt.Sprintf("chat platform API error reading history: %v", err))
		}
	}

	s.logger.Info("fetched history page", slog.String("channel_id", job.ChannelID), slog.Int("count", len(msgs)))

	toProcess, stoppedOnDuplicate, err := s.applyRescanPolicy(ctx, job.ChannelID, job.Rescan, msgs)
	if err != nil {
		return s.fail(ctx, job.ChannelID, models.ScanStatusFailed, err.Error())
	}

	result, err := s.batch.Process(ctx, job.GuildID, job.ChannelID, toProcess, job.Rescan)
	if err != nil {
		return s.fail(ctx, job.ChannelID, models.ScanStatusFailed, err.Error())
	}

	if len(msgs) > 0 {
		newestID, oldestID := msgs[0].ID, msgs[len(msgs)-1].ID
		if err := s.scanStatus.RecordPage(ctx, job.ChannelID, job.Direction, &newestID, &oldestID, int64(len(toProcess))); err != nil {
			return fmt.Errorf("batch scan for channel %s: %w", job.ChannelID, err)
		}
		s.metrics.IncScanPage(string(job.Direction))
	}

	continuationNeeded := len(msgs) >= job.Limit && !stoppedOnDuplicate
	if continuationNeeded && job.AutoContinue && s.queue != nil {
		if err := s.queueContinuation(ctx, job, msgs); err != nil {
			return fmt.Errorf("batch scan for channel %s: %w", job.ChannelID, err)
		}
		return s.scanStatus.Complete(ctx, job.ChannelID, models.ScanStatusRunning, nil)
	}

	s.logger.Info("batch scan page complete",
		slog.String("channel_id", job.ChannelID), slog.Int("processed", len(toProcess)),
		slog.Int("clips_found", result.ClipsFound), slog.Int("thumbnails_generated", result.ThumbnailsGenerated))
	return s.scanStatus.Complete(ctx, job.ChannelID, models.ScanStatusSucceeded, nil)
}

// applyRescanPolicy filters msgs against already-persisted message ids per
// the job's rescan policy, reporting whether a "stop" policy halted
// continuation because it hit previously-scanned messages.
func (s *Scheduler) applyRescanPolicy(ctx context.Context, channelID string, policy models.RescanPolicy, msgs []discordclient.Message) ([]discordclient.Message, bool, error) {
	if len(msgs) == 0 {
		return msgs, false, nil
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	existing, err := s.messages.ExistingMessageIDs(ctx, channelID, ids)
	if err != nil {
		return nil, false, fmt.Errorf("checking existing messages: %w", err)
	}
	if len(existing) == 0 {
		return msgs, false, nil
	}

	switch policy {
	case models.RescanUpdate:
		return msgs, false, nil
	case models.RescanContinue:
		return filterExisting(msgs, existing), false, nil
	default:
		filtered := filterExisting(msgs, existing)
		return filtered, len(filtered) < len(msgs), nil
	}
}

func filterExisting(msgs []discordclient.Message, existing map[string]bool) []discordclient.Message {
	out := make([]discordclient.Message, 0, len(msgs))
	for _, m := range msgs {
		if !existing[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// queueContinuation appends a follow-up BatchScanJob carrying the advanced
// cursor for the walk direction.
func (s *Scheduler) queueContinuation(ctx context.Context, job models.BatchScanJob, msgs []discordclient.Message) error {
	next := job
	next.CreatedAt = job.CreatedAt
	if job.Direction == models.DirectionBackward {
		oldest := msgs[len(msgs)-1].ID
		next.BeforeMessageID = &oldest
	} else {
		newest := msgs[len(msgs)-1].ID
		next.AfterMessageID = &newest
	}

	fields, err := jobqueue.EncodeJob(next)
	if err != nil {
		return err
	}
	fields["guild_id"] = job.GuildID
	fields["channel_id"] = job.ChannelID
	fields["job_type"] = string(models.JobTypeBatch)
	fields["job_id"] = job.JobID

	if _, err := s.queue.Append(ctx, job.GuildID, string(models.JobTypeBatch), fields); err != nil {
		return fmt.Errorf("queueing continuation for channel %s: %w", job.ChannelID, err)
	}
	return nil
}

// ProcessMessageScan processes an explicit list of message ids (real-time
// ingestion from a platform message-create event), bypassing paging.
func (s *Scheduler) ProcessMessageScan(ctx context.Context, job models.MessageScanJob) error {
	channel, guild, err := s.channels.GetChannel(ctx, job.ChannelID)
	if err != nil || !channel.ScanEligible(*guild) {
		s.logger.Debug("scan disabled, skipping message scan job", slog.String("channel_id", job.ChannelID))
		return nil
	}

	var msgs []discordclient.Message
	for _, id := range job.MessageIDs {
		m, err := s.discord.FetchMessage(ctx, job.ChannelID, id)
		if err != nil {
			s.logger.Error("failed to fetch message", slog.String("message_id", id), slog.String("error", err.Error()))
			continue
		}
		msgs = append(msgs, *m)
	}

	if len(msgs) == 0 {
		return nil
	}

	result, err := s.batch.Process(ctx, job.GuildID, job.ChannelID, msgs, models.RescanUpdate)
	if err != nil {
		return fmt.Errorf("message scan for channel %s: %w", job.ChannelID, err)
	}

	newest := msgs[0].ID
	for _, m := range msgs[1:] {
		if m.ID > newest {
			newest = m.ID
		}
	}
	status, err := s.scanStatus.GetOrCreate(ctx, job.GuildID, job.ChannelID)
	if err == nil && (status.ForwardMessageID == nil || newest > *status.ForwardMessageID) {
		if err := s.scanStatus.RecordPage(ctx, job.ChannelID, models.DirectionForward, &newest, &newest, 0); err != nil {
			s.logger.Warn("failed to advance forward cursor after message scan", slog.String("channel_id", job.ChannelID), slog.String("error", err.Error()))
		}
	}

	s.logger.Info("message scan complete", slog.String("channel_id", job.ChannelID),
		slog.Int("processed", len(msgs)), slog.Int("clips_found", result.ClipsFound))
	return nil
}

// ProcessRescan upgrades a rescan request into a full backward batch scan.
func (s *Scheduler) ProcessRescan(ctx context.Context, job models.RescanJob) error {
	s.logger.Info("processing rescan", slog.String("channel_id", job.ChannelID), slog.String("reason", job.Reason))

	if job.ResetScanStatus {
		if err := s.scanStatus.ResetForRescan(ctx, job.ChannelID); err != nil {
			return fmt.Errorf("rescan for channel %s: %w", job.ChannelID, err)
		}
	}

	return s.ProcessBatchScan(ctx, models.BatchScanJob{
		BaseJob:      job.BaseJob,
		Direction:    models.DirectionBackward,
		Limit:        rescanFullHistoryLimit,
		AutoContinue: true,
		Rescan:       models.RescanUpdate,
	})
}

// ProcessThumbnailRetry re-runs thumbnail generation for an explicit clip
// list, or (when none given) the next batch of due FailedThumbnail rows.
func (s *Scheduler) ProcessThumbnailRetry(ctx context.Context, job models.ThumbnailRetryJob) (int, error) {
	var clips []models.Clip

	if len(job.ClipIDs) > 0 {
		for _, id := range job.ClipIDs {
			c, err := s.clips.GetClip(ctx, id)
			if err != nil {
				s.logger.Warn("thumbnail retry: clip not found", slog.String("clip_id", id))
				continue
			}
			clips = append(clips, *c)
		}
	} else {
		due, err := s.failed.ListDue(ctx, 10)
		if err != nil {
			return 0, fmt.Errorf("listing due thumbnail retries: %w", err)
		}
		for _, f := range due {
			c, err := s.clips.GetClip(ctx, f.ClipID)
			if err != nil {
				continue
			}
			clips = append(clips, *c)
		}
	}

	success := 0
	for _, c := range clips {
		if err := s.thumbHandler.Process(ctx, c); err != nil {
			s.logger.Warn("thumbnail retry failed", slog.String("clip_id", c.ID), slog.String("error", err.Error()))
			continue
		}
		success++
	}
	s.logger.Info("thumbnail retry complete", slog.Int("succeeded", success), slog.Int("attempted", len(clips)))
	return success, nil
}

// ProcessMessageDeletion hard-deletes a message and its clips/thumbnails
// (both the DB rows and the blob store artifacts), mirroring a platform
// message-delete event. Deletions are permanent since the CDN URL is lost
// once the platform drops the message.
func (s *Scheduler) ProcessMessageDeletion(ctx context.Context, job models.MessageDeletionJob) error {
	clips, err := s.clips.ListByMessage(ctx, job.MessageID)
	if err != nil {
		return fmt.Errorf("message deletion for %s: %w", job.MessageID, err)
	}

	for _, c := range clips {
		paths, err := s.thumbs.ListStoragePathsByClip(ctx, c.ID)
		if err != nil {
			continue
		}
		s.deleteBlobs(ctx, paths)
	}

	if err := s.messages.HardDeleteMessage(ctx, job.MessageID); err != nil {
		return fmt.Errorf("message deletion for %s: %w", job.MessageID, err)
	}

	s.logger.Info("message deletion complete", slog.String("message_id", job.MessageID), slog.Int("clips", len(clips)))
	return nil
}

// ProcessPurgeChannel stops any active scan, deletes all blob thumbnails,
// hard-deletes the channel's clip/message/scan data, and sets a purge
// cooldown on the channel.
func (s *Scheduler) ProcessPurgeChannel(ctx context.Context, job models.PurgeChannelJob) error {
	if err := s.stopChannelScan(ctx, job.ChannelID); err != nil {
		s.logger.Warn("failed to stop scan before channel purge", slog.String("channel_id", job.ChannelID), slog.String("error", err.Error()))
	}

	paths, err := s.thumbs.ListStoragePathsByChannel(ctx, job.ChannelID)
	if err != nil {
		return fmt.Errorf("purging channel %s: %w", job.ChannelID, err)
	}
	s.deleteBlobs(ctx, paths)

	if err := s.clips.PurgeChannel(ctx, job.ChannelID); err != nil {
		return fmt.Errorf("purging channel %s: %w", job.ChannelID, err)
	}

	var cooldown *time.Time
	if s.purgeCooldown > 0 {
		until := time.Now().Add(s.purgeCooldown)
		cooldown = &until
	}
	if err := s.channels.SetPurgeCooldown(ctx, job.ChannelID, cooldown); err != nil {
		s.logger.Warn("failed to set purge cooldown", slog.String("channel_id", job.ChannelID), slog.String("error", err.Error()))
	}

	s.logger.Info("channel purge complete", slog.String("channel_id", job.ChannelID), slog.Int("files_deleted", len(paths)))
	return nil
}

// ProcessPurgeGuild stops all active scans, deletes all blob thumbnails,
// hard-deletes the guild's data, soft-deletes the guild row, and leaves the
// guild via the chat client.
func (s *Scheduler) ProcessPurgeGuild(ctx context.Context, job models.PurgeGuildJob) error {
	guild, err := s.guilds.GetGuild(ctx, job.GuildID)
	if err == nil && guild.DeletedAt != nil {
		s.logger.Info("guild already purged, skipping", slog.String("guild_id", job.GuildID))
		return nil
	}

	if err := s.stopGuildScans(ctx, job.GuildID); err != nil {
		s.logger.Warn("failed to stop scans before guild purge", slog.String("guild_id", job.GuildID), slog.String("error", err.Error()))
	}

	paths, err := s.thumbs.ListStoragePathsByGuild(ctx, job.GuildID)
	if err != nil {
		return fmt.Errorf("purging guild %s: %w", job.GuildID, err)
	}
	s.deleteBlobs(ctx, paths)

	if err := s.clips.PurgeGuild(ctx, job.GuildID); err != nil {
		return fmt.Errorf("purging guild %s: %w", job.GuildID, err)
	}

	if err := s.discord.LeaveGuild(ctx, job.GuildID); err != nil {
		s.logger.Error("failed to leave guild after purge", slog.String("guild_id", job.GuildID), slog.String("error", err.Error()))
	}

	s.logger.Info("guild purge complete", slog.String("guild_id", job.GuildID), slog.Int("files_deleted", len(paths)))
	return nil
}

func (s *Scheduler) deleteBlobs(ctx context.Context, paths []string) {
	for _, p := range paths {
		if err := s.store.Delete(ctx, p); err != nil {
			s.logger.Warn("failed to delete thumbnail file", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}

func (s *Scheduler) stopChannelScan(ctx context.Context, channelID string) error {
	status, err := s.scanStatus.Get(ctx, channelID)
	if err != nil {
		return nil
	}
	if status.Status != models.ScanStatusRunning {
		return nil
	}
	msg := "scan stopped due to channel purge"
	return s.scanStatus.Complete(ctx, channelID, models.ScanStatusCancelled, &msg)
}

func (s *Scheduler) stopGuildScans(ctx context.Context, guildID string) error {
	running, err := s.scanStatus.ListRunningByGuild(ctx, guildID)
	if err != nil {
		return err
	}
	msg := "scan stopped due to guild purge"
	for _, r := range running {
		if err := s.scanStatus.Complete(ctx, r.ChannelID, models.ScanStatusCancelled, &msg); err != nil {
			s.logger.Warn("failed to stop scan for channel", slog.String("channel_id", r.ChannelID), slog.String("error", err.Error()))
		}
	}
	if len(running) > 0 {
		s.logger.Info("stopped active scans for guild purge", slog.String("guild_id", guildID), slog.Int("count", len(running)))
	}
	return nil
}
