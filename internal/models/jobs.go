package models

import "time"

// JobType discriminates the job body variants carried over the stream
// queue. Every job body embeds BaseJob and is tagged with its JobType in
// the "type" JSON field.
type JobType string

const (
	JobTypeBatch            JobType = "batch"
	JobTypeMessage          JobType = "message"
	JobTypeRescan           JobType = "rescan"
	JobTypeThumbnailRetry   JobType = "thumbnail_retry"
	JobTypeMessageDeletion  JobType = "message_deletion"
	JobTypePurgeChannel     JobType = "purge_channel"
	JobTypePurgeGuild       JobType = "purge_guild"
)

// BaseJob carries the fields common to every job body.
type BaseJob struct {
	Type      JobType   `json:"type"`
	JobID     string    `json:"job_id"`
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BatchScanJob drives one page of a channel history walk through the Scan
// Scheduler. Continuation jobs are the same shape with an updated cursor.
type BatchScanJob struct {
	BaseJob
	Direction       Direction    `json:"direction"`
	Limit           int          `json:"limit"`
	BeforeMessageID *string      `json:"before_message_id,omitempty"`
	AfterMessageID  *string      `json:"after_message_id,omitempty"`
	AutoContinue    bool         `json:"auto_continue"`
	Rescan          RescanPolicy `json:"rescan"`
}

// MessageScanJob processes a fixed, explicit list of message ids, bypassing
// the scan scheduler's paging (used for single-message re-ingestion, e.g.
// an edit that now carries a new attachment).
type MessageScanJob struct {
	BaseJob
	MessageIDs []string `json:"message_ids"`
}

// RescanJob requests a wide rescan of a channel; the worker upgrades it to
// a BatchScanJob covering the full history.
type RescanJob struct {
	BaseJob
	Reason           string `json:"reason"`
	ResetScanStatus  bool   `json:"reset_scan_status"`
}

// ThumbnailRetryJob drives a batch of FailedThumbnail retries, either an
// explicit clip-id list or (when empty) the next due batch.
type ThumbnailRetryJob struct {
	BaseJob
	ClipIDs []string `json:"clip_ids,omitempty"`
}

// MessageDeletionJob hard-deletes a single message and its clips/thumbnails,
// mirroring a platform message-delete event.
type MessageDeletionJob struct {
	BaseJob
	MessageID string `json:"message_id"`
}

// PurgeChannelJob deletes all clip/message/scan-status data for a channel
// without deleting the Channel row itself.
type PurgeChannelJob struct {
	BaseJob
}

// PurgeGuildJob deletes all data for a guild, soft-deletes it, and leaves
// the platform guild via the chat client.
type PurgeGuildJob struct {
	BaseJob
}
