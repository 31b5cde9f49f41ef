package models

import (
	"time"
)

// ChannelType enumerates the chat-platform channel kinds relevant to
// scanning. Category channels never carry message history and are excluded
// from scan eligibility; voice channels are explicitly eligible.
type ChannelType string

const (
	ChannelTypeText     ChannelType = "text"
	ChannelTypeVoice    ChannelType = "voice"
	ChannelTypeCategory ChannelType = "category"
	ChannelTypeForum    ChannelType = "forum"
)

// ScanStatus is the state of a ChannelScanStatus FSM.
type ScanStatus string

const (
	ScanStatusQueued    ScanStatus = "queued"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusSucceeded ScanStatus = "succeeded"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// ThumbnailStatus is the state of a Clip's thumbnail generation.
type ThumbnailStatus string

const (
	ThumbnailStatusPending    ThumbnailStatus = "pending"
	ThumbnailStatusProcessing ThumbnailStatus = "processing"
	ThumbnailStatusCompleted  ThumbnailStatus = "completed"
	ThumbnailStatusFailed     ThumbnailStatus = "failed"
)

// SizeType distinguishes the two raster sizes a Clip's thumbnails are
// generated at.
type SizeType string

const (
	SizeSmall SizeType = "small"
	SizeLarge SizeType = "large"
)

// RescanPolicy controls how a scan job treats messages already present in
// the database. Modeled as a 3-value string enum per the specification;
// one prototype snapshot types the equivalent field as a bool, which is
// superseded here (see DESIGN.md).
type RescanPolicy string

const (
	RescanStop     RescanPolicy = "stop"
	RescanContinue RescanPolicy = "continue"
	RescanUpdate   RescanPolicy = "update"
)

// Direction is the page-walk direction of a scan job.
type Direction string

const (
	DirectionBackward Direction = "backward"
	DirectionForward  Direction = "forward"
)

// Guild is the owning aggregate for channels. Soft-deleted only, never hard,
// since ownership metadata should remain auditable.
type Guild struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Icon               *string    `json:"icon,omitempty"`
	OwnerUserID        *string    `json:"owner_user_id,omitempty"`
	MessageScanEnabled bool       `json:"message_scan_enabled"`
	LastMessageScanAt  *time.Time `json:"last_message_scan_at,omitempty"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
}

// Channel belongs to a Guild. Scanning is gated by MessageScanEnabled on
// both the channel and its parent guild, and by Type != category.
type Channel struct {
	ID                 string      `json:"id"`
	GuildID            string      `json:"guild_id"`
	Name               string      `json:"name"`
	Type               ChannelType `json:"type"`
	Position           int         `json:"position"`
	ParentID           *string     `json:"parent_id,omitempty"`
	NSFW               bool        `json:"nsfw"`
	MessageScanEnabled bool        `json:"message_scan_enabled"`
	PurgeCooldown      *time.Time  `json:"purge_cooldown,omitempty"`
	DeletedAt          *time.Time  `json:"deleted_at,omitempty"`
}

// ScanEligible reports whether a channel is currently eligible to be
// scanned, given its parent guild. Category channels are never eligible;
// voice channels are.
func (c Channel) ScanEligible(g Guild) bool {
	return g.MessageScanEnabled && c.MessageScanEnabled && c.Type != ChannelTypeCategory
}

// ChannelScanStatus is a one-to-one satellite of Channel tracking the scan
// FSM and bidirectional cursor state. ForwardMessageID is the newest id
// ever observed for the channel; BackwardMessageID is the oldest. Both are
// set together only on the channel's first successful scan.
type ChannelScanStatus struct {
	GuildID              string     `json:"guild_id"`
	ChannelID            string     `json:"channel_id"`
	Status               ScanStatus `json:"status"`
	ForwardMessageID     *string    `json:"forward_message_id,omitempty"`
	BackwardMessageID    *string    `json:"backward_message_id,omitempty"`
	MessageCount         int64      `json:"message_count"`
	TotalMessagesScanned int64      `json:"total_messages_scanned"`
	ErrorMessage         *string    `json:"error_message,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// IsFirstScan reports whether this status has never recorded a page,
// i.e. both cursors are still null.
func (s ChannelScanStatus) IsFirstScan() bool {
	return s.ForwardMessageID == nil && s.BackwardMessageID == nil
}

// Message is a single chat-platform message that produced at least one
// Clip (messages without video attachments are never persisted).
type Message struct {
	ID        string     `json:"id"`
	GuildID   string     `json:"guild_id"`
	ChannelID string     `json:"channel_id"`
	AuthorID  string     `json:"author_id"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Author is a guild-scoped member projection, unique on (UserID, GuildID).
// Distinct guild memberships of the same platform user are distinct rows,
// since nicknames/avatars are per-guild.
type Author struct {
	UserID         string  `json:"user_id"`
	GuildID        string  `json:"guild_id"`
	Username       string  `json:"username"`
	Discriminator  string  `json:"discriminator"`
	AvatarURL      *string `json:"avatar_url,omitempty"`
	Nickname       *string `json:"nickname,omitempty"`
	DisplayName    string  `json:"display_name"`
	GuildAvatarURL *string `json:"guild_avatar_url,omitempty"`
}

// Clip is a single video attachment projected as an addressable artifact.
// ID is a stable content fingerprint: md5(message_id:channel_id:filename:
// timestamp_iso) — never substitute epoch seconds for the ISO string.
type Clip struct {
	ID              string          `json:"id"`
	MessageID       string          `json:"message_id"`
	GuildID         string          `json:"guild_id"`
	ChannelID       string          `json:"channel_id"`
	AuthorID        string          `json:"author_id"`
	Filename        string          `json:"filename"`
	FileSize        int64           `json:"file_size"`
	MimeType        string          `json:"mime_type"`
	CDNURL          string          `json:"cdn_url"`
	ExpiresAt       time.Time       `json:"expires_at"`
	ThumbnailStatus ThumbnailStatus `json:"thumbnail_status"`
	SettingsHash    string          `json:"settings_hash"`
	Duration        *float64        `json:"duration,omitempty"`
	Width           *int            `json:"width,omitempty"`
	Height          *int            `json:"height,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
}

// HasResolution reports whether both Width and Height are already known,
// used to decide whether the media pipeline may fill them in.
func (c Clip) HasResolution() bool {
	return c.Width != nil && c.Height != nil
}

// Thumbnail is one generated raster artifact for a Clip. Unique per
// (ClipID, SizeType).
type Thumbnail struct {
	ID          string   `json:"id"`
	ClipID      string   `json:"clip_id"`
	SizeType    SizeType `json:"size_type"`
	StoragePath string   `json:"storage_path"`
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	FileSize    int64    `json:"file_size"`
	MimeType    string   `json:"mime_type"`
	// Blurhash is a compact placeholder string clients can render while the
	// full thumbnail loads, encoded from the extracted video frame.
	Blurhash string `json:"blurhash"`
}

// FailedThumbnail tracks the exponential-backoff retry schedule for a Clip
// whose thumbnail generation failed. Unique per ClipID.
type FailedThumbnail struct {
	ID              string    `json:"id"`
	ClipID          string    `json:"clip_id"`
	ErrorMessage    string    `json:"error_message"`
	RetryCount      int       `json:"retry_count"`
	LastAttemptedAt time.Time `json:"last_attempted_at"`
	NextRetryAt     time.Time `json:"next_retry_at"`
}

// GuildSettings holds a guild's own settings overrides and the defaults it
// applies to its channels, backing the Settings Resolver merge.
type GuildSettings struct {
	GuildID                string         `json:"guild_id"`
	Settings               map[string]any `json:"settings"`
	DefaultChannelSettings map[string]any `json:"default_channel_settings"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// ChannelSettings holds a single channel's settings overrides, which win
// over the guild's default_channel_settings in the merge.
type ChannelSettings struct {
	ChannelID string         `json:"channel_id"`
	Settings  map[string]any `json:"settings"`
	UpdatedAt time.Time      `json:"updated_at"`
}
