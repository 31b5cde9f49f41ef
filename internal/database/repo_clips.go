package database

import (
	"context"
	"fmt"
	"time"

	"github.com/clipvault/clipvault/internal/models"
)

// ClipRepository provides persistence for clips and their thumbnail status.
type ClipRepository struct {
	db *DB
}

// NewClipRepository constructs a ClipRepository over db.
func NewClipRepository(db *DB) *ClipRepository {
	return &ClipRepository{db: db}
}

// BulkUpsertClips upserts all clips in a single round trip via parameter
// arrays, regardless of batch size. The id is a stable content fingerprint
// (md5 of message_id:channel_id:filename:timestamp_iso), so re-upserting
// the same attachment across retries and batch boundaries rewrites the same
// row instead of adding one (P1 in the dedup contract). On conflict the CDN
// URL, expiry, thumbnail_status and settings_hash are taken from the new value.
func (r *ClipRepository) BulkUpsertClips(ctx context.Context, clips []models.Clip) error {
	if len(clips) == 0 {
		return nil
	}

	ids := make([]string, len(clips))
	messageIDs := make([]string, len(clips))
	guildIDs := make([]string, len(clips))
	channelIDs := make([]string, len(clips))
	authorIDs := make([]string, len(clips))
	filenames := make([]string, len(clips))
	fileSizes := make([]int64, len(clips))
	mimeTypes := make([]string, len(clips))
	cdnURLs := make([]string, len(clips))
	expiresAts := make([]time.Time, len(clips))
	thumbnailStatuses := make([]string, len(clips))
	settingsHashes := make([]string, len(clips))

	for i, c := range clips {
		ids[i] = c.ID
		messageIDs[i] = c.MessageID
		guildIDs[i] = c.GuildID
		channelIDs[i] = c.ChannelID
		authorIDs[i] = c.AuthorID
		filenames[i] = c.Filename
		fileSizes[i] = c.FileSize
		mimeTypes[i] = c.MimeType
		cdnURLs[i] = c.CDNURL
		expiresAts[i] = c.ExpiresAt
		thumbnailStatuses[i] = string(c.ThumbnailStatus)
		settingsHashes[i] = c.SettingsHash
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO clips (id, message_id, guild_id, channel_id, author_id, filename, file_size, mime_type, cdn_url, expires_at, thumbnail_status, settings_hash)
		SELECT * FROM UNNEST(
			$1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::bigint[], $8::text[], $9::text[], $10::timestamptz[], $11::text[], $12::text[]
		)
		ON CONFLICT (id) DO UPDATE SET
			cdn_url = EXCLUDED.cdn_url,
			expires_at = EXCLUDED.expires_at,
			thumbnail_status = EXCLUDED.thumbnail_status,
			settings_hash = EXCLUDED.settings_hash,
			updated_at = now(),
			deleted_at = NULL
	`, ids, messageIDs, guildIDs, channelIDs, authorIDs, filenames, fileSizes, mimeTypes, cdnURLs, expiresAts, thumbnailStatuses, settingsHashes)
	if err != nil {
		return fmt.Errorf("bulk upserting clips: %w", err)
	}
	return nil
}

// GetClip fetches a clip by id.
func (r *ClipRepository) GetClip(ctx context.Context, clipID string) (*models.Clip, error) {
	var c models.Clip
	err := r.db.QueryRow(ctx, `
		SELECT id, message_id, guild_id, channel_id, author_id, filename, file_size, mime_type,
		       cdn_url, expires_at, thumbnail_status, settings_hash, duration, width, height, updated_at, deleted_at
		FROM clips WHERE id = $1
	`, clipID).Scan(&c.ID, &c.MessageID, &c.GuildID, &c.ChannelID, &c.AuthorID, &c.Filename, &c.FileSize,
		&c.MimeType, &c.CDNURL, &c.ExpiresAt, &c.ThumbnailStatus, &c.SettingsHash, &c.Duration, &c.Width, &c.Height, &c.UpdatedAt, &c.DeletedAt)
	if err != nil {
		return nil, fmt.Errorf("fetching clip %s: %w", clipID, err)
	}
	return &c, nil
}

// ListByMessage returns every clip attached to a message, used by the
// message-deletion flow to find thumbnails to remove from the blob store.
func (r *ClipRepository) ListByMessage(ctx context.Context, messageID string) ([]models.Clip, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, message_id, guild_id, channel_id, author_id, filename, file_size, mime_type,
		       cdn_url, expires_at, thumbnail_status, settings_hash, duration, width, height, updated_at, deleted_at
		FROM clips WHERE message_id = $1
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing clips for message %s: %w", messageID, err)
	}
	defer rows.Close()

	var clips []models.Clip
	for rows.Next() {
		var c models.Clip
		if err := rows.Scan(&c.ID, &c.MessageID, &c.GuildID, &c.ChannelID, &c.AuthorID, &c.Filename, &c.FileSize,
			&c.MimeType, &c.CDNURL, &c.ExpiresAt, &c.ThumbnailStatus, &c.SettingsHash, &c.Duration, &c.Width, &c.Height, &c.UpdatedAt, &c.DeletedAt); err != nil {
			return nil, fmt.Errorf("scanning clip row: %w", err)
		}
		clips = append(clips, c)
	}
	return clips, rows.Err()
}

// SetThumbnailStatus transitions a clip's thumbnail_status and, when the
// pipeline has resolved media metadata, its duration/width/height. Every
// transition bumps updated_at, which is what the stale-cleanup sweep keys
// off of to find clips stuck mid-pipeline.
func (r *ClipRepository) SetThumbnailStatus(ctx context.Context, clipID string, status models.ThumbnailStatus, duration *float64, width, height *int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE clips SET thumbnail_status = $2, duration = COALESCE($3, duration),
			width = COALESCE($4, width), height = COALESCE($5, height), updated_at = now()
		WHERE id = $1
	`, clipID, status, duration, width, height)
	if err != nil {
		return fmt.Errorf("setting thumbnail status for clip %s: %w", clipID, err)
	}
	return nil
}

// ListByThumbnailStatus returns up to limit clips with the given status,
// used by the thumbnail handler to find work and by retry sweeps.
func (r *ClipRepository) ListByThumbnailStatus(ctx context.Context, status models.ThumbnailStatus, limit int) ([]models.Clip, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, message_id, guild_id, channel_id, author_id, filename, file_size, mime_type,
		       cdn_url, expires_at, thumbnail_status, settings_hash, duration, width, height, updated_at, deleted_at
		FROM clips WHERE thumbnail_status = $1 AND deleted_at IS NULL
		ORDER BY id LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("listing clips by thumbnail status %s: %w", status, err)
	}
	defer rows.Close()

	var clips []models.Clip
	for rows.Next() {
		var c models.Clip
		if err := rows.Scan(&c.ID, &c.MessageID, &c.GuildID, &c.ChannelID, &c.AuthorID, &c.Filename, &c.FileSize,
			&c.MimeType, &c.CDNURL, &c.ExpiresAt, &c.ThumbnailStatus, &c.SettingsHash, &c.Duration, &c.Width, &c.Height, &c.UpdatedAt, &c.DeletedAt); err != nil {
			return nil, fmt.Errorf("scanning clip row: %w", err)
		}
		clips = append(clips, c)
	}
	return clips, rows.Err()
}

// ListStaleProcessing returns clips stuck in pending or processing whose
// updated_at is older than staleAfterMinutes, for the worker host's
// thumbnail stale-cleanup sweep. A clip can get stuck in pending if the
// worker that claimed it crashed before ever calling SetThumbnailStatus.
func (r *ClipRepository) ListStaleProcessing(ctx context.Context, staleAfterMinutes int) ([]models.Clip, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, message_id, guild_id, channel_id, author_id, filename, file_size, mime_type,
		       cdn_url, expires_at, thumbnail_status, settings_hash, duration, width, height, updated_at, deleted_at
		FROM clips
		WHERE thumbnail_status IN ('pending', 'processing')
		  AND updated_at < now() - make_interval(mins => $1)
		  AND deleted_at IS NULL
	`, staleAfterMinutes)
	if err != nil {
		return nil, fmt.Errorf("listing stale processing clips: %w", err)
	}
	defer rows.Close()

	var clips []models.Clip
	for rows.Next() {
		var c models.Clip
		if err := rows.Scan(&c.ID, &c.MessageID, &c.GuildID, &c.ChannelID, &c.AuthorID, &c.Filename, &c.FileSize,
			&c.MimeType, &c.CDNURL, &c.ExpiresAt, &c.ThumbnailStatus, &c.SettingsHash, &c.Duration, &c.Width, &c.Height, &c.UpdatedAt, &c.DeletedAt); err != nil {
			return nil, fmt.Errorf("scanning clip row: %w", err)
		}
		clips = append(clips, c)
	}
	return clips, rows.Err()
}

// PurgeChannel hard-deletes all clip/thumbnail/message/scan-status data for
// a channel, without deleting the channel row itself.
func (r *ClipRepository) PurgeChannel(ctx context.Context, channelID string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("purging channel %s: %w", channelID, err)
	}
	defer tx.Rollback(ctx)

	stmts := []string{
		`DELETE FROM thumbnails WHERE clip_id IN (SELECT id FROM clips WHERE channel_id = $1)`,
		`DELETE FROM failed_thumbnails WHERE clip_id IN (SELECT id FROM clips WHERE channel_id = $1)`,
		`DELETE FROM clips WHERE channel_id = $1`,
		`DELETE FROM messages WHERE channel_id = $1`,
		`DELETE FROM channel_scan_status WHERE channel_id = $1`,
		`DELETE FROM channel_settings WHERE channel_id = $1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt, channelID); err != nil {
			return fmt.Errorf("purging channel %s: %w", channelID, err)
		}
	}

	return tx.Commit(ctx)
}

// PurgeGuild hard-deletes all data for a guild and soft-deletes the guild
// row.
func (r *ClipRepository) PurgeGuild(ctx context.Context, guildID string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("purging guild %s: %w", guildID, err)
	}
	defer tx.Rollback(ctx)

	stmts := []string{
		`DELETE FROM thumbnails WHERE clip_id IN (SELECT id FROM clips WHERE guild_id = $1)`,
		`DELETE FROM failed_thumbnails WHERE clip_id IN (SELECT id FROM clips WHERE guild_id = $1)`,
		`DELETE FROM clips WHERE guild_id = $1`,
		`DELETE FROM messages WHERE guild_id = $1`,
		`DELETE FROM channel_settings WHERE channel_id IN (SELECT id FROM channels WHERE guild_id = $1)`,
		`DELETE FROM channel_scan_status WHERE guild_id = $1`,
		`DELETE FROM guild_settings WHERE guild_id = $1`,
		`DELETE FROM authors WHERE guild_id = $1`,
		`DELETE FROM channels WHERE guild_id = $1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt, guildID); err != nil {
			return fmt.Errorf("purging guild %s: %w", guildID, err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE guilds SET deleted_at = now() WHERE id = $1`, guildID); err != nil {
		return fmt.Errorf("soft-deleting guild %s: %w", guildID, err)
	}

	return tx.Commit(ctx)
}
