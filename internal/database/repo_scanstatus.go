package database

import (
	"context"
	"fmt"

	"github.com/clipvault/clipvault/internal/models"
)

// ScanStatusRepository provides persistence for per-channel scan progress.
type ScanStatusRepository struct {
	db *DB
}

// NewScanStatusRepository constructs a ScanStatusRepository over db.
func NewScanStatusRepository(db *DB) *ScanStatusRepository {
	return &ScanStatusRepository{db: db}
}

// GetOrCreate returns the scan status row for channelID, creating a fresh
// queued row (first scan) if none exists yet.
func (r *ScanStatusRepository) GetOrCreate(ctx context.Context, guildID, channelID string) (*models.ChannelScanStatus, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO channel_scan_status (guild_id, channel_id, status)
		VALUES ($1, $2, 'queued')
		ON CONFLICT (channel_id) DO NOTHING
	`, guildID, channelID)
	if err != nil {
		return nil, fmt.Errorf("creating scan status for channel %s: %w", channelID, err)
	}
	return r.Get(ctx, channelID)
}

// Get fetches the scan status row for channelID.
func (r *ScanStatusRepository) Get(ctx context.Context, channelID string) (*models.ChannelScanStatus, error) {
	var s models.ChannelScanStatus
	err := r.db.QueryRow(ctx, `
		SELECT guild_id, channel_id, status, forward_message_id, backward_message_id,
		       message_count, total_messages_scanned, error_message, updated_at
		FROM channel_scan_status WHERE channel_id = $1
	`, channelID).Scan(&s.GuildID, &s.ChannelID, &s.Status, &s.ForwardMessageID, &s.BackwardMessageID,
		&s.MessageCount, &s.TotalMessagesScanned, &s.ErrorMessage, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("fetching scan status for channel %s: %w", channelID, err)
	}
	return &s, nil
}

// TransitionRunning marks a channel's scan status running, clearing any
// previous error.
func (r *ScanStatusRepository) TransitionRunning(ctx context.Context, channelID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE channel_scan_status SET status = 'running', error_message = NULL, updated_at = now()
		WHERE channel_id = $1
	`, channelID)
	if err != nil {
		return fmt.Errorf("transitioning channel %s to running: %w", channelID, err)
	}
	return nil
}

// RecordPage advances the continuation cursors and counters after
// processing one history page, per the forward/backward walk rules.
func (r *ScanStatusRepository) RecordPage(ctx context.Context, channelID string, dir models.Direction, newestID, oldestID *string, count int64) error {
	var setClause string
	switch dir {
	case models.DirectionBackward:
		setClause = `backward_message_id = $2, forward_message_id = COALESCE(forward_message_id, $3)`
	case models.DirectionForward:
		setClause = `forward_message_id = $2, backward_message_id = COALESCE(backward_message_id, $3)`
	default:
		return fmt.Errorf("recording page for channel %s: unknown direction %q", channelID, dir)
	}

	query := fmt.Sprintf(`
		UPDATE channel_scan_status SET
			%s,
			message_count = message_count + $4,
			total_messages_scanned = total_messages_scanned + $4,
			updated_at = now()
		WHERE channel_id = $1
	`, setClause)

	cursor := oldestID
	if dir == models.DirectionForward {
		cursor = newestID
	}
	other := newestID
	if dir == models.DirectionForward {
		other = oldestID
	}

	_, err := r.db.Exec(ctx, query, channelID, cursor, other, count)
	if err != nil {
		return fmt.Errorf("recording page for channel %s: %w", channelID, err)
	}
	return nil
}

// Complete transitions the channel's scan status to a terminal state.
func (r *ScanStatusRepository) Complete(ctx context.Context, channelID string, status models.ScanStatus, errMsg *string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE channel_scan_status SET status = $2, error_message = $3, updated_at = now()
		WHERE channel_id = $1
	`, channelID, status, errMsg)
	if err != nil {
		return fmt.Errorf("completing scan status for channel %s: %w", channelID, err)
	}
	return nil
}

// ResetForRescan clears the continuation cursors so the next batch job walks
// history from the beginning again.
func (r *ScanStatusRepository) ResetForRescan(ctx context.Context, channelID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE channel_scan_status SET
			status = 'queued', forward_message_id = NULL, backward_message_id = NULL,
			error_message = NULL, updated_at = now()
		WHERE channel_id = $1
	`, channelID)
	if err != nil {
		return fmt.Errorf("resetting scan status for channel %s: %w", channelID, err)
	}
	return nil
}

// ListRunningByGuild returns every scan status currently running for
// guildID, used by the guild-purge flow to cancel in-flight scans.
func (r *ScanStatusRepository) ListRunningByGuild(ctx context.Context, guildID string) ([]models.ChannelScanStatus, error) {
	rows, err := r.db.Query(ctx, `
		SELECT guild_id, channel_id, status, forward_message_id, backward_message_id,
		       message_count, total_messages_scanned, error_message, updated_at
		FROM channel_scan_status WHERE guild_id = $1 AND status = 'running'
	`, guildID)
	if err != nil {
		return nil, fmt.Errorf("listing running scans for guild %s: %w", guildID, err)
	}
	defer rows.Close()

	var statuses []models.ChannelScanStatus
	for rows.Next() {
		var s models.ChannelScanStatus
		if err := rows.Scan(&s.GuildID, &s.ChannelID, &s.Status, &s.ForwardMessageID, &s.BackwardMessageID,
			&s.MessageCount, &s.TotalMessagesScanned, &s.ErrorMessage, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning running scan row: %w", err)
		}
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}

// ListStale returns scan statuses stuck in running or queued for longer
// than staleAfterMinutes, for the worker host's stale-scan recovery loop. A
// scan can get stuck in queued if it was never picked up by a worker, so
// both states are eligible for recovery.
func (r *ScanStatusRepository) ListStale(ctx context.Context, staleAfterMinutes int) ([]models.ChannelScanStatus, error) {
	rows, err := r.db.Query(ctx, `
		SELECT guild_id, channel_id, status, forward_message_id, backward_message_id,
		       message_count, total_messages_scanned, error_message, updated_at
		FROM channel_scan_status
		WHERE status IN ('running', 'queued') AND updated_at < now() - make_interval(mins => $1)
	`, staleAfterMinutes)
	if err != nil {
		return nil, fmt.Errorf("listing stale scans: %w", err)
	}
	defer rows.Close()

	var statuses []models.ChannelScanStatus
	for rows.Next() {
		var s models.ChannelScanStatus
		if err := rows.Scan(&s.GuildID, &s.ChannelID, &s.Status, &s.ForwardMessageID, &s.BackwardMessageID,
			&s.MessageCount, &s.TotalMessagesScanned, &s.ErrorMessage, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning stale scan row: %w", err)
		}
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}
