package database

import (
	"context"
	"fmt"
	"time"

	"github.com/clipvault/clipvault/internal/models"
)

// ChannelRepository provides persistence for channels within a guild.
type ChannelRepository struct {
	db *DB
}

// NewChannelRepository constructs a ChannelRepository over db.
func NewChannelRepository(db *DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// UpsertChannelsForGuild inserts or updates the given channel snapshots for
// guildID. Re-observing a channel clears deleted_at (soft-undelete).
func (r *ChannelRepository) UpsertChannelsForGuild(ctx context.Context, guildID string, channels []models.Channel) error {
	if len(channels) == 0 {
		return nil
	}

	ids := make([]string, len(channels))
	names := make([]string, len(channels))
	types := make([]string, len(channels))
	positions := make([]int32, len(channels))
	parents := make([]*string, len(channels))
	nsfw := make([]bool, len(channels))

	for i, c := range channels {
		ids[i] = c.ID
		names[i] = c.Name
		types[i] = string(c.Type)
		positions[i] = int32(c.Position)
		parents[i] = c.ParentID
		nsfw[i] = c.NSFW
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO channels (id, guild_id, name, type, position, parent_id, nsfw)
		SELECT unnest($2::text[]), $1, unnest($3::text[]), unnest($4::text[]),
		       unnest($5::int[]), unnest($6::text[]), unnest($7::bool[])
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			position = EXCLUDED.position,
			parent_id = EXCLUDED.parent_id,
			nsfw = EXCLUDED.nsfw,
			deleted_at = NULL
	`, guildID, ids, names, types, positions, parents, nsfw)
	if err != nil {
		return fmt.Errorf("upserting channels for guild %s: %w", guildID, err)
	}
	return nil
}

// SoftDeleteChannel marks a channel as deleted without deleting its history.
func (r *ChannelRepository) SoftDeleteChannel(ctx context.Context, channelID string) error {
	_, err := r.db.Exec(ctx, `UPDATE channels SET deleted_at = now() WHERE id = $1`, channelID)
	if err != nil {
		return fmt.Errorf("soft-deleting channel %s: %w", channelID, err)
	}
	return nil
}

// SetMessageScanEnabled toggles message scanning for a channel.
func (r *ChannelRepository) SetMessageScanEnabled(ctx context.Context, channelID string, enabled bool) error {
	_, err := r.db.Exec(ctx, `UPDATE channels SET message_scan_enabled = $2 WHERE id = $1`, channelID, enabled)
	if err != nil {
		return fmt.Errorf("setting message_scan_enabled for channel %s: %w", channelID, err)
	}
	return nil
}

// SetPurgeCooldown stamps a channel's purge_cooldown to the given instant,
// or clears it when cooldown is nil.
func (r *ChannelRepository) SetPurgeCooldown(ctx context.Context, channelID string, cooldown *time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE channels SET purge_cooldown = $2 WHERE id = $1`, channelID, cooldown)
	if err != nil {
		return fmt.Errorf("setting purge cooldown for channel %s: %w", channelID, err)
	}
	return nil
}

// GetChannel fetches a channel by id, joined against its guild for the
// ScanEligible gate.
func (r *ChannelRepository) GetChannel(ctx context.Context, channelID string) (*models.Channel, *models.Guild, error) {
	var c models.Channel
	var g models.Guild
	err := r.db.QueryRow(ctx, `
		SELECT c.id, c.guild_id, c.name, c.type, c.position, c.parent_id, c.nsfw,
		       c.message_scan_enabled, c.purge_cooldown, c.deleted_at,
		       g.id, g.name, g.icon, g.owner_user_id, g.message_scan_enabled, g.last_message_scan_at, g.deleted_at
		FROM channels c JOIN guilds g ON g.id = c.guild_id
		WHERE c.id = $1
	`, channelID).Scan(
		&c.ID, &c.GuildID, &c.Name, &c.Type, &c.Position, &c.ParentID, &c.NSFW,
		&c.MessageScanEnabled, &c.PurgeCooldown, &c.DeletedAt,
		&g.ID, &g.Name, &g.Icon, &g.OwnerUserID, &g.MessageScanEnabled, &g.LastMessageScanAt, &g.DeletedAt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching channel %s: %w", channelID, err)
	}
	return &c, &g, nil
}

// ListScanEligibleChannels returns channels in guildID eligible for
// scanning per Channel.ScanEligible.
func (r *ChannelRepository) ListScanEligibleChannels(ctx context.Context, guildID string) ([]models.Channel, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.id, c.guild_id, c.name, c.type, c.position, c.parent_id, c.nsfw,
		       c.message_scan_enabled, c.purge_cooldown, c.deleted_at
		FROM channels c JOIN guilds g ON g.id = c.guild_id
		WHERE c.guild_id = $1 AND c.deleted_at IS NULL AND g.deleted_at IS NULL
		  AND g.message_scan_enabled AND c.message_scan_enabled AND c.type != 'category'
	`, guildID)
	if err != nil {
		return nil, fmt.Errorf("listing scan-eligible channels for guild %s: %w", guildID, err)
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var c models.Channel
		if err := rows.Scan(&c.ID, &c.GuildID, &c.Name, &c.Type, &c.Position, &c.ParentID, &c.NSFW,
			&c.MessageScanEnabled, &c.PurgeCooldown, &c.DeletedAt); err != nil {
			return nil, fmt.Errorf("scanning channel row: %w", err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}
