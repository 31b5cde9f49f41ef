package database

import (
	"context"
	"fmt"

	"github.com/clipvault/clipvault/internal/models"
)

// GuildRepository provides persistence for guilds, keyed by the chat
// platform's guild id.
type GuildRepository struct {
	db *DB
}

// NewGuildRepository constructs a GuildRepository over db.
func NewGuildRepository(db *DB) *GuildRepository {
	return &GuildRepository{db: db}
}

// UpsertGuilds inserts or updates the given guild snapshots by id. Only
// name, icon, and deleted_at (cleared to null on re-observation) are
// updated on conflict; other fields are left to whatever other write path
// owns them.
func (r *GuildRepository) UpsertGuilds(ctx context.Context, guilds []models.Guild) error {
	if len(guilds) == 0 {
		return nil
	}

	ids := make([]string, len(guilds))
	names := make([]string, len(guilds))
	icons := make([]*string, len(guilds))
	owners := make([]*string, len(guilds))

	for i, g := range guilds {
		ids[i] = g.ID
		names[i] = g.Name
		icons[i] = g.Icon
		owners[i] = g.OwnerUserID
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO guilds (id, name, icon, owner_user_id, message_scan_enabled)
		SELECT * FROM UNNEST($1::text[], $2::text[], $3::text[], $4::text[], ARRAY(SELECT false FROM UNNEST($1::text[])))
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			icon = EXCLUDED.icon,
			deleted_at = NULL
	`, ids, names, icons, owners)
	if err != nil {
		return fmt.Errorf("upserting guilds: %w", err)
	}
	return nil
}

// SoftDeleteGuild marks a guild as deleted and hard-deletes all its channel
// scan statuses, stopping any in-flight scans for the guild.
func (r *GuildRepository) SoftDeleteGuild(ctx context.Context, guildID string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("soft-deleting guild %s: %w", guildID, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE guilds SET deleted_at = now() WHERE id = $1`, guildID); err != nil {
		return fmt.Errorf("soft-deleting guild %s: %w", guildID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM channel_scan_status WHERE guild_id = $1`, guildID); err != nil {
		return fmt.Errorf("clearing scan status for guild %s: %w", guildID, err)
	}

	return tx.Commit(ctx)
}

// GetGuild fetches a guild by id, including soft-deleted rows.
func (r *GuildRepository) GetGuild(ctx context.Context, guildID string) (*models.Guild, error) {
	var g models.Guild
	err := r.db.QueryRow(ctx, `
		SELECT id, name, icon, owner_user_id, message_scan_enabled, last_message_scan_at, deleted_at
		FROM guilds WHERE id = $1
	`, guildID).Scan(&g.ID, &g.Name, &g.Icon, &g.OwnerUserID, &g.MessageScanEnabled, &g.LastMessageScanAt, &g.DeletedAt)
	if err != nil {
		return nil, fmt.Errorf("fetching guild %s: %w", guildID, err)
	}
	return &g, nil
}

// SetMessageScanEnabled toggles message scanning for a guild.
func (r *GuildRepository) SetMessageScanEnabled(ctx context.Context, guildID string, enabled bool) error {
	_, err := r.db.Exec(ctx, `UPDATE guilds SET message_scan_enabled = $2 WHERE id = $1`, guildID, enabled)
	if err != nil {
		return fmt.Errorf("setting message_scan_enabled for guild %s: %w", guildID, err)
	}
	return nil
}

// TouchLastMessageScan stamps last_message_scan_at to now for a guild.
func (r *GuildRepository) TouchLastMessageScan(ctx context.Context, guildID string) error {
	_, err := r.db.Exec(ctx, `UPDATE guilds SET last_message_scan_at = now() WHERE id = $1`, guildID)
	if err != nil {
		return fmt.Errorf("touching last_message_scan_at for guild %s: %w", guildID, err)
	}
	return nil
}
