package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clipvault/clipvault/internal/models"
)

// SettingsRepository provides persistence for guild-default and
// channel-override settings blobs, stored as JSONB for schema flexibility.
type SettingsRepository struct {
	db *DB
}

// NewSettingsRepository constructs a SettingsRepository over db.
func NewSettingsRepository(db *DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// GetGuildSettings fetches a guild's settings row, returning an empty
// (zero-value maps) row if none has been written yet.
func (r *SettingsRepository) GetGuildSettings(ctx context.Context, guildID string) (*models.GuildSettings, error) {
	var s models.GuildSettings
	var settingsRaw, defaultsRaw []byte

	err := r.db.QueryRow(ctx, `
		SELECT guild_id, settings, default_channel_settings, updated_at
		FROM guild_settings WHERE guild_id = $1
	`, guildID).Scan(&s.GuildID, &settingsRaw, &defaultsRaw, &s.UpdatedAt)
	if err != nil {
		return &models.GuildSettings{
			GuildID:                guildID,
			Settings:               map[string]any{},
			DefaultChannelSettings: map[string]any{},
		}, nil
	}

	if err := json.Unmarshal(settingsRaw, &s.Settings); err != nil {
		return nil, fmt.Errorf("decoding guild settings for %s: %w", guildID, err)
	}
	if err := json.Unmarshal(defaultsRaw, &s.DefaultChannelSettings); err != nil {
		return nil, fmt.Errorf("decoding default channel settings for %s: %w", guildID, err)
	}
	return &s, nil
}

// UpsertGuildSettings writes a guild's settings blob.
func (r *SettingsRepository) UpsertGuildSettings(ctx context.Context, guildID string, settings, defaultChannelSettings map[string]any) error {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encoding guild settings for %s: %w", guildID, err)
	}
	defaultsJSON, err := json.Marshal(defaultChannelSettings)
	if err != nil {
		return fmt.Errorf("encoding default channel settings for %s: %w", guildID, err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO guild_settings (guild_id, settings, default_channel_settings, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (guild_id) DO UPDATE SET
			settings = EXCLUDED.settings,
			default_channel_settings = EXCLUDED.default_channel_settings,
			updated_at = now()
	`, guildID, settingsJSON, defaultsJSON)
	if err != nil {
		return fmt.Errorf("upserting guild settings for %s: %w", guildID, err)
	}
	return nil
}

// GetChannelSettings fetches a channel's override settings row, returning
// an empty row if none has been written yet.
func (r *SettingsRepository) GetChannelSettings(ctx context.Context, channelID string) (*models.ChannelSettings, error) {
	var s models.ChannelSettings
	var raw []byte

	err := r.db.QueryRow(ctx, `
		SELECT channel_id, settings, updated_at FROM channel_settings WHERE channel_id = $1
	`, channelID).Scan(&s.ChannelID, &raw, &s.UpdatedAt)
	if err != nil {
		return &models.ChannelSettings{ChannelID: channelID, Settings: map[string]any{}}, nil
	}

	if err := json.Unmarshal(raw, &s.Settings); err != nil {
		return nil, fmt.Errorf("decoding channel settings for %s: %w", channelID, err)
	}
	return &s, nil
}

// UpsertChannelSettings writes a channel's override settings blob.
func (r *SettingsRepository) UpsertChannelSettings(ctx context.Context, channelID string, settings map[string]any) error {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encoding channel settings for %s: %w", channelID, err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO channel_settings (channel_id, settings, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (channel_id) DO UPDATE SET
			settings = EXCLUDED.settings,
			updated_at = now()
	`, channelID, settingsJSON)
	if err != nil {
		return fmt.Errorf("upserting channel settings for %s: %w", channelID, err)
	}
	return nil
}
