package database

import (
	"context"
	"fmt"

	"github.com/clipvault/clipvault/internal/models"
)

// AuthorRepository provides persistence for per-guild author (member)
// snapshots.
type AuthorRepository struct {
	db *DB
}

// NewAuthorRepository constructs an AuthorRepository over db.
func NewAuthorRepository(db *DB) *AuthorRepository {
	return &AuthorRepository{db: db}
}

// BulkUpsertAuthors upserts all authors in a single round trip via
// parameter arrays, regardless of batch size. On conflict by
// (user_id, guild_id), every non-key column is replaced.
func (r *AuthorRepository) BulkUpsertAuthors(ctx context.Context, authors []models.Author) error {
	if len(authors) == 0 {
		return nil
	}

	userIDs := make([]string, len(authors))
	guildIDs := make([]string, len(authors))
	usernames := make([]string, len(authors))
	discriminators := make([]string, len(authors))
	avatarURLs := make([]*string, len(authors))
	nicknames := make([]*string, len(authors))
	displayNames := make([]string, len(authors))
	guildAvatarURLs := make([]*string, len(authors))

	for i, a := range authors {
		userIDs[i] = a.UserID
		guildIDs[i] = a.GuildID
		usernames[i] = a.Username
		discriminators[i] = a.Discriminator
		avatarURLs[i] = a.AvatarURL
		nicknames[i] = a.Nickname
		displayNames[i] = a.DisplayName
		guildAvatarURLs[i] = a.GuildAvatarURL
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO authors (user_id, guild_id, username, discriminator, avatar_url, nickname, display_name, guild_avatar_url)
		SELECT * FROM UNNEST(
			$1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::text[], $8::text[]
		)
		ON CONFLICT (user_id, guild_id) DO UPDATE SET
			username = EXCLUDED.username,
			discriminator = EXCLUDED.discriminator,
			avatar_url = EXCLUDED.avatar_url,
			nickname = EXCLUDED.nickname,
			display_name = EXCLUDED.display_name,
			guild_avatar_url = EXCLUDED.guild_avatar_url
	`, userIDs, guildIDs, usernames, discriminators, avatarURLs, nicknames, displayNames, guildAvatarURLs)
	if err != nil {
		return fmt.Errorf("bulk upserting authors: %w", err)
	}
	return nil
}
