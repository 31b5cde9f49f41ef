package database

import (
	"context"
	"fmt"
	"time"

	"github.com/clipvault/clipvault/internal/models"
)

// MessageRepository provides persistence for scanned messages.
type MessageRepository struct {
	db *DB
}

// NewMessageRepository constructs a MessageRepository over db.
func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// BulkUpsertMessages upserts all messages in a single round trip via
// parameter arrays, regardless of batch size. On conflict by id, every
// non-key column is replaced (content may legitimately flip to empty when
// guild policy disables content retention).
func (r *MessageRepository) BulkUpsertMessages(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]string, len(messages))
	guildIDs := make([]string, len(messages))
	channelIDs := make([]string, len(messages))
	authorIDs := make([]string, len(messages))
	contents := make([]string, len(messages))
	timestamps := make([]time.Time, len(messages))

	for i, m := range messages {
		ids[i] = m.ID
		guildIDs[i] = m.GuildID
		channelIDs[i] = m.ChannelID
		authorIDs[i] = m.AuthorID
		contents[i] = m.Content
		timestamps[i] = m.Timestamp
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO messages (id, guild_id, channel_id, author_id, content, timestamp)
		SELECT * FROM UNNEST(
			$1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::timestamptz[]
		)
		ON CONFLICT (id) DO UPDATE SET
			author_id = EXCLUDED.author_id,
			content = EXCLUDED.content,
			timestamp = EXCLUDED.timestamp,
			deleted_at = NULL
	`, ids, guildIDs, channelIDs, authorIDs, contents, timestamps)
	if err != nil {
		return fmt.Errorf("bulk upserting messages: %w", err)
	}
	return nil
}

// ExistingMessageIDs reports which of ids already have a row for channelID,
// used by the scan scheduler's rescan policies to decide what to skip.
func (r *MessageRepository) ExistingMessageIDs(ctx context.Context, channelID string, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT id FROM messages WHERE channel_id = $1 AND id = ANY($2::text[])
	`, channelID, ids)
	if err != nil {
		return nil, fmt.Errorf("checking existing message ids for channel %s: %w", channelID, err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning existing message id row: %w", err)
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// HardDeleteMessage permanently deletes a message and its clips/thumbnails,
// mirroring a platform message-delete event: once the platform drops the
// message its CDN URL is gone too, so there's nothing left to recover and a
// soft delete would just leave an unrecoverable tombstone behind.
func (r *MessageRepository) HardDeleteMessage(ctx context.Context, messageID string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", messageID, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM thumbnails WHERE clip_id IN (SELECT id FROM clips WHERE message_id = $1)
	`, messageID); err != nil {
		return fmt.Errorf("deleting thumbnails for message %s: %w", messageID, err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM failed_thumbnails WHERE clip_id IN (SELECT id FROM clips WHERE message_id = $1)
	`, messageID); err != nil {
		return fmt.Errorf("deleting failed thumbnail records for message %s: %w", messageID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM clips WHERE message_id = $1`, messageID); err != nil {
		return fmt.Errorf("deleting clips for message %s: %w", messageID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, messageID); err != nil {
		return fmt.Errorf("deleting message %s: %w", messageID, err)
	}

	return tx.Commit(ctx)
}
