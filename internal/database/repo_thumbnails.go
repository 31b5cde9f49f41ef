package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clipvault/clipvault/internal/models"
)

// ThumbnailRepository provides persistence for generated thumbnail
// artifacts and their retry bookkeeping.
type ThumbnailRepository struct {
	db *DB
}

// NewThumbnailRepository constructs a ThumbnailRepository over db.
func NewThumbnailRepository(db *DB) *ThumbnailRepository {
	return &ThumbnailRepository{db: db}
}

// UpsertThumbnail stores a completed thumbnail for a clip, replacing any
// prior thumbnail of the same size_type (retry overwrite).
func (r *ThumbnailRepository) UpsertThumbnail(ctx context.Context, t models.Thumbnail) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO thumbnails (id, clip_id, size_type, storage_path, width, height, file_size, mime_type, blurhash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (clip_id, size_type) DO UPDATE SET
			storage_path = EXCLUDED.storage_path,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			file_size = EXCLUDED.file_size,
			mime_type = EXCLUDED.mime_type,
			blurhash = EXCLUDED.blurhash
	`, t.ID, t.ClipID, t.SizeType, t.StoragePath, t.Width, t.Height, t.FileSize, t.MimeType, t.Blurhash)
	if err != nil {
		return fmt.Errorf("upserting thumbnail for clip %s: %w", t.ClipID, err)
	}
	return nil
}

// ListByClip returns all thumbnails generated for a clip.
func (r *ThumbnailRepository) ListByClip(ctx context.Context, clipID string) ([]models.Thumbnail, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, clip_id, size_type, storage_path, width, height, file_size, mime_type, blurhash
		FROM thumbnails WHERE clip_id = $1
	`, clipID)
	if err != nil {
		return nil, fmt.Errorf("listing thumbnails for clip %s: %w", clipID, err)
	}
	defer rows.Close()

	var thumbs []models.Thumbnail
	for rows.Next() {
		var t models.Thumbnail
		if err := rows.Scan(&t.ID, &t.ClipID, &t.SizeType, &t.StoragePath, &t.Width, &t.Height, &t.FileSize, &t.MimeType, &t.Blurhash); err != nil {
			return nil, fmt.Errorf("scanning thumbnail row: %w", err)
		}
		thumbs = append(thumbs, t)
	}
	return thumbs, rows.Err()
}

// ListStoragePathsByChannel returns the storage path of every thumbnail
// belonging to clips in channelID, for blob cleanup ahead of a purge.
func (r *ThumbnailRepository) ListStoragePathsByChannel(ctx context.Context, channelID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT storage_path FROM thumbnails WHERE clip_id IN (SELECT id FROM clips WHERE channel_id = $1)
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("listing thumbnail paths for channel %s: %w", channelID, err)
	}
	defer rows.Close()
	return scanStoragePaths(rows)
}

// ListStoragePathsByGuild returns the storage path of every thumbnail
// belonging to clips in guildID, for blob cleanup ahead of a purge.
func (r *ThumbnailRepository) ListStoragePathsByGuild(ctx context.Context, guildID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT storage_path FROM thumbnails WHERE clip_id IN (SELECT id FROM clips WHERE guild_id = $1)
	`, guildID)
	if err != nil {
		return nil, fmt.Errorf("listing thumbnail paths for guild %s: %w", guildID, err)
	}
	defer rows.Close()
	return scanStoragePaths(rows)
}

// ListStoragePathsByClip returns the storage path of every thumbnail for a
// single clip, for blob cleanup ahead of a message-deletion event.
func (r *ThumbnailRepository) ListStoragePathsByClip(ctx context.Context, clipID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT storage_path FROM thumbnails WHERE clip_id = $1`, clipID)
	if err != nil {
		return nil, fmt.Errorf("listing thumbnail paths for clip %s: %w", clipID, err)
	}
	defer rows.Close()
	return scanStoragePaths(rows)
}

func scanStoragePaths(rows pgx.Rows) ([]string, error) {
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning storage path row: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// FailedThumbnailRepository tracks thumbnail generation failures and their
// exponential-backoff retry schedule.
type FailedThumbnailRepository struct {
	db *DB
}

// NewFailedThumbnailRepository constructs a FailedThumbnailRepository over db.
func NewFailedThumbnailRepository(db *DB) *FailedThumbnailRepository {
	return &FailedThumbnailRepository{db: db}
}

// RecordFailure upserts a FailedThumbnail row, incrementing retry_count and
// scheduling next_retry_at per the caller-computed backoff.
func (r *FailedThumbnailRepository) RecordFailure(ctx context.Context, id, clipID, errMsg string, nextRetryAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO failed_thumbnails (id, clip_id, error_message, retry_count, last_attempted_at, next_retry_at)
		VALUES ($1, $2, $3, 1, now(), $4)
		ON CONFLICT (id) DO UPDATE SET
			error_message = EXCLUDED.error_message,
			retry_count = failed_thumbnails.retry_count + 1,
			last_attempted_at = now(),
			next_retry_at = EXCLUDED.next_retry_at
	`, id, clipID, errMsg, nextRetryAt)
	if err != nil {
		return fmt.Errorf("recording thumbnail failure for clip %s: %w", clipID, err)
	}
	return nil
}

// ListDue returns up to limit FailedThumbnail rows whose next_retry_at has
// elapsed, ordered by next_retry_at ascending.
func (r *FailedThumbnailRepository) ListDue(ctx context.Context, limit int) ([]models.FailedThumbnail, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, clip_id, error_message, retry_count, last_attempted_at, next_retry_at
		FROM failed_thumbnails WHERE next_retry_at <= now()
		ORDER BY next_retry_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due thumbnail retries: %w", err)
	}
	defer rows.Close()

	var due []models.FailedThumbnail
	for rows.Next() {
		var f models.FailedThumbnail
		if err := rows.Scan(&f.ID, &f.ClipID, &f.ErrorMessage, &f.RetryCount, &f.LastAttemptedAt, &f.NextRetryAt); err != nil {
			return nil, fmt.Errorf("scanning failed thumbnail row: %w", err)
		}
		due = append(due, f)
	}
	return due, rows.Err()
}

// GetByClip fetches the failure record for a clip, if one exists.
func (r *FailedThumbnailRepository) GetByClip(ctx context.Context, clipID string) (*models.FailedThumbnail, error) {
	var f models.FailedThumbnail
	err := r.db.QueryRow(ctx, `
		SELECT id, clip_id, error_message, retry_count, last_attempted_at, next_retry_at
		FROM failed_thumbnails WHERE clip_id = $1
	`, clipID).Scan(&f.ID, &f.ClipID, &f.ErrorMessage, &f.RetryCount, &f.LastAttemptedAt, &f.NextRetryAt)
	if err != nil {
		return nil, fmt.Errorf("fetching failure record for clip %s: %w", clipID, err)
	}
	return &f, nil
}

// Clear removes the failure record for a clip once a retry succeeds.
func (r *FailedThumbnailRepository) Clear(ctx context.Context, clipID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM failed_thumbnails WHERE clip_id = $1`, clipID)
	if err != nil {
		return fmt.Errorf("clearing thumbnail failure for clip %s: %w", clipID, err)
	}
	return nil
}
