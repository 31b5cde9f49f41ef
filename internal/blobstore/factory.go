package blobstore

import (
	"context"
	"fmt"

	"github.com/clipvault/clipvault/internal/config"
)

// New constructs the Store selected by cfg.Type (local | s3 | gcs).
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "local":
		return NewLocalStoreWithPrefix(cfg.Path, cfg.PublicPrefix)
	case "s3":
		return NewS3Store(ctx, cfg.Endpoint, cfg.Bucket, cfg.AccessKey, cfg.SecretKey, cfg.Region, cfg.UseSSL)
	case "gcs":
		return NewGCSStore(ctx, cfg.Bucket, cfg.AccessKey, cfg.SecretKey)
	default:
		return nil, fmt.Errorf("blobstore: unknown storage type %q", cfg.Type)
	}
}
