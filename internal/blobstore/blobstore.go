// Package blobstore stores and serves clip and thumbnail artifacts behind a
// single interface, backed by the local filesystem, S3-compatible object
// storage, or Google Cloud Storage (via its S3 interoperability API, reusing
// the same S3 client rather than a second cloud SDK).
package blobstore

import (
	"context"
	"io"
)

// Store persists and serves binary artifacts (video thumbnails) keyed by
// path. Implementations must be safe for concurrent use.
type Store interface {
	// Put writes size bytes from r to key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Get opens key for reading. The caller must close the returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// PublicURL returns a URL the key can be fetched from by external
	// clients: <prefix>/<key> for the local filesystem backend when a
	// prefix is configured (otherwise empty, meaning served separately by
	// the operator HTTP surface or a reverse proxy), or the canonical
	// bucket URL for S3/GCS.
	PublicURL(key string) string
}
