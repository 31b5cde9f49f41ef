package blobstore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store implements Store over any S3-compatible object storage endpoint
// (AWS S3, MinIO, Garage) using minio-go as a generic client. GCS is served
// by the same type via its S3 interoperability API — see NewGCSStore.
type S3Store struct {
	client     *minio.Client
	bucket     string
	endpoint   string
	useSSL     bool
	publicBase string
}

// NewS3Store constructs an S3Store against endpoint/bucket with the given
// static credentials. It ensures the bucket exists, creating it if
// necessary.
func NewS3Store(ctx context.Context, endpoint, bucket, accessKey, secretKey, region string, useSSL bool) (*S3Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating S3 client for %s: %w", endpoint, err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", bucket, err)
		}
	}

	scheme := "http"
	if useSSL {
		scheme = "https"
	}

	return &S3Store{
		client:     client,
		bucket:     bucket,
		endpoint:   endpoint,
		useSSL:     useSSL,
		publicBase: fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucket),
	}, nil
}

// NewGCSStore constructs a Store backed by Google Cloud Storage, addressed
// through its S3 interoperability endpoint (storage.googleapis.com) with
// HMAC interoperability credentials. It reuses S3Store wholesale: GCS's S3
// interop surface is byte-compatible with the operations Store needs
// (PutObject/GetObject/RemoveObject/StatObject), so a second cloud SDK adds
// nothing here.
func NewGCSStore(ctx context.Context, bucket, accessKey, secretKey string) (*S3Store, error) {
	return NewS3Store(ctx, "storage.googleapis.com", bucket, accessKey, secretKey, "auto", true)
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("putting object %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting object %s: %w", key, err)
	}
	return obj, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting object %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return true, nil
}

func (s *S3Store) PublicURL(key string) string {
	return s.publicBase + "/" + key
}
