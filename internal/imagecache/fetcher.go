package imagecache

import (
	"context"
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/heritage/internal/config"
)

// ErrNotConfigured is returned when no image bucket is configured.
var ErrNotConfigured = errors.New("image storage not configured")

// Fetcher downloads image blobs to local files.
type Fetcher interface {
	// Fetch writes the object stored under objectKey to destPath.
	Fetch(ctx context.Context, objectKey, destPath string) error
}

// s3Client is the subset of *minio.Client used by S3Fetcher.
type s3Client interface {
	FGetObject(ctx context.Context, bucket, objectName, filePath string) error
}

type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FGetObject(ctx context.Context, bucket, objectName, filePath string) error {
	return w.client.FGetObject(ctx, bucket, objectName, filePath, minio.GetObjectOptions{})
}

// S3Fetcher downloads blobs from S3-compatible storage.
type S3Fetcher struct {
	client s3Client
	bucket string
}

// Fetch downloads objectKey into destPath.
func (f *S3Fetcher) Fetch(ctx context.Context, objectKey, destPath string) error {
	if err := f.client.FGetObject(ctx, f.bucket, objectKey, destPath); err != nil {
		return fmt.Errorf("download %s from S3: %w", objectKey, err)
	}
	return nil
}

// NoopFetcher is used when no bucket is configured. Rows are still
// mirrored; blobs are simply unavailable offline.
type NoopFetcher struct{}

// Fetch returns ErrNotConfigured.
func (NoopFetcher) Fetch(ctx context.Context, objectKey, destPath string) error {
	return ErrNotConfigured
}

// NewFetcher returns NoopFetcher when the bucket is empty, S3Fetcher
// otherwise.
func NewFetcher(cfg config.ImagesConfig) (Fetcher, error) {
	if cfg.Bucket == "" {
		return NoopFetcher{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Fetcher{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
	}, nil
}
