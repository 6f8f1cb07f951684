package attach

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MirrorConfig holds S3-compatible bucket settings.
type MirrorConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// BucketMirror uploads attachments to an S3-compatible bucket keyed by content id.
type BucketMirror struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

var _ Mirror = (*BucketMirror)(nil)

// NewBucketMirror connects to the bucket endpoint and creates the bucket when missing.
func NewBucketMirror(ctx context.Context, cfg MirrorConfig, logger *slog.Logger) (*BucketMirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("mirror: init client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("mirror: check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("mirror: create bucket %q: %w", cfg.Bucket, err)
		}
		logger.Info("mirror bucket created", slog.String("bucket", cfg.Bucket))
	}
	return &BucketMirror{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// Upload stores data under key. Existing objects with the same key are left alone.
func (m *BucketMirror) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if _, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{}); err == nil {
		return nil
	}
	info, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("mirror: upload %s: %w", key, err)
	}
	m.logger.Debug("attachment mirrored",
		slog.String("key", key),
		slog.Int64("size", info.Size),
	)
	return nil
}
