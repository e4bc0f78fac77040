package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/config"
)

// ObjectStore keeps recording blobs in a MinIO bucket.
type ObjectStore struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewObjectStore connects and ensures the bucket exists.
func NewObjectStore(ctx context.Context, cfg config.MinIOConfig, logger *zap.Logger) (*ObjectStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &ObjectStore{client: client, bucket: cfg.Bucket, logger: logger.Named("object-store")}, nil
}

// Put uploads one object, retrying transient failures.
func (s *ObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	op := func() error {
		_, err := s.client.PutObject(ctx, s.bucket, key,
			bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType})
		return err
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(ebo, 3), ctx)); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	s.logger.Info("object uploaded", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Get downloads one object in full.
func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// PresignedGetURL returns a time-limited download link.
func (s *ObjectStore) PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (*url.URL, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return nil, fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return u, nil
}

// Remove deletes one object.
func (s *ObjectStore) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}
