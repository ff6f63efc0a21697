package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/config"
)

// S3Provider implements Provider against S3-compatible object storage
type S3Provider struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Provider creates an S3 provider from storage configuration. The
// credentials are verified lazily on first use, not at construction.
func NewS3Provider(cfg config.StorageConfig, logger *zap.Logger) (*S3Provider, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	bucket, prefix := splitDestination(cfg.Destination)
	return &S3Provider{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Put uploads a blob
func (p *S3Provider) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := p.client.PutObject(ctx, p.bucket, joinPrefix(p.prefix, key), r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("failed to upload to s3: %w", err)
	}
	return nil
}

// Get downloads a blob
func (p *S3Provider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := p.client.GetObject(ctx, p.bucket, joinPrefix(p.prefix, key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get from s3: %w", err)
	}
	// GetObject is lazy; Stat forces the request so a missing key surfaces here
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to stat s3 object: %w", err)
	}
	return obj, nil
}

// List enumerates blobs under the prefix
func (p *S3Provider) List(ctx context.Context, prefix string) ObjectIterator {
	ch := p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{
		Prefix:    joinPrefix(p.prefix, prefix),
		Recursive: true,
	})
	return &s3Iterator{ch: ch, trim: p.prefix}
}

// Delete removes a blob. Deleting a missing key is not an error on S3, so
// the not-found case is not distinguished.
func (p *S3Provider) Delete(ctx context.Context, key string) error {
	err := p.client.RemoveObject(ctx, p.bucket, joinPrefix(p.prefix, key), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete from s3: %w", err)
	}
	return nil
}

type s3Iterator struct {
	ch   <-chan minio.ObjectInfo
	trim string
}

func (it *s3Iterator) Next(ctx context.Context) (*ObjectInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case obj, ok := <-it.ch:
		if !ok {
			return nil, ErrDone
		}
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list s3 objects: %w", obj.Err)
		}
		return &ObjectInfo{
			Key:          trimKeyPrefix(it.trim, obj.Key),
			Size:         obj.Size,
			LastModified: obj.LastModified,
		}, nil
	}
}
