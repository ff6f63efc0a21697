package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/longyi-brownie/brownie-metadata-database/internal/config"
)

// GCSProvider implements Provider against Google Cloud Storage
type GCSProvider struct {
	client *gcstorage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewGCSProvider creates a GCS provider using the configured service
// account key file
func NewGCSProvider(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*GCSProvider, error) {
	client, err := gcstorage.NewClient(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}

	bucket, prefix := splitDestination(cfg.Destination)
	return &GCSProvider{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Put uploads a blob
func (p *GCSProvider) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	w := p.client.Bucket(p.bucket).Object(joinPrefix(p.prefix, key)).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("failed to upload to gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize gcs upload: %w", err)
	}
	return nil
}

// Get downloads a blob
func (p *GCSProvider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := p.client.Bucket(p.bucket).Object(joinPrefix(p.prefix, key)).NewReader(ctx)
	if errors.Is(err, gcstorage.ErrObjectNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from gcs: %w", err)
	}
	return r, nil
}

// List enumerates blobs under the prefix
func (p *GCSProvider) List(ctx context.Context, prefix string) ObjectIterator {
	it := p.client.Bucket(p.bucket).Objects(ctx, &gcstorage.Query{
		Prefix: joinPrefix(p.prefix, prefix),
	})
	return &gcsIterator{it: it, trim: p.prefix}
}

// Delete removes a blob
func (p *GCSProvider) Delete(ctx context.Context, key string) error {
	err := p.client.Bucket(p.bucket).Object(joinPrefix(p.prefix, key)).Delete(ctx)
	if errors.Is(err, gcstorage.ErrObjectNotExist) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete from gcs: %w", err)
	}
	return nil
}

// Close releases the underlying client
func (p *GCSProvider) Close() error {
	return p.client.Close()
}

type gcsIterator struct {
	it   *gcstorage.ObjectIterator
	trim string
}

func (it *gcsIterator) Next(ctx context.Context) (*ObjectInfo, error) {
	attrs, err := it.it.Next()
	if errors.Is(err, iterator.Done) {
		return nil, ErrDone
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list gcs objects: %w", err)
	}
	return &ObjectInfo{
		Key:          trimKeyPrefix(it.trim, attrs.Name),
		Size:         attrs.Size,
		LastModified: attrs.Updated,
	}, nil
}
