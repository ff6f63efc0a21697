package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/config"
)

// ErrKeyNotFound is returned by Get/Delete when the key does not exist.
// Every backend maps its SDK-specific not-found error onto this.
var ErrKeyNotFound = errors.New("storage key not found")

// ErrDone is returned by ObjectIterator.Next when the listing is exhausted
var ErrDone = errors.New("no more objects")

// ObjectInfo describes one stored blob
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectIterator lazily enumerates stored objects. Pagination against the
// backend is handled internally; Next returns ErrDone when exhausted.
type ObjectIterator interface {
	Next(ctx context.Context) (*ObjectInfo, error)
}

// Provider is the uniform storage backend surface the backup coordinator
// writes through. Each backend is selected once at construction and
// implements the same four operations with the same error taxonomy.
type Provider interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ObjectIterator
	Delete(ctx context.Context, key string) error
}

// New constructs the storage provider selected by configuration
func New(cfg config.StorageConfig, logger *zap.Logger) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case config.ProviderS3:
		return NewS3Provider(cfg, logger)
	case config.ProviderGCS:
		return NewGCSProvider(context.Background(), cfg, logger)
	case config.ProviderAzure:
		return NewAzureProvider(cfg, logger)
	case config.ProviderLocal:
		return NewLocalProvider(cfg.Destination, logger)
	default:
		return nil, fmt.Errorf("unsupported storage provider: %s", cfg.Provider)
	}
}

// splitDestination splits "bucket/some/prefix" into bucket and key prefix
func splitDestination(destination string) (bucket, prefix string) {
	destination = strings.Trim(destination, "/")
	parts := strings.SplitN(destination, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix
}

// joinPrefix prepends the configured key prefix, if any
func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// trimKeyPrefix strips the configured key prefix from a listed object name so
// callers see the same keys they stored
func trimKeyPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}
