package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// LocalProvider implements Provider against a local filesystem directory
type LocalProvider struct {
	root   string
	logger *zap.Logger
}

// NewLocalProvider creates a local filesystem provider rooted at dir
func NewLocalProvider(dir string, logger *zap.Logger) (*LocalProvider, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &LocalProvider{
		root:   dir,
		logger: logger,
	}, nil
}

// Put writes the blob to a temporary file and renames it into place so a
// partially written object is never observable under its final key
func (p *LocalProvider) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	dest := filepath.Join(p.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to place blob: %w", err)
	}
	return nil
}

// Get opens the blob for reading
func (p *LocalProvider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(p.root, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// List enumerates blobs under the prefix
func (p *LocalProvider) List(ctx context.Context, prefix string) ObjectIterator {
	return &localIterator{provider: p, prefix: prefix}
}

// Delete removes a blob
func (p *LocalProvider) Delete(ctx context.Context, key string) error {
	err := os.Remove(filepath.Join(p.root, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return ErrKeyNotFound
	}
	return err
}

type localIterator struct {
	provider *LocalProvider
	prefix   string
	loaded   bool
	objects  []*ObjectInfo
	pos      int
}

func (it *localIterator) Next(ctx context.Context) (*ObjectInfo, error) {
	if !it.loaded {
		if err := it.load(); err != nil {
			return nil, err
		}
		it.loaded = true
	}
	if it.pos >= len(it.objects) {
		return nil, ErrDone
	}
	obj := it.objects[it.pos]
	it.pos++
	return obj, nil
}

func (it *localIterator) load() error {
	root := it.provider.root
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if it.prefix != "" && !strings.HasPrefix(key, it.prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		it.objects = append(it.objects, &ObjectInfo{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list local backups: %w", err)
	}
	sort.Slice(it.objects, func(i, j int) bool { return it.objects[i].Key < it.objects[j].Key })
	return nil
}
