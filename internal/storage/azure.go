package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/config"
)

// AzureProvider implements Provider against Azure Blob Storage
type AzureProvider struct {
	client    *azblob.Client
	container string
	prefix    string
	logger    *zap.Logger
}

// NewAzureProvider creates an Azure Blob provider. AccessKey holds the
// storage account name and SecretKey the shared account key.
func NewAzureProvider(cfg config.StorageConfig, logger *zap.Logger) (*AzureProvider, error) {
	cred, err := azblob.NewSharedKeyCredential(cfg.AccessKey, cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}

	serviceURL := cfg.Endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccessKey)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}

	container, prefix := splitDestination(cfg.Destination)
	return &AzureProvider{
		client:    client,
		container: container,
		prefix:    prefix,
		logger:    logger,
	}, nil
}

// Put uploads a blob
func (p *AzureProvider) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := p.client.UploadStream(ctx, p.container, joinPrefix(p.prefix, key), r, nil)
	if err != nil {
		return fmt.Errorf("failed to upload to azure: %w", err)
	}
	return nil
}

// Get downloads a blob
func (p *AzureProvider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := p.client.DownloadStream(ctx, p.container, joinPrefix(p.prefix, key), nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from azure: %w", err)
	}
	return resp.Body, nil
}

// List enumerates blobs under the prefix
func (p *AzureProvider) List(ctx context.Context, prefix string) ObjectIterator {
	full := joinPrefix(p.prefix, prefix)
	pager := p.client.NewListBlobsFlatPager(p.container, &azblob.ListBlobsFlatOptions{
		Prefix: &full,
	})
	return &azureIterator{pager: pager, trim: p.prefix}
}

// Delete removes a blob
func (p *AzureProvider) Delete(ctx context.Context, key string) error {
	_, err := p.client.DeleteBlob(ctx, p.container, joinPrefix(p.prefix, key), nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete from azure: %w", err)
	}
	return nil
}

type azureIterator struct {
	pager *runtime.Pager[azblob.ListBlobsFlatResponse]
	trim  string
	page  []*ObjectInfo
	pos   int
}

func (it *azureIterator) Next(ctx context.Context) (*ObjectInfo, error) {
	for it.pos >= len(it.page) {
		if !it.pager.More() {
			return nil, ErrDone
		}
		resp, err := it.pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list azure blobs: %w", err)
		}
		it.page = it.page[:0]
		it.pos = 0
		for _, item := range resp.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := &ObjectInfo{Key: trimKeyPrefix(it.trim, *item.Name)}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					info.LastModified = *item.Properties.LastModified
				}
			}
			it.page = append(it.page, info)
		}
	}
	obj := it.page[it.pos]
	it.pos++
	return obj, nil
}
