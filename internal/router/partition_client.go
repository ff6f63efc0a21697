package router

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
)

// PartitionClient is the connection to one storage partition. The router,
// migrator and backup coordinator all talk to partitions through this
// surface so tests can substitute in-memory partitions.
type PartitionClient interface {
	// Record operations
	ReadRecord(ctx context.Context, tenantID, key string) (*model.Record, error)
	WriteRecords(ctx context.Context, tenantID string, records []*model.Record) error
	QueryTenant(ctx context.Context, tenantID string) ([]*model.Record, error)

	// Migration support
	ReadChunk(ctx context.Context, tenantID, afterKey string, limit int) ([]*model.Record, error)
	RowCount(ctx context.Context, tenantID string) (int64, error)
	TenantChecksum(ctx context.Context, tenantID string) (string, error)
	DeleteTenant(ctx context.Context, tenantID string) error

	// Backup support
	Snapshot(ctx context.Context, w io.Writer) error
	RestoreSnapshot(ctx context.Context, r io.Reader) error

	Ping(ctx context.Context) error
	Close()
}

// Dialer establishes a client connection to a partition
type Dialer func(ctx context.Context, partition *model.Partition) (PartitionClient, error)

// ClientPool caches one client per partition. Clients are dialed lazily on
// first use and shared by all callers.
type ClientPool struct {
	dialer Dialer
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]PartitionClient
}

// NewClientPool creates a client pool using the given dialer
func NewClientPool(dialer Dialer, logger *zap.Logger) *ClientPool {
	return &ClientPool{
		dialer:  dialer,
		logger:  logger,
		clients: make(map[string]PartitionClient),
	}
}

// Get returns the cached client for the partition, dialing if needed
func (p *ClientPool) Get(ctx context.Context, partition *model.Partition) (PartitionClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[partition.PartitionID]; ok {
		return client, nil
	}

	client, err := p.dialer(ctx, partition)
	if err != nil {
		return nil, err
	}
	p.clients[partition.PartitionID] = client

	p.logger.Debug("Dialed partition",
		zap.String("partition_id", partition.PartitionID))

	return client, nil
}

// Invalidate drops the cached client for a partition so the next Get redials
func (p *ClientPool) Invalidate(partitionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[partitionID]; ok {
		client.Close()
		delete(p.clients, partitionID)
	}
}

// Close closes every cached client
func (p *ClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, client := range p.clients {
		client.Close()
		delete(p.clients, id)
	}
}
