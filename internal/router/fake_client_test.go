package router

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
	"github.com/longyi-brownie/brownie-metadata-database/internal/shardmap"
	"github.com/longyi-brownie/brownie-metadata-database/internal/store"
)

// fakePartitionClient is an in-memory partition used by router and migrator
// tests. Failure injection flags simulate partition outages mid-operation.
type fakePartitionClient struct {
	mu      sync.Mutex
	id      string
	records map[string]map[string]*model.Record // tenant -> key -> record

	failReads      bool
	failSnapshot   bool
	failWriteAfter int // fail write calls once this many succeeded, -1 disables
	writeCalls     int
	readDelay      time.Duration
}

func newFakePartitionClient(id string) *fakePartitionClient {
	return &fakePartitionClient{
		id:             id,
		records:        make(map[string]map[string]*model.Record),
		failWriteAfter: -1,
	}
}

func (f *fakePartitionClient) ReadRecord(ctx context.Context, tenantID, key string) (*model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads {
		return nil, fmt.Errorf("partition %s is down", f.id)
	}
	record, ok := f.records[tenantID][key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (f *fakePartitionClient) WriteRecords(ctx context.Context, tenantID string, records []*model.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWriteAfter >= 0 && f.writeCalls >= f.failWriteAfter {
		return fmt.Errorf("partition %s rejected write", f.id)
	}
	f.writeCalls++
	if f.records[tenantID] == nil {
		f.records[tenantID] = make(map[string]*model.Record)
	}
	for _, record := range records {
		cp := *record
		f.records[tenantID][record.Key] = &cp
	}
	return nil
}

func (f *fakePartitionClient) QueryTenant(ctx context.Context, tenantID string) ([]*model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads {
		return nil, fmt.Errorf("partition %s is down", f.id)
	}
	if f.readDelay > 0 {
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			f.mu.Lock()
			return nil, ctx.Err()
		case <-time.After(f.readDelay):
			f.mu.Lock()
		}
	}
	return f.sortedRecordsLocked(tenantID), nil
}

func (f *fakePartitionClient) ReadChunk(ctx context.Context, tenantID, afterKey string, limit int) ([]*model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads {
		return nil, fmt.Errorf("partition %s is down", f.id)
	}
	var out []*model.Record
	for _, record := range f.sortedRecordsLocked(tenantID) {
		if record.Key <= afterKey {
			continue
		}
		out = append(out, record)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakePartitionClient) RowCount(ctx context.Context, tenantID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.records[tenantID])), nil
}

func (f *fakePartitionClient) TenantChecksum(ctx context.Context, tenantID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := sha256.New()
	for _, record := range f.sortedRecordsLocked(tenantID) {
		h.Write([]byte(record.Key))
		h.Write([]byte{0})
		h.Write(record.Value)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (f *fakePartitionClient) DeleteTenant(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, tenantID)
	return nil
}

func (f *fakePartitionClient) Snapshot(ctx context.Context, w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSnapshot {
		return fmt.Errorf("partition %s snapshot failed", f.id)
	}
	enc := json.NewEncoder(w)
	tenants := make([]string, 0, len(f.records))
	for tenantID := range f.records {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)
	for _, tenantID := range tenants {
		for _, record := range f.sortedRecordsLocked(tenantID) {
			if err := enc.Encode(record); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakePartitionClient) RestoreSnapshot(ctx context.Context, r io.Reader) error {
	staged := make(map[string]map[string]*model.Record)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var record model.Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return err
		}
		if staged[record.TenantID] == nil {
			staged[record.TenantID] = make(map[string]*model.Record)
		}
		cp := record
		staged[record.TenantID][record.Key] = &cp
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = staged
	return nil
}

func (f *fakePartitionClient) Ping(ctx context.Context) error { return nil }
func (f *fakePartitionClient) Close()                         {}

func (f *fakePartitionClient) sortedRecordsLocked(tenantID string) []*model.Record {
	keys := make([]string, 0, len(f.records[tenantID]))
	for key := range f.records[tenantID] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]*model.Record, 0, len(keys))
	for _, key := range keys {
		cp := *f.records[tenantID][key]
		out = append(out, &cp)
	}
	return out
}

func (f *fakePartitionClient) rowCount(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records[tenantID])
}

// harness wires a memory shard map, a client pool of fake partitions and
// helpers shared by the router and migrator tests
type harness struct {
	store    *store.MemoryShardMapStore
	shardMap *shardmap.Map
	pool     *ClientPool
	fakes    map[string]*fakePartitionClient
}

func newHarness(t *testing.T, partitionIDs ...string) *harness {
	t.Helper()

	st := store.NewMemoryShardMapStore()
	fakes := make(map[string]*fakePartitionClient)
	for _, id := range partitionIDs {
		require.NoError(t, st.AddPartition(context.Background(), &model.Partition{
			PartitionID:    id,
			ConnString:     "fake://" + id,
			State:          model.PartitionStateActive,
			CapacityWeight: 1,
		}))
		fakes[id] = newFakePartitionClient(id)
	}

	sm, err := shardmap.NewMap(context.Background(), st, time.Hour, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(sm.Stop)

	dialer := func(ctx context.Context, partition *model.Partition) (PartitionClient, error) {
		client, ok := fakes[partition.PartitionID]
		if !ok {
			return nil, fmt.Errorf("unknown partition %s", partition.PartitionID)
		}
		return client, nil
	}

	return &harness{
		store:    st,
		shardMap: sm,
		pool:     NewClientPool(dialer, zap.NewNop()),
		fakes:    fakes,
	}
}

// assign installs an active assignment and refreshes the snapshot
func (h *harness) assign(t *testing.T, tenantID, partitionID string, version int64) {
	t.Helper()
	require.NoError(t, h.store.CreateAssignment(context.Background(), &model.ShardAssignment{
		TenantID:    tenantID,
		PartitionID: partitionID,
		State:       model.AssignmentStateActive,
		Version:     version,
		AssignedAt:  time.Now().UTC(),
	}))
	require.NoError(t, h.shardMap.Refresh(context.Background()))
}

// seed loads n records for the tenant into the partition fake
func (h *harness) seed(t *testing.T, partitionID, tenantID string, n int) {
	t.Helper()
	records := make([]*model.Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, &model.Record{
			TenantID:  tenantID,
			Key:       fmt.Sprintf("incident-%03d", i),
			Value:     []byte(fmt.Sprintf("payload-%d", i)),
			UpdatedAt: time.Now().UTC(),
		})
	}
	require.NoError(t, h.fakes[partitionID].WriteRecords(context.Background(), tenantID, records))
	h.fakes[partitionID].writeCalls = 0
}
