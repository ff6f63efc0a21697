package admin

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/audit"
	"github.com/longyi-brownie/brownie-metadata-database/internal/backup"
	"github.com/longyi-brownie/brownie-metadata-database/internal/certauth"
	"github.com/longyi-brownie/brownie-metadata-database/internal/config"
	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
	"github.com/longyi-brownie/brownie-metadata-database/internal/router"
	"github.com/longyi-brownie/brownie-metadata-database/internal/shardmap"
	"github.com/longyi-brownie/brownie-metadata-database/internal/storage"
	"github.com/longyi-brownie/brownie-metadata-database/internal/store"
)

// memClient is an in-memory partition client backing the handler tests
type memClient struct {
	mu      sync.Mutex
	records map[string]map[string]*model.Record // tenant -> key -> record
}

func newMemClient() *memClient {
	return &memClient{records: make(map[string]map[string]*model.Record)}
}

func (c *memClient) ReadRecord(ctx context.Context, tenantID, key string) (*model.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[tenantID][key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (c *memClient) WriteRecords(ctx context.Context, tenantID string, records []*model.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.records[tenantID] == nil {
		c.records[tenantID] = make(map[string]*model.Record)
	}
	for _, record := range records {
		cp := *record
		c.records[tenantID][record.Key] = &cp
	}
	return nil
}

func (c *memClient) QueryTenant(ctx context.Context, tenantID string) ([]*model.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedLocked(tenantID), nil
}

func (c *memClient) ReadChunk(ctx context.Context, tenantID, afterKey string, limit int) ([]*model.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*model.Record
	for _, record := range c.sortedLocked(tenantID) {
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

func (c *memClient) RowCount(ctx context.Context, tenantID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.records[tenantID])), nil
}

func (c *memClient) TenantChecksum(ctx context.Context, tenantID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := sha256.New()
	for _, record := range c.sortedLocked(tenantID) {
		h.Write([]byte(record.Key))
		h.Write([]byte{0})
		h.Write(record.Value)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *memClient) DeleteTenant(ctx context.Context, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, tenantID)
	return nil
}

func (c *memClient) Snapshot(ctx context.Context, w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	enc := json.NewEncoder(w)
	tenants := make([]string, 0, len(c.records))
	for tenantID := range c.records {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)
	for _, tenantID := range tenants {
		for _, record := range c.sortedLocked(tenantID) {
			if err := enc.Encode(record); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *memClient) RestoreSnapshot(ctx context.Context, r io.Reader) error {
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
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = staged
	return nil
}

func (c *memClient) Ping(ctx context.Context) error { return nil }
func (c *memClient) Close()                         {}

func (c *memClient) sortedLocked(tenantID string) []*model.Record {
	keys := make([]string, 0, len(c.records[tenantID]))
	for key := range c.records[tenantID] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]*model.Record, 0, len(keys))
	for _, key := range keys {
		cp := *c.records[tenantID][key]
		out = append(out, &cp)
	}
	return out
}

type handlerEnv struct {
	router   *mux.Router
	clients  map[string]*memClient
	store    *store.MemoryShardMapStore
	shardMap *shardmap.Map
}

// internal requests pass the gate via the trusted-network rule; external
// requests present no certificate and must be rejected
const (
	internalAddr = "10.0.0.5:49152"
	externalAddr = "203.0.113.10:49152"
)

func newHandlerEnv(t *testing.T, partitionIDs ...string) *handlerEnv {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	shardMapStore := store.NewMemoryShardMapStore()
	clients := make(map[string]*memClient)
	for _, id := range partitionIDs {
		require.NoError(t, shardMapStore.AddPartition(ctx, &model.Partition{
			PartitionID: id,
			ConnString:  "fake://" + id,
			State:       model.PartitionStateActive,
		}))
		clients[id] = newMemClient()
	}

	sm, err := shardmap.NewMap(ctx, shardMapStore, time.Hour, logger)
	require.NoError(t, err)
	t.Cleanup(sm.Stop)

	pool := router.NewClientPool(func(ctx context.Context, partition *model.Partition) (router.PartitionClient, error) {
		return clients[partition.PartitionID], nil
	}, logger)

	authenticator, err := certauth.NewAuthenticator(certauth.NewTrustStore(), config.AuthConfig{
		InternalNetworks: []string{"10.0.0.0/8"},
		InternalRole:     "service",
	}, audit.NopSink{}, nil, logger)
	require.NoError(t, err)

	provider, err := storage.NewLocalProvider(t.TempDir(), logger)
	require.NoError(t, err)
	coordinator, err := backup.NewCoordinator(
		store.NewMemoryBackupStore(),
		store.NewMemoryIdempotencyStore(),
		sm,
		pool,
		provider,
		config.BackupConfig{
			StagingDir:    t.TempDir(),
			Compression:   true,
			MaxRetries:    2,
			BackoffBase:   time.Millisecond,
			RetentionDays: 30,
			TriggerWindow: time.Hour,
		},
		nil,
		audit.NopSink{},
		logger,
	)
	require.NoError(t, err)

	rt := router.NewRouter(sm, pool, nil, logger)
	migrator := router.NewMigrator(sm, shardMapStore, pool, config.MigrationConfig{
		ChunkSize:  100,
		DrainGrace: time.Hour,
		Verify:     true,
	}, nil, audit.NopSink{}, logger)

	muxRouter := mux.NewRouter()
	NewHandler(authenticator, rt, migrator, coordinator, logger).Register(muxRouter)

	return &handlerEnv{router: muxRouter, clients: clients, store: shardMapStore, shardMap: sm}
}

func (e *handlerEnv) do(method, target, remoteAddr, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *handlerEnv) assign(t *testing.T, tenantID, partitionID string) {
	t.Helper()
	require.NoError(t, e.store.CreateAssignment(context.Background(), &model.ShardAssignment{
		TenantID:    tenantID,
		PartitionID: partitionID,
		State:       model.AssignmentStateActive,
		Version:     1,
	}))
	require.NoError(t, e.shardMap.Refresh(context.Background()))
}

func TestHandler_ExternalWithoutCertificateRejected(t *testing.T) {
	env := newHandlerEnv(t, "p1")

	rec := env.do(http.MethodGet, "/admin/route?tenant_id=tenant-a", externalAddr, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "credentials_required", body["kind"])
}

func TestHandler_Route(t *testing.T) {
	env := newHandlerEnv(t, "p1")
	env.assign(t, "tenant-a", "p1")

	rec := env.do(http.MethodGet, "/admin/route?tenant_id=tenant-a", internalAddr, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "p1", body["partition_id"])
}

func TestHandler_Route_UnknownTenant(t *testing.T) {
	env := newHandlerEnv(t, "p1")

	rec := env.do(http.MethodGet, "/admin/route?tenant_id=tenant-ghost", internalAddr, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Route_MissingTenantID(t *testing.T) {
	env := newHandlerEnv(t, "p1")

	rec := env.do(http.MethodGet, "/admin/route", internalAddr, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Migrate(t *testing.T) {
	env := newHandlerEnv(t, "p1", "p2")
	env.assign(t, "tenant-a", "p1")
	require.NoError(t, env.clients["p1"].WriteRecords(context.Background(), "tenant-a", []*model.Record{
		{TenantID: "tenant-a", Key: "incident-001", Value: []byte("x"), UpdatedAt: time.Now().UTC()},
	}))

	rec := env.do(http.MethodPost, "/admin/migrations", internalAddr,
		`{"tenant_id": "tenant-a", "dest_partition": "p2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var migration model.Migration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &migration))
	assert.Equal(t, model.MigrationStatusCompleted, migration.Status)

	// The tenant now routes to the destination
	routeRec := env.do(http.MethodGet, "/admin/route?tenant_id=tenant-a", internalAddr, "")
	var body map[string]string
	require.NoError(t, json.Unmarshal(routeRec.Body.Bytes(), &body))
	assert.Equal(t, "p2", body["partition_id"])
}

func TestHandler_Migrate_MissingFields(t *testing.T) {
	env := newHandlerEnv(t, "p1")

	rec := env.do(http.MethodPost, "/admin/migrations", internalAddr, `{"tenant_id": "tenant-a"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_BackupLifecycle(t *testing.T) {
	env := newHandlerEnv(t, "p1")
	require.NoError(t, env.clients["p1"].WriteRecords(context.Background(), "tenant-a", []*model.Record{
		{TenantID: "tenant-a", Key: "incident-001", Value: []byte("x"), UpdatedAt: time.Now().UTC()},
	}))

	rec := env.do(http.MethodPost, "/admin/backups", internalAddr, `{"schedule_id": "nightly"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var artifact model.BackupArtifact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &artifact))
	assert.Equal(t, model.ArtifactStatusComplete, artifact.Status)

	listRec := env.do(http.MethodGet, "/admin/backups?schedule_id=nightly", internalAddr, "")
	require.Equal(t, http.StatusOK, listRec.Code)
	var artifacts []model.BackupArtifact
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &artifacts))
	require.Len(t, artifacts, 1)

	verifyRec := env.do(http.MethodPost, fmt.Sprintf("/admin/backups/%s/verify", artifact.ArtifactID), internalAddr, "")
	assert.Equal(t, http.StatusOK, verifyRec.Code)

	restoreRec := env.do(http.MethodPost, "/admin/restores", internalAddr,
		fmt.Sprintf(`{"artifact_id": %q, "target_partition": "p1"}`, artifact.ArtifactID))
	require.Equal(t, http.StatusOK, restoreRec.Code, restoreRec.Body.String())
	var job model.RestoreJob
	require.NoError(t, json.Unmarshal(restoreRec.Body.Bytes(), &job))
	assert.Equal(t, model.RestoreStatusDone, job.Status)
}

func TestHandler_Restore_UnknownArtifact(t *testing.T) {
	env := newHandlerEnv(t, "p1")

	rec := env.do(http.MethodPost, "/admin/restores", internalAddr,
		`{"artifact_id": "no-such-artifact", "target_partition": "p1"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_ListBackups_BadCursor(t *testing.T) {
	env := newHandlerEnv(t, "p1")

	rec := env.do(http.MethodGet, "/admin/backups?created_before=yesterday", internalAddr, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
