package router

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
	"github.com/longyi-brownie/brownie-metadata-database/internal/store"
)

// PgxPartitionClient implements PartitionClient against a PostgreSQL
// partition database
type PgxPartitionClient struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// PgxDialer returns a Dialer that connects to partitions over pgx
func PgxDialer(logger *zap.Logger) Dialer {
	return func(ctx context.Context, partition *model.Partition) (PartitionClient, error) {
		return NewPgxPartitionClient(ctx, partition.ConnString, logger.With(
			zap.String("partition_id", partition.PartitionID)))
	}
}

// NewPgxPartitionClient connects to a partition database and ensures the
// record schema exists
func NewPgxPartitionClient(ctx context.Context, connString string, logger *zap.Logger) (*PgxPartitionClient, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to partition: %w", err)
	}

	client := &PgxPartitionClient{pool: pool, logger: logger}
	if err := client.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return client, nil
}

func (c *PgxPartitionClient) ensureSchema(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tenant_records (
			tenant_id  TEXT NOT NULL,
			record_key TEXT NOT NULL,
			payload    BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, record_key)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure partition schema: %w", err)
	}
	return nil
}

// ReadRecord reads one record by key
func (c *PgxPartitionClient) ReadRecord(ctx context.Context, tenantID, key string) (*model.Record, error) {
	record := &model.Record{TenantID: tenantID, Key: key}
	err := c.pool.QueryRow(ctx,
		`SELECT payload, updated_at FROM tenant_records WHERE tenant_id = $1 AND record_key = $2`,
		tenantID, key,
	).Scan(&record.Value, &record.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return record, nil
}

// WriteRecords upserts a batch of records for a tenant
func (c *PgxPartitionClient) WriteRecords(ctx context.Context, tenantID string, records []*model.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, record := range records {
		batch.Queue(`
			INSERT INTO tenant_records (tenant_id, record_key, payload, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, record_key)
			DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
		`, tenantID, record.Key, record.Value, record.UpdatedAt)
	}

	results := c.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to write records: %w", err)
		}
	}
	return nil
}

// QueryTenant reads all records of a tenant ordered by key
func (c *PgxPartitionClient) QueryTenant(ctx context.Context, tenantID string) ([]*model.Record, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT record_key, payload, updated_at FROM tenant_records WHERE tenant_id = $1 ORDER BY record_key`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant records: %w", err)
	}
	defer rows.Close()
	return c.scanRecords(rows, tenantID)
}

// ReadChunk reads up to limit records with keys strictly after afterKey.
// Keyset pagination keeps backfill restartable from a checkpoint.
func (c *PgxPartitionClient) ReadChunk(ctx context.Context, tenantID, afterKey string, limit int) ([]*model.Record, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT record_key, payload, updated_at FROM tenant_records
		WHERE tenant_id = $1 AND record_key > $2
		ORDER BY record_key
		LIMIT $3
	`, tenantID, afterKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}
	defer rows.Close()
	return c.scanRecords(rows, tenantID)
}

func (c *PgxPartitionClient) scanRecords(rows pgx.Rows, tenantID string) ([]*model.Record, error) {
	var records []*model.Record
	for rows.Next() {
		record := &model.Record{TenantID: tenantID}
		if err := rows.Scan(&record.Key, &record.Value, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// RowCount counts the tenant's records
func (c *PgxPartitionClient) RowCount(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := c.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tenant_records WHERE tenant_id = $1`, tenantID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// TenantChecksum computes a deterministic digest over the tenant's records
// in key order. Matching digests on two partitions mean matching data.
func (c *PgxPartitionClient) TenantChecksum(ctx context.Context, tenantID string) (string, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT record_key, payload FROM tenant_records WHERE tenant_id = $1 ORDER BY record_key`,
		tenantID)
	if err != nil {
		return "", fmt.Errorf("failed to checksum tenant: %w", err)
	}
	defer rows.Close()

	h := sha256.New()
	for rows.Next() {
		var key string
		var payload []byte
		if err := rows.Scan(&key, &payload); err != nil {
			return "", fmt.Errorf("failed to scan record: %w", err)
		}
		h.Write([]byte(key))
		h.Write([]byte{0})
		h.Write(payload)
		h.Write([]byte{0})
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DeleteTenant removes all records of a tenant
func (c *PgxPartitionClient) DeleteTenant(ctx context.Context, tenantID string) error {
	_, err := c.pool.Exec(ctx,
		`DELETE FROM tenant_records WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete tenant records: %w", err)
	}
	return nil
}

// Snapshot streams every record on the partition to w, one JSON document
// per line, ordered by (tenant_id, record_key)
func (c *PgxPartitionClient) Snapshot(ctx context.Context, w io.Writer) error {
	rows, err := c.pool.Query(ctx,
		`SELECT tenant_id, record_key, payload, updated_at FROM tenant_records ORDER BY tenant_id, record_key`)
	if err != nil {
		return fmt.Errorf("failed to snapshot partition: %w", err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	for rows.Next() {
		var record model.Record
		if err := rows.Scan(&record.TenantID, &record.Key, &record.Value, &record.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan record: %w", err)
		}
		if err := enc.Encode(&record); err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
	}
	return rows.Err()
}

// RestoreSnapshot loads a snapshot stream into a staging table and swaps it
// in atomically. Live records are replaced in a single rename transaction so
// readers never observe a partially restored partition.
func (c *PgxPartitionClient) RestoreSnapshot(ctx context.Context, r io.Reader) error {
	_, err := c.pool.Exec(ctx, `
		DROP TABLE IF EXISTS tenant_records_staging;
		CREATE TABLE tenant_records_staging (LIKE tenant_records INCLUDING ALL)
	`)
	if err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	batch := &pgx.Batch{}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record model.Record
		if err := json.Unmarshal(line, &record); err != nil {
			return fmt.Errorf("failed to decode snapshot record: %w", err)
		}
		batch.Queue(
			`INSERT INTO tenant_records_staging (tenant_id, record_key, payload, updated_at) VALUES ($1, $2, $3, $4)`,
			record.TenantID, record.Key, record.Value, record.UpdatedAt)

		if batch.Len() >= 500 {
			if err := c.flushBatch(ctx, batch); err != nil {
				return err
			}
			batch = &pgx.Batch{}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read snapshot stream: %w", err)
	}
	if batch.Len() > 0 {
		if err := c.flushBatch(ctx, batch); err != nil {
			return err
		}
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin swap transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DROP TABLE tenant_records`); err != nil {
		return fmt.Errorf("failed to drop live table: %w", err)
	}
	if _, err := tx.Exec(ctx, `ALTER TABLE tenant_records_staging RENAME TO tenant_records`); err != nil {
		return fmt.Errorf("failed to swap staging table: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit swap: %w", err)
	}

	c.logger.Info("Partition snapshot restored")
	return nil
}

func (c *PgxPartitionClient) flushBatch(ctx context.Context, batch *pgx.Batch) error {
	results := c.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to load staging rows: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity to the partition
func (c *PgxPartitionClient) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close releases the connection pool
func (c *PgxPartitionClient) Close() {
	c.pool.Close()
}
