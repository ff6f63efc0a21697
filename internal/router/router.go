package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/errors"
	"github.com/longyi-brownie/brownie-metadata-database/internal/metrics"
	"github.com/longyi-brownie/brownie-metadata-database/internal/model"
	"github.com/longyi-brownie/brownie-metadata-database/internal/shardmap"
)

// Router resolves tenants to partitions and executes reads, writes and
// cross-partition queries against them. Every operation works on one shard
// map snapshot taken at call start; a concurrent map change never splits a
// single call across two map versions.
type Router struct {
	shardMap *shardmap.Map
	clients  *ClientPool
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewRouter creates a tenant router
func NewRouter(sm *shardmap.Map, clients *ClientPool, m *metrics.Metrics, logger *zap.Logger) *Router {
	return &Router{
		shardMap: sm,
		clients:  clients,
		metrics:  m,
		logger:   logger,
	}
}

// Route resolves the tenant's authoritative partition. During a migration
// this stays the source partition until cutover commits.
func (r *Router) Route(tenantID string) (*model.Partition, error) {
	snap := r.shardMap.Snapshot()

	assignment, ok := snap.ActiveAssignment(tenantID)
	if !ok {
		r.countRoute("unassigned")
		return nil, errors.UnassignedTenant(tenantID)
	}

	partition, ok := snap.Partition(assignment.PartitionID)
	if !ok {
		r.countRoute("missing_partition")
		return nil, errors.PartitionUnavailable(assignment.PartitionID, nil)
	}
	if partition.State == model.PartitionStateOffline {
		r.countRoute("offline")
		return nil, errors.PartitionUnavailable(partition.PartitionID, nil)
	}

	r.countRoute("ok")
	return partition, nil
}

// ReadRecord reads one record from the tenant's authoritative partition
func (r *Router) ReadRecord(ctx context.Context, tenantID, key string) (*model.Record, error) {
	partition, err := r.Route(tenantID)
	if err != nil {
		return nil, err
	}

	client, err := r.clients.Get(ctx, partition)
	if err != nil {
		return nil, errors.PartitionUnavailable(partition.PartitionID, err)
	}
	return client.ReadRecord(ctx, tenantID, key)
}

// WriteRecord writes one record to the tenant's authoritative partition.
// While a migration is in dual-write, the write is mirrored to the
// provisional destination; a mirror failure does not fail the caller's
// write, the migration's verify phase catches any divergence.
func (r *Router) WriteRecord(ctx context.Context, tenantID string, record *model.Record) error {
	snap := r.shardMap.Snapshot()

	assignment, ok := snap.ActiveAssignment(tenantID)
	if !ok {
		r.countRoute("unassigned")
		return errors.UnassignedTenant(tenantID)
	}

	partition, ok := snap.Partition(assignment.PartitionID)
	if !ok || !partition.AcceptsWrites() {
		r.countRoute("unavailable")
		return errors.PartitionUnavailable(assignment.PartitionID, nil)
	}
	r.countRoute("ok")

	client, err := r.clients.Get(ctx, partition)
	if err != nil {
		return errors.PartitionUnavailable(partition.PartitionID, err)
	}
	if err := client.WriteRecords(ctx, tenantID, []*model.Record{record}); err != nil {
		return errors.PartitionUnavailable(partition.PartitionID, err)
	}

	if provisional, ok := snap.ProvisionalAssignment(tenantID); ok {
		r.mirrorWrite(ctx, snap, tenantID, provisional.PartitionID, record)
	}
	return nil
}

// mirrorWrite applies the dual-write copy to the migration destination
func (r *Router) mirrorWrite(ctx context.Context, snap *shardmap.Snapshot, tenantID, partitionID string, record *model.Record) {
	partition, ok := snap.Partition(partitionID)
	if !ok {
		return
	}
	client, err := r.clients.Get(ctx, partition)
	if err == nil {
		err = client.WriteRecords(ctx, tenantID, []*model.Record{record})
	}
	if err != nil {
		r.logger.Warn("Dual-write mirror failed",
			zap.String("tenant_id", tenantID),
			zap.String("partition_id", partitionID),
			zap.Error(err))
	}
}

// PartitionResult is the outcome of one partition's leg of a scatter-gather
type PartitionResult struct {
	PartitionID string
	Value       interface{}
	Err         error
}

// ScatterResult is the combined outcome of a scatter-gather query. Failed
// partitions are reported as explicit markers, never silently dropped.
type ScatterResult struct {
	MapVersion int64
	Results    []PartitionResult
}

// Failures returns the per-partition failure markers
func (s *ScatterResult) Failures() []PartitionResult {
	var out []PartitionResult
	for _, r := range s.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Complete reports whether every partition leg succeeded
func (s *ScatterResult) Complete() bool {
	return len(s.Failures()) == 0
}

// Merge folds the successful partition results into a single value using the
// caller's combinator. Failed legs are skipped; callers inspect Failures to
// decide whether the partial aggregate is acceptable.
func (s *ScatterResult) Merge(initial interface{}, combine func(acc interface{}, result PartitionResult) interface{}) interface{} {
	acc := initial
	for _, r := range s.Results {
		if r.Err != nil {
			continue
		}
		acc = combine(acc, r)
	}
	return acc
}

// ScatterGather fans fn out to every active and draining partition in the
// snapshot taken at call start and gathers per-partition results. Each leg
// runs under perPartitionTimeout; a slow or failed partition becomes an
// error marker in its result slot and never blocks the others.
func (r *Router) ScatterGather(
	ctx context.Context,
	perPartitionTimeout time.Duration,
	fn func(ctx context.Context, partitionID string, client PartitionClient) (interface{}, error),
) *ScatterResult {
	snap := r.shardMap.Snapshot()
	targets := snap.ReadTargets()

	started := time.Now()
	result := &ScatterResult{
		MapVersion: snap.Version,
		Results:    make([]PartitionResult, len(targets)),
	}

	var wg sync.WaitGroup
	for i, partition := range targets {
		wg.Add(1)
		go func(slot int, partition *model.Partition) {
			defer wg.Done()
			result.Results[slot] = r.runLeg(ctx, perPartitionTimeout, partition, fn)
		}(i, partition)
	}
	wg.Wait()

	outcome := "complete"
	if !result.Complete() {
		outcome = "partial"
	}
	if r.metrics != nil {
		r.metrics.ScatterGatherDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	}
	r.logger.Debug("Scatter-gather finished",
		zap.Int64("map_version", result.MapVersion),
		zap.Int("partitions", len(targets)),
		zap.Int("failures", len(result.Failures())),
		zap.Duration("elapsed", time.Since(started)))

	return result
}

// runLeg executes one partition leg of a scatter-gather
func (r *Router) runLeg(
	ctx context.Context,
	timeout time.Duration,
	partition *model.Partition,
	fn func(ctx context.Context, partitionID string, client PartitionClient) (interface{}, error),
) PartitionResult {
	legCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := r.clients.Get(legCtx, partition)
	if err != nil {
		return r.failedLeg(partition.PartitionID, "dial", errors.PartitionUnavailable(partition.PartitionID, err))
	}

	value, err := fn(legCtx, partition.PartitionID, client)
	if err != nil {
		if legCtx.Err() == context.DeadlineExceeded {
			return r.failedLeg(partition.PartitionID, "timeout", errors.PartitionTimeout(partition.PartitionID, err))
		}
		return r.failedLeg(partition.PartitionID, "query", errors.PartitionUnavailable(partition.PartitionID, err))
	}

	return PartitionResult{PartitionID: partition.PartitionID, Value: value}
}

func (r *Router) failedLeg(partitionID, reason string, err error) PartitionResult {
	if r.metrics != nil {
		r.metrics.ScatterPartialFailures.WithLabelValues(partitionID, reason).Inc()
	}
	return PartitionResult{PartitionID: partitionID, Err: err}
}

func (r *Router) countRoute(outcome string) {
	if r.metrics != nil {
		r.metrics.RouteLookupsTotal.WithLabelValues(outcome).Inc()
	}
}
