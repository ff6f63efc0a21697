package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/store"
)

// HealthChecker provides health check endpoints
type HealthChecker struct {
	shardMapStore    store.ShardMapStore
	backupStore      store.BackupStore
	idempotencyStore store.IdempotencyStore
	logger           *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(
	shardMapStore store.ShardMapStore,
	backupStore store.BackupStore,
	idempotencyStore store.IdempotencyStore,
	logger *zap.Logger,
) *HealthChecker {
	return &HealthChecker{
		shardMapStore:    shardMapStore,
		backupStore:      backupStore,
		idempotencyStore: idempotencyStore,
		logger:           logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if err := h.checkShardMapStore(ctx); err != nil {
		h.logger.Error("Shard map store health check failed", zap.Error(err))
		checks["shard_map_store"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["shard_map_store"] = "healthy"
	}

	if err := h.checkBackupStore(ctx); err != nil {
		h.logger.Error("Backup store health check failed", zap.Error(err))
		checks["backup_store"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["backup_store"] = "healthy"
	}

	if err := h.checkIdempotencyStore(ctx); err != nil {
		h.logger.Error("Idempotency store health check failed", zap.Error(err))
		checks["idempotency_store"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["idempotency_store"] = "healthy"
	}

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")

	if allHealthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}

// checkShardMapStore checks if the shard map store is healthy
func (h *HealthChecker) checkShardMapStore(ctx context.Context) error {
	if h.shardMapStore == nil {
		return nil // Skip if not initialized
	}
	return h.shardMapStore.Ping(ctx)
}

// checkBackupStore checks if the backup store is healthy
func (h *HealthChecker) checkBackupStore(ctx context.Context) error {
	if h.backupStore == nil {
		return nil // Skip if not initialized
	}
	return h.backupStore.Ping(ctx)
}

// checkIdempotencyStore checks if the idempotency store is healthy
func (h *HealthChecker) checkIdempotencyStore(ctx context.Context) error {
	if h.idempotencyStore == nil {
		return nil // Skip if not initialized
	}
	return h.idempotencyStore.Ping(ctx)
}
