package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/longyi-brownie/brownie-metadata-database/internal/admin"
	"github.com/longyi-brownie/brownie-metadata-database/internal/audit"
	"github.com/longyi-brownie/brownie-metadata-database/internal/backup"
	"github.com/longyi-brownie/brownie-metadata-database/internal/certauth"
	"github.com/longyi-brownie/brownie-metadata-database/internal/config"
	"github.com/longyi-brownie/brownie-metadata-database/internal/health"
	"github.com/longyi-brownie/brownie-metadata-database/internal/logging"
	"github.com/longyi-brownie/brownie-metadata-database/internal/metrics"
	"github.com/longyi-brownie/brownie-metadata-database/internal/router"
	"github.com/longyi-brownie/brownie-metadata-database/internal/shardmap"
	"github.com/longyi-brownie/brownie-metadata-database/internal/storage"
	"github.com/longyi-brownie/brownie-metadata-database/internal/store"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting metadata core",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.String("database_host", cfg.Database.Host),
		zap.String("database_name", cfg.Database.Database),
		zap.String("storage_provider", string(cfg.Storage.Provider)))

	// Initialize metrics
	m := metrics.NewMetrics()
	logger.Info("Metrics initialized")

	// Initialize shard map store (PostgreSQL)
	shardMapStore, err := store.NewPostgresShardMapStore(
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize shard map store", zap.Error(err))
	}
	logger.Info("Shard map store initialized")

	// Backup store shares the metadata connection pool
	backupStore := store.NewPostgresBackupStore(shardMapStore.GetPool(), logger)
	logger.Info("Backup store initialized")

	// Initialize idempotency store (Redis)
	idempotencyStore, err := store.NewRedisIdempotencyStore(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize idempotency store", zap.Error(err))
	}
	logger.Info("Idempotency store initialized")

	// Initialize audit sink
	auditSink := audit.NewZapSink(logger.Named("audit"), 1024)

	// Initialize certificate gate
	trustStore := certauth.NewTrustStore()
	if err := trustStore.LoadCAFile(cfg.Auth.CAFile); err != nil {
		logger.Fatal("Failed to load CA file", zap.Error(err))
	}
	if cfg.Auth.RevocationFile != "" {
		if err := trustStore.LoadRevocationFile(cfg.Auth.RevocationFile); err != nil {
			logger.Fatal("Failed to load revocation file", zap.Error(err))
		}
	}
	authenticator, err := certauth.NewAuthenticator(trustStore, cfg.Auth, auditSink, m, logger)
	if err != nil {
		logger.Fatal("Failed to initialize authenticator", zap.Error(err))
	}
	logger.Info("Certificate gate initialized",
		zap.Int("trusted_cas", trustStore.Size()),
		zap.Int("allowed_principals", len(cfg.Auth.RoleMap)))

	// Initialize shard map with initial load
	ctx := context.Background()
	shardMap, err := shardmap.NewMap(ctx, shardMapStore, cfg.ShardMap.RefreshInterval, logger)
	if err != nil {
		logger.Fatal("Failed to load shard map", zap.Error(err))
	}
	logger.Info("Shard map loaded")

	// Initialize partition clients, router and migrator
	clientPool := router.NewClientPool(router.PgxDialer(logger), logger)
	tenantRouter := router.NewRouter(shardMap, clientPool, m, logger)
	migrator := router.NewMigrator(shardMap, shardMapStore, clientPool, cfg.Migration, m, auditSink, logger)
	logger.Info("Router initialized")

	// Initialize backup storage provider and coordinator
	provider, err := storage.New(cfg.Storage, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage provider", zap.Error(err))
	}
	coordinator, err := backup.NewCoordinator(
		backupStore,
		idempotencyStore,
		shardMap,
		clientPool,
		provider,
		cfg.Backup,
		m,
		auditSink,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize backup coordinator", zap.Error(err))
	}
	logger.Info("Backup coordinator initialized")

	// Start metrics server
	if cfg.Metrics.Enabled {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, metricsMux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Admin and health server
	healthChecker := health.NewHealthChecker(shardMapStore, backupStore, idempotencyStore, logger)
	adminHandler := admin.NewHandler(authenticator, tenantRouter, migrator, coordinator, logger)

	httpRouter := mux.NewRouter()
	httpRouter.HandleFunc("/health/live", healthChecker.LivenessHandler).Methods(http.MethodGet)
	httpRouter.HandleFunc("/health/ready", healthChecker.ReadinessHandler).Methods(http.MethodGet)
	adminHandler.Register(httpRouter)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      httpRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // migrations and restores are slow calls
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting admin server", zap.String("address", addr))
		serverErrors <- server.ListenAndServe()
	}()

	// Retention sweep loop
	sweepCtx, stopSweeps := context.WithCancel(ctx)
	go retentionLoop(sweepCtx, coordinator, logger)

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	// Graceful shutdown
	logger.Info("Shutting down gracefully")
	stopSweeps()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown timeout", zap.Error(err))
	}

	shardMap.Stop()
	clientPool.Close()
	if err := idempotencyStore.Close(); err != nil {
		logger.Warn("Failed to close idempotency store", zap.Error(err))
	}
	backupStore.Close()
	shardMapStore.Close()
	auditSink.Close()

	logger.Info("Shutdown complete")
}

// retentionLoop runs the retention and orphan sweeps once a day
func retentionLoop(ctx context.Context, coordinator *backup.Coordinator, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := coordinator.CleanupExpired(ctx)
			if err != nil {
				logger.Error("Retention sweep failed", zap.Error(err))
			} else if deleted > 0 {
				logger.Info("Retention sweep finished", zap.Int("deleted", deleted))
			}

			removed, err := coordinator.SweepOrphans(ctx)
			if err != nil {
				logger.Error("Orphan sweep failed", zap.Error(err))
			} else if removed > 0 {
				logger.Info("Orphan sweep finished", zap.Int("removed", removed))
			}
		}
	}
}
