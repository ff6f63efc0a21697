package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the metadata core configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	ShardMap  ShardMapConfig  `mapstructure:"shard_map"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Migration MigrationConfig `mapstructure:"migration"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig represents the health/metrics listener configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	NodeID          string        `mapstructure:"node_id"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents the PostgreSQL metadata store configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig represents the Redis idempotency store configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ShardMapConfig represents shard map snapshot configuration
type ShardMapConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// AuthConfig represents certificate authentication configuration
type AuthConfig struct {
	CAFile           string            `mapstructure:"ca_file"`
	RevocationFile   string            `mapstructure:"revocation_file"`
	RoleMap          map[string]string `mapstructure:"role_map"`
	InternalNetworks []string          `mapstructure:"internal_networks"`
	InternalRole     string            `mapstructure:"internal_role"`
}

// MigrationConfig represents tenant migration configuration
type MigrationConfig struct {
	ChunkSize  int           `mapstructure:"chunk_size"`
	ChunkDelay time.Duration `mapstructure:"chunk_delay"`
	DrainGrace time.Duration `mapstructure:"drain_grace"`
	Verify     bool          `mapstructure:"verify"`
}

// BackupConfig represents backup/restore orchestration configuration
type BackupConfig struct {
	StagingDir    string        `mapstructure:"staging_dir"`
	Compression   bool          `mapstructure:"compression"`
	EncryptionKey string        `mapstructure:"encryption_key"` // hex, 32 bytes; empty disables encryption
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	RetentionDays int           `mapstructure:"retention_days"`
	RetentionKeep int           `mapstructure:"retention_keep"`
	TriggerWindow time.Duration `mapstructure:"trigger_window"`
}

// StorageProvider enumerates the supported backup storage backends
type StorageProvider string

const (
	ProviderS3    StorageProvider = "s3"
	ProviderGCS   StorageProvider = "gcs"
	ProviderAzure StorageProvider = "azure"
	ProviderLocal StorageProvider = "local"
)

// StorageConfig represents the typed per-provider storage configuration
type StorageConfig struct {
	Provider        StorageProvider `mapstructure:"provider"`
	Destination     string          `mapstructure:"destination"` // bucket/container, or directory for local
	Endpoint        string          `mapstructure:"endpoint"`
	AccessKey       string          `mapstructure:"access_key"`
	SecretKey       string          `mapstructure:"secret_key"`
	Region          string          `mapstructure:"region"`
	CredentialsFile string          `mapstructure:"credentials_file"` // GCS service account key
	UseTLS          bool            `mapstructure:"use_tls"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"` // empty logs to stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Database == "" {
		return errors.New("database.database is required")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if c.ShardMap.RefreshInterval <= 0 {
		return errors.New("shard_map.refresh_interval must be positive")
	}
	if c.Migration.ChunkSize <= 0 {
		return errors.New("migration.chunk_size must be positive")
	}
	if c.Backup.MaxRetries < 1 {
		return errors.New("backup.max_retries must be at least 1")
	}
	if c.Backup.RetentionDays < 1 {
		return errors.New("backup.retention_days must be at least 1")
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// Validate checks that the credentials required by the selected provider are set
func (s *StorageConfig) Validate() error {
	switch s.Provider {
	case ProviderLocal:
		if s.Destination == "" {
			return errors.New("storage.destination is required")
		}
	case ProviderS3:
		if s.Destination == "" {
			return errors.New("storage.destination is required for s3")
		}
		if s.AccessKey == "" || s.SecretKey == "" {
			return errors.New("s3 requires storage.access_key and storage.secret_key")
		}
	case ProviderGCS:
		if s.Destination == "" {
			return errors.New("storage.destination is required for gcs")
		}
		if s.CredentialsFile == "" {
			return errors.New("gcs requires storage.credentials_file")
		}
	case ProviderAzure:
		if s.Destination == "" {
			return errors.New("storage.destination is required for azure")
		}
		if s.AccessKey == "" || s.SecretKey == "" {
			return errors.New("azure requires storage.access_key (account) and storage.secret_key (key)")
		}
	default:
		return fmt.Errorf("storage.provider must be one of: s3, gcs, azure, local (got %q)", s.Provider)
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			NodeID:          "metadata-core-1",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "brownie_metadata",
			User:            "brownie",
			Password:        "",
			MaxConnections:  50,
			MinConnections:  10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			DB:       0,
			PoolSize: 100,
		},
		ShardMap: ShardMapConfig{
			RefreshInterval: 30 * time.Second,
		},
		Auth: AuthConfig{
			CAFile:           "certs/ca.crt",
			RoleMap:          map[string]string{},
			InternalNetworks: []string{"10.0.0.0/8"},
			InternalRole:     "",
		},
		Migration: MigrationConfig{
			ChunkSize:  500,
			ChunkDelay: 50 * time.Millisecond,
			DrainGrace: 24 * time.Hour,
			Verify:     true,
		},
		Backup: BackupConfig{
			StagingDir:    "/tmp/brownie-backups",
			Compression:   true,
			MaxRetries:    5,
			BackoffBase:   500 * time.Millisecond,
			RetentionDays: 30,
			RetentionKeep: 0,
			TriggerWindow: time.Hour,
		},
		Storage: StorageConfig{
			Provider:    ProviderLocal,
			Destination: "/backups",
			UseTLS:      true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}
