package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ProviderLocal, cfg.Storage.Provider)
	assert.Equal(t, 30*time.Second, cfg.ShardMap.RefreshInterval)
}

func TestConfig_Validate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing server host", func(c *Config) { c.Server.Host = "" }},
		{"bad server port", func(c *Config) { c.Server.Port = 70000 }},
		{"missing database host", func(c *Config) { c.Database.Host = "" }},
		{"missing database name", func(c *Config) { c.Database.Database = "" }},
		{"missing database user", func(c *Config) { c.Database.User = "" }},
		{"zero refresh interval", func(c *Config) { c.ShardMap.RefreshInterval = 0 }},
		{"zero chunk size", func(c *Config) { c.Migration.ChunkSize = 0 }},
		{"zero backup retries", func(c *Config) { c.Backup.MaxRetries = 0 }},
		{"zero retention days", func(c *Config) { c.Backup.RetentionDays = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStorageConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     StorageConfig
		wantErr bool
	}{
		{"local ok", StorageConfig{Provider: ProviderLocal, Destination: "/backups"}, false},
		{"local missing destination", StorageConfig{Provider: ProviderLocal}, true},
		{"s3 ok", StorageConfig{Provider: ProviderS3, Destination: "bkt", AccessKey: "ak", SecretKey: "sk"}, false},
		{"s3 missing credentials", StorageConfig{Provider: ProviderS3, Destination: "bkt"}, true},
		{"gcs ok", StorageConfig{Provider: ProviderGCS, Destination: "bkt", CredentialsFile: "sa.json"}, false},
		{"gcs missing credentials file", StorageConfig{Provider: ProviderGCS, Destination: "bkt"}, true},
		{"azure ok", StorageConfig{Provider: ProviderAzure, Destination: "ctr", AccessKey: "account", SecretKey: "key"}, false},
		{"azure missing account key", StorageConfig{Provider: ProviderAzure, Destination: "ctr", AccessKey: "account"}, true},
		{"unknown provider", StorageConfig{Provider: "ftp", Destination: "x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	content := `
server:
  host: 127.0.0.1
  port: 9000
  node_id: core-test
database:
  host: db.internal
  database: metadata
  user: core
shard_map:
  refresh_interval: 10s
migration:
  chunk_size: 250
backup:
  max_retries: 3
  retention_days: 7
storage:
  provider: local
  destination: /var/backups
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "core-test", cfg.Server.NodeID)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 10*time.Second, cfg.ShardMap.RefreshInterval)
	assert.Equal(t, 250, cfg.Migration.ChunkSize)
	assert.Equal(t, 7, cfg.Backup.RetentionDays)

	// Unset fields keep their defaults
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.True(t, cfg.Backup.Compression)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "env-db.internal")
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("BACKUP_PROVIDER", "s3")
	t.Setenv("BACKUP_DESTINATION", "env-bucket")
	t.Setenv("BACKUP_ACCESS_KEY", "env-ak")
	t.Setenv("BACKUP_SECRET_KEY", "env-sk")
	t.Setenv("BACKUP_RETENTION_DAYS", "14")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "env-db.internal", cfg.Database.Host)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, ProviderS3, cfg.Storage.Provider)
	assert.Equal(t, "env-bucket", cfg.Storage.Destination)
	assert.Equal(t, 14, cfg.Backup.RetentionDays)
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	content := `
server:
  host: ""
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}
