package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadDefaults(t *testing.T) *Config {
	t.Helper()
	viper.Reset()
	setDefaults()

	var cfg Config
	require.NoError(t, viper.Unmarshal(&cfg))
	require.NoError(t, validateConfig(&cfg))
	cfg.ResolveDataPaths()
	return &cfg
}

func TestDefaults(t *testing.T) {
	cfg := loadDefaults(t)

	assert.Equal(t, StartupModeStrict, cfg.StartupMode)
	assert.Equal(t, "localhost:6379", cfg.Queue.Addr)
	assert.Equal(t, "argus:events:raw", cfg.Queue.RawStream)
	assert.Equal(t, int64(5), cfg.Queue.MaxDeliveries)
	assert.Equal(t, StorageBackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, ArchiveBackendLocal, cfg.Archive.Backend)
	assert.Equal(t, 30, cfg.Retention.HotDays)
	assert.Equal(t, 365, cfg.Retention.ArchiveDays)
	assert.Equal(t, 90, cfg.Retention.AlertDays)
	assert.Equal(t, 500*time.Millisecond, cfg.RegexTimeout())
}

func TestResolveDataPaths(t *testing.T) {
	cfg := loadDefaults(t)

	assert.Equal(t, "data/argus.db", cfg.DataPaths.SQLitePath)
	assert.Equal(t, "data/archive", cfg.DataPaths.ArchiveDir)
	assert.Equal(t, cfg.DataPaths.SQLitePath, cfg.GetSQLitePath())
}

func TestValidateConfig_Rejections(t *testing.T) {
	mutations := map[string]func(*Config){
		"empty queue addr":       func(c *Config) { c.Queue.Addr = "" },
		"zero batch size":        func(c *Config) { c.Queue.BatchSize = 0 },
		"zero workers":           func(c *Config) { c.Normalizer.Workers = 0 },
		"bad storage backend":    func(c *Config) { c.Storage.Backend = "postgres" },
		"bad archive backend":    func(c *Config) { c.Archive.Backend = "tape" },
		"archive < hot":          func(c *Config) { c.Retention.ArchiveDays = 7 },
		"zero alert retention":   func(c *Config) { c.Retention.AlertDays = 0 },
		"zero tick interval":     func(c *Config) { c.Engine.TickInterval = 0 },
		"webhook without url":    func(c *Config) { c.Notifications.Webhook.Enabled = true },
		"s3 without bucket":      func(c *Config) { c.Archive.Backend = ArchiveBackendS3 },
		"clickhouse without addr": func(c *Config) {
			c.Storage.Backend = StorageBackendClickHouse
			c.Storage.ClickHouse.Addr = ""
		},
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := loadDefaults(t)
			mutate(cfg)
			assert.Error(t, validateConfig(cfg))
		})
	}
}
