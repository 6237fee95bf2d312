package bootstrap

import (
	"path/filepath"
	"testing"

	"argus/config"
	"argus/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.DataPaths.DataDir = dir
	cfg.DataPaths.SQLitePath = filepath.Join(dir, "argus.db")
	cfg.DataPaths.ArchiveDir = filepath.Join(dir, "archive")
	cfg.Storage.Backend = config.StorageBackendSQLite
	cfg.Archive.Backend = config.ArchiveBackendLocal
	cfg.Normalizer.MaxPayloadBytes = 1 << 20
	cfg.Normalizer.RegexTimeoutMs = 500
	return cfg
}

func TestInitStoresDefaultsToSQLite(t *testing.T) {
	cfg := testConfig(t)

	stores, err := InitStores(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer stores.DB.Close()

	assert.IsType(t, &storage.SQLiteEventStore{}, stores.Events)
	assert.NotNil(t, stores.Rules)
	assert.NotNil(t, stores.Alerts)
	assert.NotNil(t, stores.Quarantine)
	assert.NotNil(t, stores.Partitions)
}

func TestInitArchiveSinkLocal(t *testing.T) {
	cfg := testConfig(t)

	sink, err := InitArchiveSink(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.IsType(t, &storage.LocalArchiveSink{}, sink)
}

func TestInitNormalizerBuiltinPatterns(t *testing.T) {
	cfg := testConfig(t)

	n, err := InitNormalizer(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.NotNil(t, n)
}

func TestInitNormalizerRejectsMissingPatternFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Normalizer.PatternFile = filepath.Join(t.TempDir(), "nope.yaml")

	_, err := InitNormalizer(cfg, zap.NewNop().Sugar())
	assert.Error(t, err)
}
