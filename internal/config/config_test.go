package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Len(t, cfg.Scheduler.Queues, len(types.AllQueues))
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 2, cfg.Scheduler.Queues[types.QueueInsight].MaxWorkers)
	assert.Equal(t, 5, cfg.Scheduler.Queues[types.QueueCustom].BackpressureThreshold)
}

func TestParse_OverridesOnTopOfDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
cache:
  ttl: 45s
scheduler:
  queues:
    anomaly:
      max_workers: 8
executor:
  parallel: true
`))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 1024, cfg.Cache.MaxEntries, "untouched fields keep defaults")
	assert.True(t, cfg.Executor.Parallel)

	anomaly := cfg.Scheduler.Queues[types.QueueAnomaly]
	assert.Equal(t, 8, anomaly.MaxWorkers)
	assert.Equal(t, 20, anomaly.BackpressureThreshold, "missing queue fields are filled")

	ec := cfg.EngineConfig()
	assert.True(t, ec.Executor.Parallel)
	assert.Equal(t, 45*time.Second, ec.CacheTTL)
	assert.Equal(t, 8, ec.Queues[types.QueueAnomaly].MaxWorkers)
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("cache:\n  ttl_seconds: 30\n"))
	assert.Error(t, err)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Tracing.Exporter = "zipkin"
	cfg.Storage.Backend = BackendSQLite
	cfg.Cache.TTL = 0
	cfg.Scheduler.Queues["bogus"] = cfg.Scheduler.Queues[types.QueueAnomaly]

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	msg := err.Error()
	assert.Contains(t, msg, "zipkin")
	assert.Contains(t, msg, "sqlite_path")
	assert.Contains(t, msg, "cache.ttl")
	assert.Contains(t, msg, `"bogus"`)
}

func TestValidate_OTLPNeedsEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Tracing.Exporter = ExporterOTLPHTTP
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	cfg.Tracing.Endpoint = "localhost:4318"
	assert.NoError(t, cfg.Validate())
}

func TestEngineConfig_PersistenceOnlyForMemoryBackend(t *testing.T) {
	cfg := Default()
	cfg.Storage.SnapshotPath = "snap.json"
	cfg.Storage.WALPath = "exec.wal"
	assert.Equal(t, "exec.wal", cfg.EngineConfig().WALPath)

	cfg.Storage.Backend = BackendSQLite
	cfg.Storage.SQLitePath = "db.sqlite"
	ec := cfg.EngineConfig()
	assert.Empty(t, ec.WALPath)
	assert.Empty(t, ec.SnapshotPath)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}
