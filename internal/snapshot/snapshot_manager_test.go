package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-query/internal/repository"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

func sampleData() types.SnapshotData {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return types.SnapshotData{
		Executions: map[string]*types.QueryExecution{
			"exec-001": {ID: "exec-001", TenantID: "s1", Status: types.ExecQueued, Queue: types.QueueAnomaly, ReproducibilityHash: "abc"},
			"exec-002": {ID: "exec-002", TenantID: "s1", Status: types.ExecRunning, StartedAt: &started},
			"exec-003": {ID: "exec-003", TenantID: "s2", Status: types.ExecCompleted, Result: &types.QueryResult{Format: "JSON", Score: 0.8}},
		},
		Budgets: map[string]*types.ExecutionBudget{
			"s1": {TenantID: "s1", Tier: types.TierBasic, MaxConcurrentQueries: 3, CurrentQueries: 2, QueuedQueries: 1, ComputeUnitsUsed: 12.5},
		},
		QueueEntries: map[string]*types.QueuedExecution{
			"q-1": {ID: "q-1", ExecutionID: "exec-001", TenantID: "s1", Queue: types.QueueAnomaly, Seq: 7, Status: types.EntryQueued},
		},
		PoolStats: map[types.QueueName]*types.WorkerPoolStats{
			types.QueueAnomaly: {Queue: types.QueueAnomaly, MaxWorkers: 4, QueueDepth: 1},
		},
		CacheEntries: []*types.CacheEntry{
			{ID: "c-1", QueryHash: "h", TenantID: "s2", HitCount: 3},
		},
		LastSeq: 100,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.Path())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshot.json")
	manager := NewManager(path)

	original := sampleData()
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, original.LastSeq, loaded.LastSeq)
	assert.False(t, loaded.TakenAt.IsZero())
	require.Len(t, loaded.Executions, 3)
	assert.Equal(t, types.ExecQueued, loaded.Executions["exec-001"].Status)
	assert.True(t, loaded.Executions["exec-002"].StartedAt.Equal(*original.Executions["exec-002"].StartedAt))
	assert.Equal(t, 0.8, loaded.Executions["exec-003"].Result.Score)
	assert.Equal(t, 12.5, loaded.Budgets["s1"].ComputeUnitsUsed)
	assert.Equal(t, uint64(7), loaded.QueueEntries["q-1"].Seq)
	assert.Equal(t, 4, loaded.PoolStats[types.QueueAnomaly].MaxWorkers)
	require.Len(t, loaded.CacheEntries, 1)
	assert.Equal(t, int64(3), loaded.CacheEntries[0].HitCount)
}

// 快照與記憶體儲存層的往返
func TestRoundTripThroughMemoryRepository(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	src := repository.NewMemory()
	src.Restore(sampleData())
	require.NoError(t, manager.Write(src.Snapshot()))

	loaded, err := manager.Load()
	require.NoError(t, err)
	dst := repository.NewMemory()
	dst.Restore(loaded)

	exec, err := dst.GetExecution(t.Context(), "exec-001")
	require.NoError(t, err)
	assert.Equal(t, types.QueueAnomaly, exec.Queue)
	b, err := dst.GetBudget(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, b.CurrentQueries)
}

func TestAtomicWrite_NoTempFileLeft(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleData()))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	// 覆寫舊快照
	next := sampleData()
	next.LastSeq = 200
	require.NoError(t, manager.Write(next))
	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(200), loaded.LastSeq)
}

func TestExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(path)
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(sampleData()))
	assert.True(t, manager.Exists())
}

func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	data, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, data.SchemaVer)
	assert.NotNil(t, data.Executions)
	assert.NotNil(t, data.Budgets)
	assert.NotNil(t, data.QueueEntries)
	assert.NotNil(t, data.PoolStats)
	assert.Empty(t, data.Executions)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	raw, err := json.Marshal(map[string]any{"schema_ver": 99})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"executions": {`), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestNilMapsAreInitialized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 1}`), 0644))

	data, err := NewManager(path).Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Executions)
	assert.NotNil(t, data.QueueEntries)
}

func TestWriteWithBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(path)

	for i := 0; i < 4; i++ {
		data := sampleData()
		data.LastSeq = uint64(i)
		require.NoError(t, manager.WriteWithBackup(data, 2))
		time.Sleep(2 * time.Millisecond)
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), loaded.LastSeq)
}

// ============================================================================
// 並發測試
// ============================================================================

func TestConcurrentWritesAndReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(path)
	require.NoError(t, manager.Write(sampleData()))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			data := sampleData()
			data.LastSeq = uint64(i)
			assert.NoError(t, manager.Write(data))
		}(i)
		go func() {
			defer wg.Done()
			_, err := manager.Load()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Less(t, loaded.LastSeq, uint64(10))
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "snapshot.json"))
	data := sampleData()
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("exec-%04d", i)
		data.Executions[id] = &types.QueryExecution{ID: id, TenantID: "s1", Status: types.ExecCompleted}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}
