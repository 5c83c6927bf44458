package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/beaver-query/internal/metrics"
	"github.com/ChuLiYu/beaver-query/internal/scheduler"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.DeadlineCheckInterval = 20 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	return e
}

func anomalyRequest(tenant string) types.QueryRequest {
	return types.QueryRequest{
		TenantID:      tenant,
		Window:        types.TimeWindow{Start: 0, End: 3600000},
		Operators:     []string{"FIR", "FFT"},
		QueryType:     types.QueryAnomaly,
		OutputFormats: []string{"JSON"},
	}
}

func waitForStatus(t *testing.T, e *Engine, id string, want types.ExecutionStatus) *types.QueryExecution {
	t.Helper()
	var exec *types.QueryExecution
	require.Eventually(t, func() bool {
		got, err := e.GetExecution(context.Background(), id)
		if err != nil {
			return false
		}
		exec = got
		return got.Status == want
	}, 3*time.Second, 10*time.Millisecond, "execution %s never reached %s", id, want)
	return exec
}

// counterValue 讀取某個 label 值的計數
func counterValue(t *testing.T, reg *prometheus.Registry, name, labelValue string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == labelValue {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestStartStop(t *testing.T) {
	e := newTestEngine(t, testConfig())
	require.NoError(t, e.Start(t.Context()))
	assert.ErrorIs(t, e.Start(t.Context()), ErrAlreadyStarted)
	e.Stop()
	e.Stop()
	assert.ErrorIs(t, e.Start(t.Context()), ErrStopped)
}

func TestSubmit_RunsToCompletionAndPopulatesCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newTestEngine(t, testConfig(), WithMetrics(metrics.NewCollector(reg)))
	ctx := t.Context()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	_, err := e.InitializeBudget(ctx, "s1", types.TierPro)
	require.NoError(t, err)

	first, err := e.Submit(ctx, anomalyRequest("s1"), SubmitOptions{})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, types.QueueAnomaly, first.Entry.Queue)
	assert.NotEmpty(t, first.QueryHash)

	done := waitForStatus(t, e, first.Execution.ID, types.ExecCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, "JSON", done.Result.Format)
	assert.Len(t, done.Nodes, 5, "SOURCE, FIR, FFT, SCORE, OUTPUT")

	// 結果寫入快取之後，同樣的請求應該命中
	require.Eventually(t, func() bool { return e.cache.Len() == 1 }, time.Second, 5*time.Millisecond)

	second, err := e.Submit(ctx, anomalyRequest("s1"), SubmitOptions{})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Nil(t, second.Entry)
	assert.Equal(t, first.QueryHash, second.QueryHash)
	assert.Equal(t, done.Result.Score, second.Execution.Result.Score)
	assert.Equal(t, done.ReproducibilityHash, second.Execution.ReproducibilityHash)

	stored, err := e.GetExecution(ctx, second.Execution.ID)
	require.NoError(t, err)
	assert.True(t, stored.Cached)
	assert.Equal(t, types.ExecCompleted, stored.Status)

	// 快取命中不佔用預算
	b, err := e.GetBudget(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.CurrentQueries)
	assert.Equal(t, 0, b.QueuedQueries)

	assert.Equal(t, 1.0, counterValue(t, reg, "beaver_query_cache_requests_total", "hit"))
	assert.Equal(t, 1.0, counterValue(t, reg, "beaver_query_cache_requests_total", "miss"))
}

func TestSubmit_BypassCache(t *testing.T) {
	e := newTestEngine(t, testConfig())
	ctx := t.Context()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()
	_, err := e.InitializeBudget(ctx, "s1", types.TierPro)
	require.NoError(t, err)

	first, err := e.Submit(ctx, anomalyRequest("s1"), SubmitOptions{})
	require.NoError(t, err)
	waitForStatus(t, e, first.Execution.ID, types.ExecCompleted)
	require.Eventually(t, func() bool { return e.cache.Len() == 1 }, time.Second, 5*time.Millisecond)

	again, err := e.Submit(ctx, anomalyRequest("s1"), SubmitOptions{BypassCache: true})
	require.NoError(t, err)
	assert.False(t, again.Cached)
	waitForStatus(t, e, again.Execution.ID, types.ExecCompleted)
}

func TestSubmit_InvalidatedCacheIsNotServed(t *testing.T) {
	e := newTestEngine(t, testConfig())
	ctx := t.Context()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()
	_, err := e.InitializeBudget(ctx, "s1", types.TierPro)
	require.NoError(t, err)

	first, err := e.Submit(ctx, anomalyRequest("s1"), SubmitOptions{})
	require.NoError(t, err)
	waitForStatus(t, e, first.Execution.ID, types.ExecCompleted)
	require.Eventually(t, func() bool { return e.cache.Len() == 1 }, time.Second, 5*time.Millisecond)

	n, err := e.InvalidateCache(ctx, "s1", first.QueryHash, "data backfill")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := e.Submit(ctx, anomalyRequest("s1"), SubmitOptions{})
	require.NoError(t, err)
	assert.False(t, again.Cached)
}

func TestSubmit_CompileErrors(t *testing.T) {
	e := newTestEngine(t, testConfig())
	ctx := t.Context()

	req := anomalyRequest("s1")
	req.Operators = []string{"FIR", "NOPE"}
	_, err := e.Submit(ctx, req, SubmitOptions{})
	assert.ErrorIs(t, err, types.ErrUnknownOperator)

	req = anomalyRequest("")
	_, err = e.Submit(ctx, req, SubmitOptions{})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

// ============================================================================
// Admission Tests
// ============================================================================

func TestSubmit_NoBudget(t *testing.T) {
	e := newTestEngine(t, testConfig())
	_, err := e.Submit(t.Context(), anomalyRequest("unknown"), SubmitOptions{})
	assert.ErrorIs(t, err, types.ErrNoBudget)
	assert.False(t, types.IsRetryable(err))
}

// 未啟動的引擎不會取出任何執行，計數器停在准入後的狀態
func TestSubmit_ConcurrencyLimit(t *testing.T) {
	e := newTestEngine(t, testConfig())
	ctx := t.Context()
	_, err := e.InitializeBudget(ctx, "free", types.TierFree)
	require.NoError(t, err)

	req := anomalyRequest("free")
	req.Operators = nil
	_, err = e.Submit(ctx, req, SubmitOptions{})
	require.NoError(t, err)

	_, err = e.Submit(ctx, req, SubmitOptions{BypassCache: true})
	assert.ErrorIs(t, err, types.ErrConcurrencyLimitReached)
	assert.True(t, types.IsRetryable(err))
}

// ============================================================================
// Deadline & Cancel Tests
// ============================================================================

func TestSubmit_DeadlineExpiresQueuedExecution(t *testing.T) {
	e := newTestEngine(t, testConfig())
	ctx := t.Context()
	_, err := e.InitializeBudget(ctx, "s1", types.TierPro)
	require.NoError(t, err)

	sub, err := e.Submit(ctx, anomalyRequest("s1"), SubmitOptions{DeadlineMs: 20})
	require.NoError(t, err)
	require.NotNil(t, sub.Entry.Deadline)

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, e.checkDeadlines(ctx))

	exec, err := e.GetExecution(ctx, sub.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecTimeout, exec.Status)

	b, err := e.GetBudget(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.CurrentQueries)
	assert.Equal(t, 0, b.QueuedQueries)
}

func TestCancel(t *testing.T) {
	e := newTestEngine(t, testConfig())
	ctx := t.Context()
	_, err := e.InitializeBudget(ctx, "s1", types.TierPro)
	require.NoError(t, err)

	sub, err := e.Submit(ctx, anomalyRequest("s1"), SubmitOptions{})
	require.NoError(t, err)
	require.NoError(t, e.Cancel(ctx, sub.Execution.ID))

	exec, err := e.GetExecution(ctx, sub.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecCancelled, exec.Status)
}

func TestQueueStats(t *testing.T) {
	cfg := testConfig()
	cfg.Queues = map[types.QueueName]scheduler.QueueConfig{
		types.QueueAnomaly: {MaxWorkers: 2, BackpressureThreshold: 5},
	}
	e := newTestEngine(t, cfg)
	stats := e.QueueStats()
	require.Len(t, stats, len(types.AllQueues))
	for _, s := range stats {
		if s.Queue == types.QueueAnomaly {
			assert.Equal(t, 2, s.MaxWorkers)
			assert.Equal(t, 5, s.Backpressure.Threshold)
		}
	}
	assert.NotEmpty(t, e.Operators())
}

// 背景循環跑在注入的時鐘上：預算窗口推進與 WAL 定期 flush
func TestBackgroundLoops_FollowInjectedClock(t *testing.T) {
	dir := t.TempDir()
	ctx := t.Context()
	clock := quartz.NewMock(t)

	cfg := testConfig()
	cfg.DeadlineCheckInterval = 0
	cfg.CachePurgeInterval = 0
	cfg.SnapshotInterval = 0
	cfg.BudgetRollInterval = time.Second
	cfg.BudgetWindow = time.Second
	cfg.SnapshotPath = filepath.Join(dir, "snapshot.json")
	cfg.WALPath = filepath.Join(dir, "executions.wal")
	cfg.WALSync = false

	e := newTestEngine(t, cfg, WithClock(clock))
	_, err := e.InitializeBudget(ctx, "s1", types.TierPro)
	require.NoError(t, err)
	_, err = e.budgets.Admit(ctx, "s1", 5, nil)
	require.NoError(t, err)

	_, err = e.wal.AppendExecution(&types.QueryExecution{ID: "exec-1", TenantID: "s1", Status: types.ExecPending})
	require.NoError(t, err)
	require.Equal(t, 1, e.wal.Buffered())

	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	clock.Advance(time.Second).MustWait(ctx)

	b, err := e.GetBudget(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, b.ComputeUnitsUsed)
	// 窗口推進只歸零 compute units，進行中的查詢仍然計數
	assert.Equal(t, 1, b.QueuedQueries)
	assert.Equal(t, 1, b.CurrentQueries)
	assert.Equal(t, clock.Now(), b.WindowStart)

	assert.Zero(t, e.wal.Buffered())
}

// ============================================================================
// Recovery Tests
// ============================================================================

func persistentConfig(dir string) Config {
	cfg := testConfig()
	cfg.SnapshotPath = filepath.Join(dir, "state", "snapshot.json")
	cfg.WALPath = filepath.Join(dir, "executions.wal")
	cfg.WALSync = true
	cfg.SnapshotInterval = time.Hour
	return cfg
}

// 快照中仍在佇列的執行，重啟後重新排隊並跑完
func TestRecovery_RequeuesQueuedExecutions(t *testing.T) {
	dir := t.TempDir()
	ctx := t.Context()

	e1 := newTestEngine(t, persistentConfig(dir))
	_, err := e1.InitializeBudget(ctx, "s1", types.TierPro)
	require.NoError(t, err)
	sub, err := e1.Submit(ctx, anomalyRequest("s1"), SubmitOptions{})
	require.NoError(t, err)
	require.NoError(t, e1.takeSnapshot())
	e1.Stop()

	reg := prometheus.NewRegistry()
	e2 := newTestEngine(t, persistentConfig(dir), WithMetrics(metrics.NewCollector(reg)))
	require.NoError(t, e2.Start(ctx))
	defer e2.Stop()

	done := waitForStatus(t, e2, sub.Execution.ID, types.ExecCompleted)
	assert.NotNil(t, done.Result)

	b, err := e2.GetBudget(ctx, "s1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		b, err = e2.GetBudget(ctx, "s1")
		return err == nil && b.CurrentQueries == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.QueuedQueries)
}

// 完成的執行在重啟後仍可查詢（快照 + WAL）
func TestRecovery_KeepsCompletedExecutions(t *testing.T) {
	dir := t.TempDir()
	ctx := t.Context()

	e1 := newTestEngine(t, persistentConfig(dir))
	require.NoError(t, e1.Start(ctx))
	_, err := e1.InitializeBudget(ctx, "s1", types.TierPro)
	require.NoError(t, err)
	sub, err := e1.Submit(ctx, anomalyRequest("s1"), SubmitOptions{})
	require.NoError(t, err)
	waitForStatus(t, e1, sub.Execution.ID, types.ExecCompleted)
	e1.Stop()

	e2 := newTestEngine(t, persistentConfig(dir))
	require.NoError(t, e2.Start(ctx))
	defer e2.Stop()

	exec, err := e2.GetExecution(ctx, sub.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecCompleted, exec.Status)
	assert.Equal(t, sub.QueryHash, exec.QueryHash)
}

// 只有 WAL 沒有對應佇列項目的 QUEUED 執行，重啟後標記取消
func TestRecovery_OrphanedQueuedExecutionIsCancelled(t *testing.T) {
	dir := t.TempDir()
	ctx := t.Context()

	e1 := newTestEngine(t, persistentConfig(dir))
	_, err := e1.InitializeBudget(ctx, "s1", types.TierPro)
	require.NoError(t, err)
	sub, err := e1.Submit(ctx, anomalyRequest("s1"), SubmitOptions{})
	require.NoError(t, err)
	// 沒有快照就關閉：佇列項目只存在於記憶體
	e1.Stop()

	e2 := newTestEngine(t, persistentConfig(dir))
	require.NoError(t, e2.Start(ctx))
	defer e2.Stop()

	exec, err := e2.GetExecution(ctx, sub.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecCancelled, exec.Status)
}

// ============================================================================
// Load Tests
// ============================================================================

func loadConfig() Config {
	cfg := testConfig()
	cfg.Queues = map[types.QueueName]scheduler.QueueConfig{
		types.QueueAnomaly: {MaxWorkers: 8, BackpressureThreshold: 1000},
	}
	return cfg
}

// 多租戶大量提交：每筆都到達終態，預算全部歸還
func TestSystemThroughput_NoLostExecutions(t *testing.T) {
	e := newTestEngine(t, loadConfig())
	ctx := t.Context()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	tenants := []string{"t0", "t1", "t2", "t3", "t4"}
	for _, tenant := range tenants {
		_, err := e.InitializeBudget(ctx, tenant, types.TierEnterprise)
		require.NoError(t, err)
	}

	const perTenant = 20
	var ids []string
	for i := 0; i < perTenant; i++ {
		for _, tenant := range tenants {
			req := anomalyRequest(tenant)
			// 不同窗口避免快取命中
			req.Window.End += int64(i) * 60000
			sub, err := e.Submit(ctx, req, SubmitOptions{Priority: i % 3})
			require.NoError(t, err)
			ids = append(ids, sub.Execution.ID)
		}
	}

	start := time.Now()
	require.Eventually(t, func() bool {
		for _, id := range ids {
			exec, err := e.GetExecution(ctx, id)
			if err != nil || !exec.Status.IsTerminal() {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
	t.Logf("%d executions finished in %s", len(ids), time.Since(start))

	for _, id := range ids {
		exec, err := e.GetExecution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.ExecCompleted, exec.Status, "execution %s: %s", id, exec.Error)
	}
	for _, tenant := range tenants {
		require.Eventually(t, func() bool {
			b, err := e.GetBudget(ctx, tenant)
			return err == nil && b.CurrentQueries == 0 && b.QueuedQueries == 0
		}, time.Second, 5*time.Millisecond, "tenant %s", tenant)
	}
}

func BenchmarkSubmitThroughput(b *testing.B) {
	e, err := New(context.Background(), loadConfig())
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		b.Fatal(err)
	}
	defer e.Stop()
	if _, err := e.InitializeBudget(ctx, "bench", types.TierEnterprise); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := anomalyRequest("bench")
		req.Window.End += int64(i) * 60000
		if _, err := e.Submit(ctx, req, SubmitOptions{}); err != nil {
			// 准入拒絕是預期的負載訊號
			if !types.IsAdmission(err) {
				b.Fatal(err)
			}
		}
	}
}
