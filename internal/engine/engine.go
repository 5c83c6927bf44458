// ============================================================================
// Beaver-Query 引擎 - 查詢執行核心協調器
// ============================================================================
//
// Package: internal/engine
// 文件: engine.go
// 功能: 串接 Compiler、Query Cache、Scheduler、Worker Pool 與 DAG Executor
//
// 架構設計:
//   QueryRequest → Compile → Cache check ─ hit ─→ cached execution
//                                  └ miss → Scheduler.Submit → queue
//   Worker Pool(queue) → Dequeue → Executor.Run → Complete/Fail → 寫入快取
//
// 背景循環 (errgroup):
//   1. Deadline Loop - 過期尚未被 worker 開始的執行
//   2. Budget Loop   - 滾動窗口到期的租戶預算歸零
//   3. Cache Loop    - 清除過期與已失效的快取項目
//   4. Snapshot Loop - 記憶體儲存層定期快照（只在設定快照路徑時啟動）
//
// 崩潰恢復流程 (New):
//   1. 載入快照 → Memory.Restore
//   2. 重放 WAL 的執行紀錄（完整紀錄 upsert，重放多次結果相同）
//   3. 之後的變更寫入 WAL
//   4. Scheduler.Recover：QUEUED 重新排隊，已被取走或執行中的標記中斷
//   恢復在 New 完成，Start 之前的提交與預算設定都作用在恢復後的狀態上。
//
// 快照順序:
//   先 Rotate WAL 再取快照。輪替之後的事件同時出現在快照與新 WAL，
//   重放時以完整紀錄覆蓋，結果一致。
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-query/internal/budget"
	"github.com/ChuLiYu/beaver-query/internal/cache"
	"github.com/ChuLiYu/beaver-query/internal/compiler"
	"github.com/ChuLiYu/beaver-query/internal/eventstore"
	"github.com/ChuLiYu/beaver-query/internal/executor"
	"github.com/ChuLiYu/beaver-query/internal/metrics"
	"github.com/ChuLiYu/beaver-query/internal/operator"
	"github.com/ChuLiYu/beaver-query/internal/repository"
	"github.com/ChuLiYu/beaver-query/internal/scheduler"
	"github.com/ChuLiYu/beaver-query/internal/snapshot"
	"github.com/ChuLiYu/beaver-query/internal/storage/wal"
	"github.com/ChuLiYu/beaver-query/internal/worker"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

var log = slog.Default()

var (
	// ErrAlreadyStarted Start 只能呼叫一次
	ErrAlreadyStarted = errors.New("engine already started")
	// ErrStopped 引擎已停止
	ErrStopped = errors.New("engine stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 引擎配置
type Config struct {
	Queues   map[types.QueueName]scheduler.QueueConfig
	Compiler compiler.Options
	Executor executor.Options
	Tiers    map[types.Tier]budget.Limits // nil 使用 budget.DefaultTiers

	CacheTTL        time.Duration
	CacheMaxEntries int
	BudgetWindow    time.Duration

	PollInterval          time.Duration // 閒置 worker 輪詢間隔
	DeadlineCheckInterval time.Duration
	BudgetRollInterval    time.Duration
	CachePurgeInterval    time.Duration
	SnapshotInterval      time.Duration

	SnapshotPath    string // 空字串表示不做快照
	SnapshotBackups int
	WALPath         string // 空字串表示不寫 WAL
	WALSync         bool
}

// DefaultConfig 預設配置：記憶體儲存，不做持久化
func DefaultConfig() Config {
	return Config{
		Queues:                map[types.QueueName]scheduler.QueueConfig{},
		Compiler:              compiler.DefaultOptions(),
		CacheTTL:              cache.DefaultTTL,
		CacheMaxEntries:       cache.DefaultMaxEntries,
		BudgetWindow:          budget.DefaultWindow,
		PollInterval:          worker.DefaultPollInterval,
		DeadlineCheckInterval: 250 * time.Millisecond,
		BudgetRollInterval:    time.Minute,
		CachePurgeInterval:    time.Minute,
		SnapshotInterval:      30 * time.Second,
		SnapshotBackups:       2,
	}
}

// Engine 查詢執行核心
type Engine struct {
	cfg      Config
	clock    quartz.Clock
	tracer   trace.Tracer
	registry *operator.Registry
	compiler *compiler.Compiler
	executor *executor.Executor
	repo     repository.Repository
	memory   *repository.Memory // repo 為記憶體實作時才有，快照使用
	events   eventstore.Reader
	budgets  *budget.Manager
	cache    *cache.Cache
	sched    *scheduler.Scheduler
	pools    map[types.QueueName]*worker.Pool
	metrics  *metrics.Collector
	wal      *wal.WAL
	snapshot *snapshot.Manager

	mu        sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	startTime time.Time
}

// Option 設定引擎的協作元件
type Option func(*Engine)

// WithRepository 指定儲存層；預設為 repository.NewMemory()
func WithRepository(r repository.Repository) Option { return func(e *Engine) { e.repo = r } }

// WithEvents 指定 SOURCE 節點的事件來源；預設為合成資料
func WithEvents(r eventstore.Reader) Option { return func(e *Engine) { e.events = r } }

// WithRegistry 指定 operator registry；預設為 operator.Default()
func WithRegistry(r *operator.Registry) Option { return func(e *Engine) { e.registry = r } }

// WithMetrics 設定 Prometheus collector
func WithMetrics(m *metrics.Collector) Option { return func(e *Engine) { e.metrics = m } }

// WithClock 注入時鐘
func WithClock(c quartz.Clock) Option { return func(e *Engine) { e.clock = c } }

// ============================================================================
// 建立
// ============================================================================

// New 組裝引擎並執行崩潰恢復。設定了 WALPath 時會開啟 WAL 檔案。
func New(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		clock:  quartz.NewReal(),
		tracer: otel.Tracer("beaver-query/engine"),
		pools:  make(map[types.QueueName]*worker.Pool, len(types.AllQueues)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.repo == nil {
		e.repo = repository.NewMemory()
	}
	if e.registry == nil {
		e.registry = operator.Default()
	}
	if e.events == nil {
		e.events = eventstore.NewSynthetic(time.Minute, 0)
	}
	e.memory, _ = e.repo.(*repository.Memory)

	budgetOpts := []budget.Option{budget.WithClock(e.clock), budget.WithWindow(cfg.BudgetWindow)}
	if cfg.Tiers != nil {
		budgetOpts = append(budgetOpts, budget.WithTiers(cfg.Tiers))
	}
	e.budgets = budget.NewManager(e.repo, budgetOpts...)

	c, err := cache.New(e.repo, cfg.CacheMaxEntries, cache.WithClock(e.clock), cache.WithTTL(cfg.CacheTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	e.cache = c

	e.compiler = compiler.New(e.registry, cfg.Compiler)

	execOpts := []executor.Option{
		executor.WithRecorder(e.repo),
		executor.WithClock(e.clock),
		executor.WithOptions(cfg.Executor),
	}
	schedOpts := []scheduler.Option{scheduler.WithClock(e.clock)}
	if e.metrics != nil {
		execOpts = append(execOpts, executor.WithObserver(e.metrics))
		schedOpts = append(schedOpts, scheduler.WithObserver(e.metrics))
	}
	e.executor = executor.New(e.registry, e.events, execOpts...)
	e.sched = scheduler.New(e.budgets, e.repo, cfg.Queues, schedOpts...)

	for _, name := range types.AllQueues {
		e.pools[name] = worker.NewPool(name, e.sched, e.executor,
			worker.WithPollInterval(cfg.PollInterval),
			worker.WithHandler(e.handleResult))
	}

	if e.memory != nil && cfg.SnapshotPath != "" {
		e.snapshot = snapshot.NewManager(cfg.SnapshotPath)
	}
	if e.memory != nil && cfg.WALPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.WALPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create WAL directory: %w", err)
		}
		w, err := wal.NewWAL(cfg.WALPath, cfg.WALSync)
		if err != nil {
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		e.wal = w
	}

	log.Info("Starting recovery...")
	if err := e.recover(ctx); err != nil {
		if e.wal != nil {
			_ = e.wal.Close()
		}
		return nil, fmt.Errorf("recovery failed: %w", err)
	}
	return e, nil
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 啟動 worker pool 與背景循環。ctx 取消等同於 Stop 的訊號，
// 但呼叫端仍需呼叫 Stop 以等待 goroutine 結束並寫入最後一次快照。
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.startTime = e.clock.Now()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for _, name := range types.AllQueues {
		cfg, _ := e.sched.Config(name)
		if err := e.pools[name].Start(runCtx, cfg.MaxWorkers); err != nil {
			cancel()
			return fmt.Errorf("failed to start %s worker pool: %w", name, err)
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	e.group = g
	e.loop(gctx, g, "deadline", e.cfg.DeadlineCheckInterval, e.checkDeadlines)
	e.loop(gctx, g, "budget", e.cfg.BudgetRollInterval, e.rollBudgets)
	e.loop(gctx, g, "cache", e.cfg.CachePurgeInterval, e.purgeCache)
	if e.wal != nil && !e.cfg.WALSync {
		e.loop(gctx, g, "wal-flush", e.wal.FlushInterval(), func(context.Context) error {
			return e.wal.Flush()
		})
	}
	if e.snapshot != nil {
		e.loop(gctx, g, "snapshot", e.cfg.SnapshotInterval, func(context.Context) error {
			return e.takeSnapshot()
		})
	}

	e.started = true
	log.Info("Engine started", "queues", len(e.pools))
	return nil
}

// Stop 優雅關閉
//
// 關閉順序：
//  1. cancel → 背景循環與 worker 停止取新的執行
//  2. group.Wait → 背景循環全部退出
//  3. pool.Stop → 等待手上的執行跑完並回報
//  4. 最後一次快照，然後關閉 WAL
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	if started {
		log.Info("Stopping engine...")
		e.cancel()
		if err := e.group.Wait(); err != nil {
			log.Error("Background loop failed", "error", err)
		}
		for _, name := range types.AllQueues {
			e.pools[name].Stop()
		}
		if e.snapshot != nil {
			if err := e.takeSnapshot(); err != nil {
				log.Error("Failed to take final snapshot", "error", err)
			}
		}
	}

	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			log.Error("Failed to close WAL", "error", err)
		}
	}
	log.Info("Engine stopped")
}

// Run 啟動引擎並阻塞到 ctx 取消
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	e.Stop()
	return nil
}

// ============================================================================
// 恢復
// ============================================================================

func (e *Engine) recover(ctx context.Context) error {
	start := time.Now()

	if e.snapshot != nil && !e.snapshot.Exists() {
		log.Info("No snapshot found, starting fresh", "path", e.snapshot.Path())
	} else if e.snapshot != nil {
		data, err := e.snapshot.Load()
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		e.memory.Restore(data)
		log.Info("Snapshot loaded", "executions", len(data.Executions), "entries", len(data.QueueEntries))
	}
	if e.wal != nil {
		n, err := e.wal.ReplayExecutions(e.memory.ApplyExecution)
		if err != nil {
			return fmt.Errorf("failed to replay WAL: %w", err)
		}
		e.memory.SetJournal(e.wal)
		log.Info("WAL replayed", "events", n)
	}

	requeued, interrupted, err := e.sched.Recover(ctx)
	if err != nil {
		return err
	}

	recoveryTime := time.Since(start)
	if e.metrics != nil {
		e.metrics.SetRecoveryTime(recoveryTime)
	}
	if recoveryTime > 3*time.Second {
		log.Warn("Recovery time exceeds 3s", "duration", recoveryTime)
	}
	log.Info("Recovery completed", "duration", recoveryTime, "requeued", requeued, "interrupted", interrupted)
	return nil
}

// ============================================================================
// 背景循環
// ============================================================================

// loop 以 e.clock 的固定間隔執行 fn；fn 的錯誤只記錄，不會結束循環。
// ticker 在呼叫端註冊，Start 回傳後時鐘前進即會觸發。
func (e *Engine) loop(ctx context.Context, g *errgroup.Group, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		log.Info("Background loop disabled", "loop", name)
		return
	}
	w := e.clock.TickerFunc(ctx, interval, func() error {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.Error("Background loop iteration failed", "loop", name, "error", err)
		}
		return nil
	}, "engine", name)
	g.Go(func() error {
		err := w.Wait()
		log.Debug("Background loop stopped", "loop", name)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

func (e *Engine) checkDeadlines(ctx context.Context) error {
	n, err := e.sched.CheckDeadlines(ctx)
	if n > 0 {
		log.Info("Expired queued executions", "count", n)
	}
	return err
}

func (e *Engine) rollBudgets(ctx context.Context) error {
	n, err := e.budgets.RollWindows(ctx)
	if n > 0 {
		log.Debug("Budget windows rolled over", "tenants", n)
	}
	return err
}

func (e *Engine) purgeCache(ctx context.Context) error {
	n, err := e.cache.Purge(ctx)
	if n > 0 {
		log.Debug("Cache entries purged", "count", n)
	}
	return err
}

// takeSnapshot 先輪替 WAL 再寫入快照
func (e *Engine) takeSnapshot() error {
	if e.snapshot == nil {
		return nil
	}
	start := time.Now()
	if e.wal != nil {
		if err := e.wal.Rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}
	data := e.memory.Snapshot()
	if err := e.snapshot.WriteWithBackup(data, e.cfg.SnapshotBackups); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	log.Info("Snapshot taken", "duration", time.Since(start), "executions", len(data.Executions))
	return nil
}

// ============================================================================
// Worker 結果處理
// ============================================================================

// handleResult 成功的執行寫入快取
func (e *Engine) handleResult(r worker.Result) {
	exec := r.Execution
	if r.Err != nil || exec.Result == nil || exec.QueryHash == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.cache.Store(ctx, exec.QueryHash, exec.TenantID, exec.ID, exec.Plan, exec.Result, 0); err != nil {
		log.Error("Failed to populate cache", "executionID", exec.ID, "tenant", exec.TenantID, "error", err)
	}
}
