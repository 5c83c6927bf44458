// ============================================================================
// Beaver-Query Execution Scheduler - 准入、佇列與 worker pool
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 依租戶預算准入查詢，依評分類型分派到佇列，管理每個佇列的 worker pool
//
// 佇列選擇（SCORE 節點的評分類型）:
//   ANOMALY → anomaly, PREDICTION → prediction, HEALTH → insight,
//   QUALITY → funnel, 其他 → custom
//
// Submit 准入順序:
//   NoBudget → Backpressure → ConcurrencyLimitReached → QueueDepthLimitReached
//   → ComputeBudgetExhausted → 持久化 QUEUED 項目
//   持久化失敗時退回預算，呼叫端看到的是儲存層錯誤。
//
// 佇列項目狀態機:
//   QUEUED ──Dequeue──→ DEQUEUED ──MarkRunning──→ RUNNING ──→ COMPLETED / FAILED
//     │                    │
//     ├── Cancel ──→ CANCELLED
//     └── CheckDeadlines ──┴──→ EXPIRED（執行紀錄 → TIMEOUT）
//
// 計數器:
//   Submit   : queued+1, current+1（budget.Manager.Admit）
//   Dequeue  : queued-1, active+1
//   Complete / Fail : current-1, active-1
//   Expire / Cancel : 依離開時的狀態退回對應的計數
//
// 並發安全:
//   每個佇列一把鎖（queue.mu），租戶計數由 budget.Manager 序列化。
//   持有 queue.mu 時不呼叫 budget.Manager 與儲存層。
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-query/internal/budget"
	"github.com/ChuLiYu/beaver-query/internal/repository"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownQueue 佇列名稱不存在
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrNotTracked 執行不在任何佇列中（已結束或從未提交）
	ErrNotTracked = errors.New("execution is not tracked by the scheduler")
	// ErrNotDequeued MarkRunning 時項目已不是 DEQUEUED（例如已過期）
	ErrNotDequeued = errors.New("queue entry is no longer dequeued")
	// ErrNotRunning Complete / Fail 時項目不是 RUNNING
	ErrNotRunning = errors.New("queue entry is not running")
	// ErrNotPending 提交的執行不是 PENDING
	ErrNotPending = errors.New("execution is not pending")
)

// ============================================================================
// 設定
// ============================================================================

// QueueConfig 單一佇列的設定
type QueueConfig struct {
	MaxWorkers            int `yaml:"max_workers"`
	BackpressureThreshold int `yaml:"backpressure_threshold"`
}

// DefaultQueueConfig 預設佇列設定
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{MaxWorkers: 4, BackpressureThreshold: 20}
}

// Observer 排程事件回呼，metrics 使用
type Observer interface {
	ObserveSubmit(queue types.QueueName, err error)
	ObserveFinish(queue types.QueueName, status types.ExecutionStatus, elapsed time.Duration)
	ObservePool(stats types.WorkerPoolStats)
}

// Store 排程器使用的儲存層子集
type Store interface {
	repository.ExecutionStore
	repository.QueueStore
}

// Scheduler 執行排程器
type Scheduler struct {
	budgets  *budget.Manager
	store    Store
	clock    quartz.Clock
	observer Observer
	queues   map[types.QueueName]*queue // 建立後不再變動
	seq      atomic.Uint64
}

// Option 設定 Scheduler
type Option func(*Scheduler)

// WithClock 注入時鐘
func WithClock(c quartz.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithObserver 設定事件回呼
func WithObserver(o Observer) Option { return func(s *Scheduler) { s.observer = o } }

// New 建立排程器。configs 沒有列出的佇列使用 DefaultQueueConfig。
func New(budgets *budget.Manager, store Store, configs map[types.QueueName]QueueConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		budgets: budgets,
		store:   store,
		clock:   quartz.NewReal(),
		queues:  make(map[types.QueueName]*queue, len(types.AllQueues)),
	}
	for _, name := range types.AllQueues {
		cfg, ok := configs[name]
		if !ok {
			cfg = DefaultQueueConfig()
		}
		if cfg.MaxWorkers <= 0 {
			cfg.MaxWorkers = 1
		}
		s.queues[name] = newQueue(name, cfg)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QueueFor plan 對應的佇列
func QueueFor(plan *types.QueryPlan) types.QueueName {
	if plan == nil {
		return types.QueueCustom
	}
	return types.QueueFor(plan.ScoreType())
}

// Config 佇列設定
func (s *Scheduler) Config(name types.QueueName) (QueueConfig, bool) {
	q, ok := s.queues[name]
	if !ok {
		return QueueConfig{}, false
	}
	return q.cfg, true
}

// ============================================================================
// 提交
// ============================================================================

// Submit 准入並排入佇列
//
// exec 必須是 PENDING 且帶有 plan；成功時 exec 轉為 QUEUED 並寫入儲存層。
// 准入失敗回傳 *types.Error（Kind = ADMISSION），不消耗任何資源。
func (s *Scheduler) Submit(ctx context.Context, exec *types.QueryExecution, priority int) (*types.QueuedExecution, error) {
	return s.submit(ctx, exec, priority, nil)
}

func (s *Scheduler) submit(ctx context.Context, exec *types.QueryExecution, priority int, deadline *time.Time) (*types.QueuedExecution, error) {
	if exec == nil || exec.Plan == nil {
		return nil, types.NewInvalidRequestError("execution has no plan")
	}
	if exec.Status != types.ExecPending {
		return nil, fmt.Errorf("%w: execution %s is %s", ErrNotPending, exec.ID, exec.Status)
	}

	q := s.queues[QueueFor(exec.Plan)]
	cost := exec.Plan.EstimatedCost

	// 背壓檢查與預留在同一把 q.mu 下完成，並發提交不會越過門檻
	backpressured, reserved := false, false
	gate := func() error {
		q.mu.Lock()
		defer q.mu.Unlock()
		reserved = q.reserve()
		if !reserved {
			backpressured = true
			return types.NewAdmissionError(types.CodeBackpressure,
				fmt.Sprintf("queue %s is under backpressure (depth %d, threshold %d)", q.name, q.depth(), q.cfg.BackpressureThreshold),
				time.Second)
		}
		return nil
	}

	_, err := s.budgets.Admit(ctx, exec.TenantID, cost, gate)
	s.countAttempt(q, backpressured)
	if err != nil {
		if reserved {
			s.unreserve(q)
		}
		if types.IsAdmission(err) {
			log.Debug("Submission rejected", "tenant", exec.TenantID, "queue", q.name, "reason", types.CodeOf(err))
		}
		s.notifySubmit(q.name, err)
		return nil, err
	}

	now := s.clock.Now()
	exec.Status = types.ExecQueued
	exec.Queue = q.name
	exec.Priority = priority
	if exec.SubmittedAt.IsZero() {
		exec.SubmittedAt = now
	}
	entry := &types.QueuedExecution{
		ID:           uuid.NewString(),
		ExecutionID:  exec.ID,
		TenantID:     exec.TenantID,
		Queue:        q.name,
		Priority:     priority,
		Seq:          s.seq.Add(1),
		Status:       types.EntryQueued,
		ComputeUnits: cost,
		EnqueuedAt:   now,
		Deadline:     deadline,
	}

	if err := s.persistSubmission(ctx, exec, entry); err != nil {
		s.unreserve(q)
		exec.Status = types.ExecPending
		if rerr := s.budgets.Refund(ctx, exec.TenantID, cost); rerr != nil {
			log.Error("Failed to refund budget", "tenant", exec.TenantID, "error", rerr)
		}
		s.notifySubmit(q.name, err)
		return nil, err
	}

	out := *entry
	q.mu.Lock()
	q.reserved--
	q.push(&item{entry: entry, exec: exec.Clone(), index: -1})
	stats := q.stats(now)
	q.mu.Unlock()

	s.publish(ctx, stats)
	s.notifySubmit(q.name, nil)
	log.Debug("Execution queued", "executionID", exec.ID, "tenant", exec.TenantID, "queue", q.name, "priority", priority)
	return &out, nil
}

func (s *Scheduler) persistSubmission(ctx context.Context, exec *types.QueryExecution, entry *types.QueuedExecution) error {
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	if err := s.store.CreateQueueEntry(ctx, entry); err != nil {
		// 執行紀錄已建立，標記為取消以免留下孤兒
		if uerr := s.store.UpdateExecutionStatus(ctx, repository.ExecutionUpdate{
			ID: exec.ID, Status: types.ExecCancelled, At: entry.EnqueuedAt, Error: err.Error(),
		}); uerr != nil {
			log.Error("Failed to cancel orphaned execution", "executionID", exec.ID, "error", uerr)
		}
		return fmt.Errorf("create queue entry: %w", err)
	}
	return nil
}

func (s *Scheduler) unreserve(q *queue) {
	q.mu.Lock()
	q.unreserve()
	q.mu.Unlock()
}

func (s *Scheduler) countAttempt(q *queue, backpressured bool) {
	q.mu.Lock()
	q.attempted++
	if backpressured {
		q.rejected++
	}
	q.mu.Unlock()
}

// ============================================================================
// Worker 端操作
// ============================================================================

// Dequeue 取出佇列中優先權最高的執行
//
// 沒有項目或 activeWorkers 已達上限時回傳 (nil, nil)。
// 回傳的是拷貝，呼叫端接著呼叫 MarkRunning，再交給 DAG Executor。
func (s *Scheduler) Dequeue(ctx context.Context, name types.QueueName) (*types.QueryExecution, error) {
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}

	now := s.clock.Now()
	q.mu.Lock()
	if q.active >= q.cfg.MaxWorkers {
		q.mu.Unlock()
		return nil, nil
	}
	it := q.pop()
	if it == nil {
		q.mu.Unlock()
		return nil, nil
	}
	it.entry.Status = types.EntryDequeued
	it.entry.DequeuedAt = &now
	q.active++
	exec := it.exec.Clone()
	entryID, tenantID := it.entry.ID, it.entry.TenantID
	stats := q.stats(now)
	q.mu.Unlock()

	if err := s.store.UpdateQueueEntryStatus(ctx, entryID, types.EntryDequeued, now); err != nil {
		log.Error("Failed to persist dequeue", "executionID", exec.ID, "queue", name, "error", err)
	}
	if err := s.budgets.Dequeued(ctx, tenantID); err != nil {
		log.Error("Failed to decrement queued queries", "tenant", tenantID, "error", err)
	}
	s.publish(ctx, stats)
	return exec, nil
}

// MarkRunning DEQUEUED → RUNNING；項目已過期時回傳 ErrNotDequeued，worker 應放棄這筆執行
func (s *Scheduler) MarkRunning(ctx context.Context, executionID string, name types.QueueName) error {
	q, ok := s.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}

	now := s.clock.Now()
	q.mu.Lock()
	it, ok := q.items[executionID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotTracked, executionID)
	}
	if it.entry.Status != types.EntryDequeued {
		status := it.entry.Status
		q.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotDequeued, executionID, status)
	}
	it.entry.Status = types.EntryRunning
	it.exec.Status = types.ExecRunning
	entryID := it.entry.ID
	q.mu.Unlock()

	if err := s.store.UpdateQueueEntryStatus(ctx, entryID, types.EntryRunning, now); err != nil {
		return err
	}
	return s.store.UpdateExecutionStatus(ctx, repository.ExecutionUpdate{ID: executionID, Status: types.ExecRunning, At: now})
}

// Complete 執行成功結束
func (s *Scheduler) Complete(ctx context.Context, executionID string, name types.QueueName, result *types.QueryResult) error {
	return s.finish(ctx, executionID, name, types.ExecCompleted, result, nil)
}

// Fail 執行失敗結束
func (s *Scheduler) Fail(ctx context.Context, executionID string, name types.QueueName, cause error) error {
	if cause == nil {
		cause = errors.New("execution failed")
	}
	return s.finish(ctx, executionID, name, types.ExecFailed, nil, cause)
}

func (s *Scheduler) finish(ctx context.Context, executionID string, name types.QueueName, status types.ExecutionStatus, result *types.QueryResult, cause error) error {
	q, ok := s.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}

	now := s.clock.Now()
	q.mu.Lock()
	it, ok := q.items[executionID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotTracked, executionID)
	}
	if it.entry.Status != types.EntryRunning {
		st := it.entry.Status
		q.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, executionID, st)
	}
	delete(q.items, executionID)
	q.active--
	var elapsed time.Duration
	if it.entry.DequeuedAt != nil {
		elapsed = now.Sub(*it.entry.DequeuedAt)
		q.observe(elapsed)
	}
	q.recompute()
	stats := q.stats(now)
	q.mu.Unlock()

	entryStatus := types.EntryCompleted
	update := repository.ExecutionUpdate{ID: executionID, Status: status, At: now, Result: result}
	if status == types.ExecFailed {
		entryStatus = types.EntryFailed
		update.Error = cause.Error()
	}

	var errs []error
	if err := s.store.UpdateQueueEntryStatus(ctx, it.entry.ID, entryStatus, now); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.UpdateExecutionStatus(ctx, update); err != nil {
		errs = append(errs, err)
	}
	if err := s.budgets.Release(ctx, it.entry.TenantID); err != nil {
		errs = append(errs, err)
	}
	s.publish(ctx, stats)
	if s.observer != nil {
		s.observer.ObserveFinish(name, status, elapsed)
	}
	return errors.Join(errs...)
}

// ============================================================================
// 查詢與恢復
// ============================================================================

// Stats 單一佇列的狀態
func (s *Scheduler) Stats(name types.QueueName) (types.WorkerPoolStats, error) {
	q, ok := s.queues[name]
	if !ok {
		return types.WorkerPoolStats{}, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats(s.clock.Now()), nil
}

// AllStats 所有佇列的狀態，順序同 types.AllQueues
func (s *Scheduler) AllStats() []types.WorkerPoolStats {
	out := make([]types.WorkerPoolStats, 0, len(types.AllQueues))
	for _, name := range types.AllQueues {
		st, _ := s.Stats(name)
		out = append(out, st)
	}
	return out
}

// Recover 從儲存層重建佇列（重新啟動後呼叫一次）
//
// 行為：
//   - QUEUED 項目重新放回 heap，保留原本的 priority 與序號
//   - DEQUEUED 項目 → EXPIRED，執行 → CANCELLED（尚未開始執行，呼叫端可重送）
//   - RUNNING 項目 → FAILED，執行 → FAILED（沒有中途恢復）
//   - 沒有佇列項目的 QUEUED / RUNNING 執行同樣中止，不調整預算
//
// 回傳重新排入與中止的數量。
func (s *Scheduler) Recover(ctx context.Context) (requeued, interrupted int, err error) {
	entries, err := s.store.ListQueueEntries(ctx, types.EntryQueued, types.EntryDequeued, types.EntryRunning)
	if err != nil {
		return 0, 0, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	now := s.clock.Now()
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		seen[entry.ExecutionID] = true
		if entry.Seq > s.seq.Load() {
			s.seq.Store(entry.Seq)
		}
		q, ok := s.queues[entry.Queue]
		if !ok {
			log.Warn("Dropping entry for unknown queue", "queue", entry.Queue, "executionID", entry.ExecutionID)
			continue
		}

		switch entry.Status {
		case types.EntryQueued:
			exec, gerr := s.store.GetExecution(ctx, entry.ExecutionID)
			if gerr != nil {
				log.Error("Queued entry without execution", "executionID", entry.ExecutionID, "error", gerr)
				continue
			}
			q.mu.Lock()
			q.push(&item{entry: entry, exec: exec, index: -1})
			q.mu.Unlock()
			requeued++

		case types.EntryDequeued:
			s.abandon(ctx, entry, types.EntryExpired, types.ExecCancelled, now)
			interrupted++

		case types.EntryRunning:
			s.abandon(ctx, entry, types.EntryFailed, types.ExecFailed, now)
			interrupted++
		}
	}

	// 沒有佇列項目的未結束執行：提交晚於最近一次快照，預算計數也不包含它們
	execs, err := s.store.ListExecutions(ctx, "")
	if err != nil {
		return requeued, interrupted, err
	}
	for _, exec := range execs {
		if seen[exec.ID] {
			continue
		}
		status := types.ExecCancelled
		switch exec.Status {
		case types.ExecQueued:
		case types.ExecRunning:
			status = types.ExecFailed
		default:
			continue
		}
		if uerr := s.store.UpdateExecutionStatus(ctx, repository.ExecutionUpdate{
			ID: exec.ID, Status: status, At: now, Error: "interrupted by restart",
		}); uerr != nil {
			log.Error("Failed to abandon orphaned execution", "executionID", exec.ID, "error", uerr)
			continue
		}
		interrupted++
	}

	for _, name := range types.AllQueues {
		st, _ := s.Stats(name)
		s.publish(ctx, st)
	}
	if requeued+interrupted > 0 {
		log.Info("Scheduler recovered", "requeued", requeued, "interrupted", interrupted)
	}
	return requeued, interrupted, nil
}

// abandon 中止重新啟動前已離開佇列的項目，並釋放並行名額
func (s *Scheduler) abandon(ctx context.Context, entry *types.QueuedExecution, entryStatus types.QueueEntryStatus, execStatus types.ExecutionStatus, now time.Time) {
	if err := s.store.UpdateQueueEntryStatus(ctx, entry.ID, entryStatus, now); err != nil {
		log.Error("Failed to abandon queue entry", "executionID", entry.ExecutionID, "error", err)
	}
	if err := s.store.UpdateExecutionStatus(ctx, repository.ExecutionUpdate{
		ID: entry.ExecutionID, Status: execStatus, At: now, Error: "interrupted by restart",
	}); err != nil {
		log.Error("Failed to abandon execution", "executionID", entry.ExecutionID, "error", err)
	}
	if err := s.budgets.Release(ctx, entry.TenantID); err != nil {
		log.Error("Failed to release budget", "tenant", entry.TenantID, "error", err)
	}
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// publish 推送 worker pool 狀態到儲存層與 observer
func (s *Scheduler) publish(ctx context.Context, stats types.WorkerPoolStats) {
	if err := s.store.UpsertWorkerPoolStats(ctx, &stats); err != nil {
		log.Error("Failed to upsert worker pool stats", "queue", stats.Queue, "error", err)
	}
	if s.observer != nil {
		s.observer.ObservePool(stats)
	}
}

func (s *Scheduler) notifySubmit(name types.QueueName, err error) {
	if s.observer != nil {
		s.observer.ObserveSubmit(name, err)
	}
}
