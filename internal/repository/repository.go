// ============================================================================
// Beaver-Query Repository - 執行核心的持久化介面
// ============================================================================
//
// Package: internal/repository
// 文件: repository.go
// 功能: 執行紀錄、佇列項目、預算、worker pool 狀態與快取項目的窄介面
//
// 實作:
//   - Memory: 單機模式，map + mutex，可快照 / 還原，可掛 journal
//   - SQLite: modernc.org/sqlite，WAL journal mode，同時提供事件窗口讀取
//
// 一致性:
//   每個操作對同一 tenant / queue / execution key 為強一致。
//   計數器遞減在 0 截止，不會出現負值。
//
// ============================================================================

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

var (
	// ErrNotFound 找不到紀錄
	ErrNotFound = types.ErrNotFound
	// ErrAlreadyExists id 已存在
	ErrAlreadyExists = errors.New("record already exists")
	// ErrInvalidTransition 狀態轉換不合法
	ErrInvalidTransition = types.ErrInvalidTransition
)

// ExecutionUpdate 一次執行狀態轉換
type ExecutionUpdate struct {
	ID     string
	Status types.ExecutionStatus
	At     time.Time
	Error  string
	Result *types.QueryResult
}

// ExecutionStore 執行紀錄
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *types.QueryExecution) error
	// UpdateExecutionStatus 依狀態機轉換；RUNNING 記錄 StartedAt，終止狀態記錄 CompletedAt
	UpdateExecutionStatus(ctx context.Context, u ExecutionUpdate) error
	RecordNodeExecution(ctx context.Context, rec types.NodeExecution) error
	GetExecution(ctx context.Context, id string) (*types.QueryExecution, error)
	ListExecutions(ctx context.Context, tenantID string) ([]*types.QueryExecution, error)
}

// BudgetStore 租戶預算與計數器
type BudgetStore interface {
	GetBudget(ctx context.Context, tenantID string) (*types.ExecutionBudget, error)
	UpsertBudget(ctx context.Context, b *types.ExecutionBudget) error
	ListBudgets(ctx context.Context) ([]*types.ExecutionBudget, error)
	// IncrementQueuedQueries 一次准入：queued+1、current+1、累加 compute units
	IncrementQueuedQueries(ctx context.Context, tenantID string, computeUnits float64) error
	DecrementQueuedQueries(ctx context.Context, tenantID string) error
	DecrementCurrentQueries(ctx context.Context, tenantID string) error
}

// QueueStore 佇列項目與 worker pool 狀態
type QueueStore interface {
	CreateQueueEntry(ctx context.Context, e *types.QueuedExecution) error
	UpdateQueueEntryStatus(ctx context.Context, id string, status types.QueueEntryStatus, at time.Time) error
	GetQueueEntry(ctx context.Context, id string) (*types.QueuedExecution, error)
	ListQueueEntries(ctx context.Context, statuses ...types.QueueEntryStatus) ([]*types.QueuedExecution, error)
	UpsertWorkerPoolStats(ctx context.Context, s *types.WorkerPoolStats) error
	ListWorkerPoolStats(ctx context.Context) ([]*types.WorkerPoolStats, error)
}

// CacheStore 快取項目
type CacheStore interface {
	// CacheLookup 回傳 (hash, tenant) 最新的有效項目並遞增 hit count
	CacheLookup(ctx context.Context, queryHash, tenantID string, now time.Time) (*types.CacheEntry, error)
	// CacheHit 對指定項目遞增 hit count 並回傳新值；項目已過期、失效或不存在時回傳 ErrNotFound
	CacheHit(ctx context.Context, queryHash, tenantID, id string, now time.Time) (int64, error)
	CacheStore(ctx context.Context, e *types.CacheEntry) error
	// CacheInvalidate queryHash 為空時作用於租戶全部項目，回傳失效筆數
	CacheInvalidate(ctx context.Context, queryHash, tenantID, reason string, at time.Time) (int, error)
	// CachePurge 刪除過期或已失效的項目
	CachePurge(ctx context.Context, now time.Time) (int, error)
}

// Repository 完整的儲存層
type Repository interface {
	ExecutionStore
	BudgetStore
	QueueStore
	CacheStore
	Close() error
}

// applyExecutionUpdate 在 exec 上套用狀態轉換（兩種實作共用）
func applyExecutionUpdate(exec *types.QueryExecution, u ExecutionUpdate) error {
	if !exec.Status.CanTransition(u.Status) {
		return fmt.Errorf("%w: execution %s %s -> %s", ErrInvalidTransition, exec.ID, exec.Status, u.Status)
	}
	exec.Status = u.Status
	at := u.At
	switch {
	case u.Status == types.ExecRunning:
		if exec.StartedAt == nil {
			exec.StartedAt = &at
		}
	case u.Status.IsTerminal():
		exec.CompletedAt = &at
	}
	if u.Error != "" {
		exec.Error = u.Error
	}
	if u.Result != nil {
		exec.Result = u.Result
	}
	return nil
}

// applyEntryStatus 在佇列項目上套用狀態轉換
func applyEntryStatus(e *types.QueuedExecution, status types.QueueEntryStatus, at time.Time) error {
	if !e.Status.CanTransition(status) {
		return fmt.Errorf("%w: queue entry %s %s -> %s", ErrInvalidTransition, e.ID, e.Status, status)
	}
	e.Status = status
	if status == types.EntryDequeued {
		e.DequeuedAt = &at
	}
	return nil
}

func decrement(n int) int {
	if n > 0 {
		return n - 1
	}
	return 0
}
