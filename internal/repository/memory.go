package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

var log = slog.Default()

// Journal 執行紀錄變更的追加日誌（storage/wal 實作），回傳事件序號
type Journal interface {
	AppendExecution(exec *types.QueryExecution) (uint64, error)
	LastSeq() uint64
}

// Memory 記憶體儲存層。
// 所有讀取都回傳拷貝，呼叫端不會與內部狀態共用指標。
type Memory struct {
	mu         sync.RWMutex
	executions map[string]*types.QueryExecution
	budgets    map[string]*types.ExecutionBudget
	entries    map[string]*types.QueuedExecution
	pools      map[types.QueueName]*types.WorkerPoolStats
	cache      map[string][]*types.CacheEntry // key: tenant + "/" + hash，依寫入順序
	journal    Journal
}

// NewMemory 建立空的記憶體儲存層
func NewMemory() *Memory {
	return &Memory{
		executions: make(map[string]*types.QueryExecution),
		budgets:    make(map[string]*types.ExecutionBudget),
		entries:    make(map[string]*types.QueuedExecution),
		pools:      make(map[types.QueueName]*types.WorkerPoolStats),
		cache:      make(map[string][]*types.CacheEntry),
	}
}

// SetJournal 設定執行紀錄的 journal；之後的建立與狀態變更都會追加
func (m *Memory) SetJournal(j Journal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = j
}

func cacheKey(tenantID, hash string) string { return tenantID + "/" + hash }

// journalLocked 呼叫端持有 m.mu
func (m *Memory) journalLocked(exec *types.QueryExecution) {
	if m.journal == nil {
		return
	}
	if _, err := m.journal.AppendExecution(exec); err != nil {
		log.Error("Failed to append execution to journal", "executionID", exec.ID, "error", err)
	}
}

// ============================================================================
// ExecutionStore
// ============================================================================

func (m *Memory) CreateExecution(ctx context.Context, exec *types.QueryExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return fmt.Errorf("%w: execution %s", ErrAlreadyExists, exec.ID)
	}
	stored := exec.Clone()
	m.executions[exec.ID] = stored
	m.journalLocked(stored)
	return nil
}

func (m *Memory) UpdateExecutionStatus(ctx context.Context, u ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[u.ID]
	if !ok {
		return fmt.Errorf("%w: execution %s", ErrNotFound, u.ID)
	}
	if err := applyExecutionUpdate(exec, u); err != nil {
		return err
	}
	m.journalLocked(exec)
	return nil
}

func (m *Memory) RecordNodeExecution(ctx context.Context, rec types.NodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[rec.ExecutionID]
	if !ok {
		return fmt.Errorf("%w: execution %s", ErrNotFound, rec.ExecutionID)
	}
	exec.Nodes = append(exec.Nodes, rec)
	return nil
}

func (m *Memory) GetExecution(ctx context.Context, id string) (*types.QueryExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	return exec.Clone(), nil
}

func (m *Memory) ListExecutions(ctx context.Context, tenantID string) ([]*types.QueryExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.QueryExecution, 0)
	for _, exec := range m.executions {
		if tenantID == "" || exec.TenantID == tenantID {
			out = append(out, exec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ApplyExecution 直接寫入執行紀錄（journal 重放使用）
func (m *Memory) ApplyExecution(exec *types.QueryExecution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[exec.ID] = exec.Clone()
}

// ============================================================================
// BudgetStore
// ============================================================================

func (m *Memory) GetBudget(ctx context.Context, tenantID string) (*types.ExecutionBudget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.budgets[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: budget for tenant %s", ErrNotFound, tenantID)
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) UpsertBudget(ctx context.Context, b *types.ExecutionBudget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.budgets[b.TenantID] = &cp
	return nil
}

func (m *Memory) ListBudgets(ctx context.Context) ([]*types.ExecutionBudget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.ExecutionBudget, 0, len(m.budgets))
	for _, b := range m.budgets {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (m *Memory) updateBudget(tenantID string, fn func(b *types.ExecutionBudget)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[tenantID]
	if !ok {
		return fmt.Errorf("%w: budget for tenant %s", ErrNotFound, tenantID)
	}
	fn(b)
	return nil
}

func (m *Memory) IncrementQueuedQueries(ctx context.Context, tenantID string, computeUnits float64) error {
	return m.updateBudget(tenantID, func(b *types.ExecutionBudget) {
		b.QueuedQueries++
		b.CurrentQueries++
		b.ComputeUnitsUsed += computeUnits
	})
}

func (m *Memory) DecrementQueuedQueries(ctx context.Context, tenantID string) error {
	return m.updateBudget(tenantID, func(b *types.ExecutionBudget) {
		b.QueuedQueries = decrement(b.QueuedQueries)
	})
}

func (m *Memory) DecrementCurrentQueries(ctx context.Context, tenantID string) error {
	return m.updateBudget(tenantID, func(b *types.ExecutionBudget) {
		b.CurrentQueries = decrement(b.CurrentQueries)
	})
}

// ============================================================================
// QueueStore
// ============================================================================

func (m *Memory) CreateQueueEntry(ctx context.Context, e *types.QueuedExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.ID]; ok {
		return fmt.Errorf("%w: queue entry %s", ErrAlreadyExists, e.ID)
	}
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *Memory) UpdateQueueEntryStatus(ctx context.Context, id string, status types.QueueEntryStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: queue entry %s", ErrNotFound, id)
	}
	return applyEntryStatus(e, status, at)
}

func (m *Memory) GetQueueEntry(ctx context.Context, id string) (*types.QueuedExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: queue entry %s", ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) ListQueueEntries(ctx context.Context, statuses ...types.QueueEntryStatus) ([]*types.QueuedExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.QueuedExecution, 0)
	for _, e := range m.entries {
		if matchStatus(e.Status, statuses) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func matchStatus(s types.QueueEntryStatus, want []types.QueueEntryStatus) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if s == w {
			return true
		}
	}
	return false
}

func (m *Memory) UpsertWorkerPoolStats(ctx context.Context, s *types.WorkerPoolStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.pools[s.Queue] = &cp
	return nil
}

func (m *Memory) ListWorkerPoolStats(ctx context.Context) ([]*types.WorkerPoolStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.WorkerPoolStats, 0, len(m.pools))
	for _, s := range m.pools {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out, nil
}

// ============================================================================
// CacheStore
// ============================================================================

func (m *Memory) CacheLookup(ctx context.Context, queryHash, tenantID string, now time.Time) (*types.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.cache[cacheKey(tenantID, queryHash)]
	// 由新到舊找第一個有效項目
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Live(now) {
			list[i].HitCount++
			cp := *list[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: cache entry %s for tenant %s", ErrNotFound, queryHash, tenantID)
}

func (m *Memory) CacheHit(ctx context.Context, queryHash, tenantID, id string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.cache[cacheKey(tenantID, queryHash)] {
		if e.ID == id && e.Live(now) {
			e.HitCount++
			return e.HitCount, nil
		}
	}
	return 0, fmt.Errorf("%w: cache entry %s", ErrNotFound, id)
}

func (m *Memory) CacheStore(ctx context.Context, e *types.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	key := cacheKey(e.TenantID, e.QueryHash)
	m.cache[key] = append(m.cache[key], &cp)
	return nil
}

func (m *Memory) CacheInvalidate(ctx context.Context, queryHash, tenantID, reason string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, list := range m.cache {
		for _, e := range list {
			if e.TenantID != tenantID || (queryHash != "" && e.QueryHash != queryHash) || e.InvalidatedAt != nil {
				continue
			}
			ts := at
			e.InvalidatedAt = &ts
			e.InvalidationReason = reason
			n++
		}
	}
	return n, nil
}

func (m *Memory) CachePurge(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, list := range m.cache {
		kept := list[:0]
		for _, e := range list {
			if e.Live(now) {
				kept = append(kept, e)
			} else {
				n++
			}
		}
		if len(kept) == 0 {
			delete(m.cache, key)
		} else {
			m.cache[key] = kept
		}
	}
	return n, nil
}

// Close 記憶體實作沒有需要釋放的資源
func (m *Memory) Close() error { return nil }

// ============================================================================
// Snapshot / Restore
// ============================================================================

// Snapshot 取得目前完整狀態的深拷貝
func (m *Memory) Snapshot() types.SnapshotData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data := types.SnapshotData{
		Executions:   make(map[string]*types.QueryExecution, len(m.executions)),
		Budgets:      make(map[string]*types.ExecutionBudget, len(m.budgets)),
		QueueEntries: make(map[string]*types.QueuedExecution, len(m.entries)),
		PoolStats:    make(map[types.QueueName]*types.WorkerPoolStats, len(m.pools)),
		CacheEntries: make([]*types.CacheEntry, 0),
	}
	if m.journal != nil {
		data.LastSeq = m.journal.LastSeq()
	}
	for id, e := range m.executions {
		data.Executions[id] = e.Clone()
	}
	for id, b := range m.budgets {
		cp := *b
		data.Budgets[id] = &cp
	}
	for id, e := range m.entries {
		cp := *e
		data.QueueEntries[id] = &cp
	}
	for q, s := range m.pools {
		cp := *s
		data.PoolStats[q] = &cp
	}
	for _, list := range m.cache {
		for _, e := range list {
			cp := *e
			data.CacheEntries = append(data.CacheEntries, &cp)
		}
	}
	sort.Slice(data.CacheEntries, func(i, j int) bool {
		return data.CacheEntries[i].CachedAt.Before(data.CacheEntries[j].CachedAt)
	})
	return data
}

// Restore 以快照取代目前狀態
func (m *Memory) Restore(data types.SnapshotData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.executions = make(map[string]*types.QueryExecution, len(data.Executions))
	for id, e := range data.Executions {
		m.executions[id] = e.Clone()
	}
	m.budgets = make(map[string]*types.ExecutionBudget, len(data.Budgets))
	for id, b := range data.Budgets {
		cp := *b
		m.budgets[id] = &cp
	}
	m.entries = make(map[string]*types.QueuedExecution, len(data.QueueEntries))
	for id, e := range data.QueueEntries {
		cp := *e
		m.entries[id] = &cp
	}
	m.pools = make(map[types.QueueName]*types.WorkerPoolStats, len(data.PoolStats))
	for q, s := range data.PoolStats {
		cp := *s
		m.pools[q] = &cp
	}
	m.cache = make(map[string][]*types.CacheEntry)
	for _, e := range data.CacheEntries {
		cp := *e
		key := cacheKey(e.TenantID, e.QueryHash)
		m.cache[key] = append(m.cache[key], &cp)
	}
}
