// ============================================================================
// Beaver-Query Budget Manager - 租戶執行預算
// ============================================================================
//
// Package: internal/budget
// 文件: budget.go
// 功能: 依訂閱等級設定限制、重設用量、准入檢查與滾動窗口
//
// 等級限制（每一欄都隨等級嚴格遞增）:
//
//   tier        concurrent  queueDepth  latencyMs  computeUnits
//   free        1           5           5000       100
//   basic       3           20          10000      1000
//   pro         10          100         30000      10000
//   enterprise  50          500         60000      100000
//
// 准入順序（Admit，持有 m.mu）:
//   1. 預算不存在 → NoBudget
//   2. gate（呼叫端的佇列檢查，例如背壓）
//   3. currentQueries ≥ max → ConcurrencyLimitReached
//   4. queuedQueries ≥ max → QueueDepthLimitReached
//   5. computeUnitsUsed + cost > max → ComputeBudgetExhausted
//   6. 計數器遞增
//   任一檢查失敗都不產生副作用。
//
// 鎖順序: m.mu 在外；gate 內可以取得佇列鎖，但持有佇列鎖時不可呼叫 Manager。
//
// ============================================================================

package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/ChuLiYu/beaver-query/internal/repository"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

var log = slog.Default()

// ErrUnknownTier 未定義的訂閱等級
var ErrUnknownTier = errors.New("unknown tier")

// DefaultWindow 預設滾動窗口長度
const DefaultWindow = time.Hour

// Limits 一個等級的限制
type Limits struct {
	MaxConcurrentQueries int     `yaml:"max_concurrent_queries"`
	MaxQueueDepth        int     `yaml:"max_queue_depth"`
	MaxLatencyMs         int64   `yaml:"max_latency_ms"`
	MaxComputeUnits      float64 `yaml:"max_compute_units"`
}

// DefaultTiers 預設等級表
func DefaultTiers() map[types.Tier]Limits {
	return map[types.Tier]Limits{
		types.TierFree:       {MaxConcurrentQueries: 1, MaxQueueDepth: 5, MaxLatencyMs: 5000, MaxComputeUnits: 100},
		types.TierBasic:      {MaxConcurrentQueries: 3, MaxQueueDepth: 20, MaxLatencyMs: 10000, MaxComputeUnits: 1000},
		types.TierPro:        {MaxConcurrentQueries: 10, MaxQueueDepth: 100, MaxLatencyMs: 30000, MaxComputeUnits: 10000},
		types.TierEnterprise: {MaxConcurrentQueries: 50, MaxQueueDepth: 500, MaxLatencyMs: 60000, MaxComputeUnits: 100000},
	}
}

// Manager 預算管理器
type Manager struct {
	mu     sync.Mutex
	store  repository.BudgetStore
	clock  quartz.Clock
	window time.Duration
	tiers  map[types.Tier]Limits
}

// Option 設定 Manager
type Option func(*Manager)

// WithClock 注入時鐘
func WithClock(c quartz.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithWindow 設定滾動窗口長度
func WithWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithTiers 覆寫等級表
func WithTiers(t map[types.Tier]Limits) Option {
	return func(m *Manager) {
		if len(t) > 0 {
			m.tiers = t
		}
	}
}

// NewManager 建立預算管理器
func NewManager(store repository.BudgetStore, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		clock:  quartz.NewReal(),
		window: DefaultWindow,
		tiers:  DefaultTiers(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Tiers 目前的等級表（拷貝）
func (m *Manager) Tiers() map[types.Tier]Limits {
	out := make(map[types.Tier]Limits, len(m.tiers))
	for k, v := range m.tiers {
		out[k] = v
	}
	return out
}

// Initialize 以等級建立租戶預算。已存在時只更新限制，用量與窗口保留。
func (m *Manager) Initialize(ctx context.Context, tenantID string, tier types.Tier) (*types.ExecutionBudget, error) {
	limits, ok := m.tiers[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.store.GetBudget(ctx, tenantID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		now := m.clock.Now()
		b = &types.ExecutionBudget{TenantID: tenantID, WindowStart: now, WindowEnd: now.Add(m.window)}
	case err != nil:
		return nil, err
	}
	b.Tier = tier
	b.MaxConcurrentQueries = limits.MaxConcurrentQueries
	b.MaxQueueDepth = limits.MaxQueueDepth
	b.MaxLatencyMs = limits.MaxLatencyMs
	b.MaxComputeUnits = limits.MaxComputeUnits

	if err := m.store.UpsertBudget(ctx, b); err != nil {
		return nil, err
	}
	log.Info("Budget initialized", "tenant", tenantID, "tier", tier)
	return b, nil
}

// Reset 歸零用量並把窗口推進到 [now, now+window)，限制不變
func (m *Manager) Reset(ctx context.Context, tenantID string) (*types.ExecutionBudget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.store.GetBudget(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	b.CurrentQueries = 0
	b.QueuedQueries = 0
	b.ComputeUnitsUsed = 0
	b.WindowStart = now
	b.WindowEnd = now.Add(m.window)
	if err := m.store.UpsertBudget(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GetStatus 目前的預算；不存在時回傳 repository.ErrNotFound
func (m *Manager) GetStatus(ctx context.Context, tenantID string) (*types.ExecutionBudget, error) {
	return m.store.GetBudget(ctx, tenantID)
}

// Admit 准入檢查並預留一個名額與 cost 個 compute unit。
// gate 在預算存在之後、限制檢查之前執行，回傳錯誤即拒絕。
func (m *Manager) Admit(ctx context.Context, tenantID string, cost float64, gate func() error) (*types.ExecutionBudget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.store.GetBudget(ctx, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, types.NewAdmissionError(types.CodeNoBudget, "no execution budget configured for tenant "+tenantID, 0)
	}
	if err != nil {
		return nil, err
	}

	if gate != nil {
		if err := gate(); err != nil {
			return nil, err
		}
	}

	now := m.clock.Now()
	rolled := false
	if !now.Before(b.WindowEnd) {
		m.roll(b, now)
		rolled = true
	}

	switch {
	case b.CurrentQueries >= b.MaxConcurrentQueries:
		err = types.NewAdmissionError(types.CodeConcurrencyLimitReached,
			fmt.Sprintf("tenant %s has %d of %d concurrent queries", tenantID, b.CurrentQueries, b.MaxConcurrentQueries), time.Second)
	case b.QueuedQueries >= b.MaxQueueDepth:
		err = types.NewAdmissionError(types.CodeQueueDepthLimitReached,
			fmt.Sprintf("tenant %s has %d of %d queued queries", tenantID, b.QueuedQueries, b.MaxQueueDepth), time.Second)
	case b.ComputeUnitsUsed+cost > b.MaxComputeUnits:
		err = types.NewAdmissionError(types.CodeComputeBudgetExhausted,
			fmt.Sprintf("tenant %s used %.2f of %.2f compute units, query needs %.2f", tenantID, b.ComputeUnitsUsed, b.MaxComputeUnits, cost),
			b.WindowEnd.Sub(now))
	}
	if err != nil {
		// 窗口推進不算准入副作用，仍然保存
		if rolled {
			if uerr := m.store.UpsertBudget(ctx, b); uerr != nil {
				log.Error("Failed to persist rolled budget window", "tenant", tenantID, "error", uerr)
			}
		}
		return nil, err
	}

	if rolled {
		if err := m.store.UpsertBudget(ctx, b); err != nil {
			return nil, err
		}
	}
	if err := m.store.IncrementQueuedQueries(ctx, tenantID, cost); err != nil {
		return nil, err
	}
	b.QueuedQueries++
	b.CurrentQueries++
	b.ComputeUnitsUsed += cost
	return b, nil
}

// Refund 撤銷一次 Admit（准入後持久化失敗時使用）
func (m *Manager) Refund(ctx context.Context, tenantID string, cost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.store.GetBudget(ctx, tenantID)
	if err != nil {
		return err
	}
	b.QueuedQueries = max(b.QueuedQueries-1, 0)
	b.CurrentQueries = max(b.CurrentQueries-1, 0)
	b.ComputeUnitsUsed = max(b.ComputeUnitsUsed-cost, 0)
	return m.store.UpsertBudget(ctx, b)
}

// Dequeued 項目離開佇列（被 worker 取走、過期或取消）
func (m *Manager) Dequeued(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DecrementQueuedQueries(ctx, tenantID)
}

// Release 執行結束，釋放並行名額
func (m *Manager) Release(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DecrementCurrentQueries(ctx, tenantID)
}

// RollWindows 推進所有已到期的窗口，回傳推進的租戶數
func (m *Manager) RollWindows(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	budgets, err := m.store.ListBudgets(ctx)
	if err != nil {
		return 0, err
	}
	now := m.clock.Now()
	n := 0
	for _, b := range budgets {
		if now.Before(b.WindowEnd) {
			continue
		}
		m.roll(b, now)
		if err := m.store.UpsertBudget(ctx, b); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		log.Debug("Budget windows rolled", "count", n)
	}
	return n, nil
}

// roll 只歸零 compute units；並行與排隊計數屬於仍在進行中的查詢
func (m *Manager) roll(b *types.ExecutionBudget, now time.Time) {
	b.ComputeUnitsUsed = 0
	b.WindowStart = now
	b.WindowEnd = now.Add(m.window)
}
