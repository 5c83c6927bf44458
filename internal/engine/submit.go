package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/beaver-query/internal/compiler"
	"github.com/ChuLiYu/beaver-query/internal/operator"
	"github.com/ChuLiYu/beaver-query/internal/repository"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// SubmitOptions 提交選項
type SubmitOptions struct {
	Priority    int   // 數字越大越先執行
	DeadlineMs  int64 // > 0 時透過 Deadline Scheduler 提交
	BypassCache bool
}

// Submission 提交結果。Cached 為 true 時 Entry 為 nil，Execution 已是 COMPLETED。
type Submission struct {
	Execution *types.QueryExecution
	Entry     *types.QueuedExecution
	QueryHash string
	Cached    bool
}

// Compile 只編譯不執行，回傳 plan 與請求雜湊
func (e *Engine) Compile(req types.QueryRequest) (*types.QueryPlan, string, error) {
	plan, err := e.compiler.Compile(req)
	if err != nil {
		return nil, "", err
	}
	hash, err := compiler.RequestHash(req)
	if err != nil {
		return nil, "", err
	}
	return plan, hash, nil
}

// Submit 編譯 → 快取檢查 → 准入排隊
//
// 快取命中時不經過排程器，直接建立一筆 cached=true 的 COMPLETED 執行紀錄，
// 不消耗租戶預算。
func (e *Engine) Submit(ctx context.Context, req types.QueryRequest, opts SubmitOptions) (*Submission, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Submit", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("query.type", string(req.QueryType)),
	))
	defer span.End()

	sub, err := e.submit(ctx, req, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("execution.id", sub.Execution.ID),
		attribute.Bool("cache.hit", sub.Cached),
	)
	return sub, nil
}

func (e *Engine) submit(ctx context.Context, req types.QueryRequest, opts SubmitOptions) (*Submission, error) {
	plan, hash, err := e.Compile(req)
	if err != nil {
		return nil, err
	}

	if !opts.BypassCache {
		entry, ok, err := e.cache.Lookup(ctx, hash, req.TenantID)
		if err != nil {
			log.Error("Cache lookup failed", "tenant", req.TenantID, "error", err)
		}
		if ok {
			e.recordCache(true)
			return e.fromCache(ctx, hash, entry)
		}
		e.recordCache(false)
	}

	exec := &types.QueryExecution{
		ID:                  uuid.NewString(),
		TenantID:            req.TenantID,
		Plan:                plan,
		Status:              types.ExecPending,
		SubmittedAt:         e.clock.Now(),
		ReproducibilityHash: plan.ReproducibilityHash,
		QueryHash:           hash,
		ConfigVersion:       plan.Version,
	}

	var queued *types.QueuedExecution
	if opts.DeadlineMs > 0 {
		queued, err = e.sched.ScheduleWithDeadline(ctx, exec, opts.DeadlineMs, opts.Priority)
	} else {
		queued, err = e.sched.Submit(ctx, exec, opts.Priority)
	}
	if err != nil {
		return nil, err
	}

	e.pools[queued.Queue].Notify()
	return &Submission{Execution: exec, Entry: queued, QueryHash: hash}, nil
}

// fromCache 以快取項目建立一筆已完成的執行紀錄
func (e *Engine) fromCache(ctx context.Context, hash string, entry *types.CacheEntry) (*Submission, error) {
	now := e.clock.Now()
	exec := &types.QueryExecution{
		ID:          uuid.NewString(),
		TenantID:    entry.TenantID,
		Plan:        entry.Plan,
		Status:      types.ExecCompleted,
		SubmittedAt: now,
		StartedAt:   &now,
		CompletedAt: &now,
		QueryHash:   hash,
		Result:      entry.Result,
		Cached:      true,
	}
	if entry.Plan != nil {
		exec.ReproducibilityHash = entry.Plan.ReproducibilityHash
		exec.ConfigVersion = entry.Plan.Version
		exec.Queue = types.QueueFor(entry.Plan.ScoreType())
	}
	if err := e.repo.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("record cached execution: %w", err)
	}
	log.Debug("Served from cache", "executionID", exec.ID, "tenant", exec.TenantID, "source", entry.ExecutionID)
	return &Submission{Execution: exec, QueryHash: hash, Cached: true}, nil
}

func (e *Engine) recordCache(hit bool) {
	if e.metrics == nil {
		return
	}
	if hit {
		e.metrics.RecordCacheHit()
	} else {
		e.metrics.RecordCacheMiss()
	}
}

// ============================================================================
// 查詢與管理
// ============================================================================

// GetExecution 取得執行紀錄（含節點紀錄）
func (e *Engine) GetExecution(ctx context.Context, id string) (*types.QueryExecution, error) {
	return e.repo.GetExecution(ctx, id)
}

// ListExecutions 租戶的執行紀錄；tenantID 為空時列出全部
func (e *Engine) ListExecutions(ctx context.Context, tenantID string) ([]*types.QueryExecution, error) {
	return e.repo.ListExecutions(ctx, tenantID)
}

// Cancel 取消仍在佇列中的執行
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	return e.sched.Cancel(ctx, executionID)
}

// QueueStats 所有佇列的狀態
func (e *Engine) QueueStats() []types.WorkerPoolStats {
	return e.sched.AllStats()
}

// InitializeBudget 以等級建立或更新租戶預算
func (e *Engine) InitializeBudget(ctx context.Context, tenantID string, tier types.Tier) (*types.ExecutionBudget, error) {
	return e.budgets.Initialize(ctx, tenantID, tier)
}

// GetBudget 租戶目前的預算
func (e *Engine) GetBudget(ctx context.Context, tenantID string) (*types.ExecutionBudget, error) {
	return e.budgets.GetStatus(ctx, tenantID)
}

// ResetBudget 歸零用量並開始新的窗口
func (e *Engine) ResetBudget(ctx context.Context, tenantID string) (*types.ExecutionBudget, error) {
	return e.budgets.Reset(ctx, tenantID)
}

// InvalidateCache 使 (hash, tenant) 的快取失效；hash 為空時作用於整個租戶
func (e *Engine) InvalidateCache(ctx context.Context, tenantID, hash, reason string) (int, error) {
	if hash == "" {
		return e.cache.InvalidateTenant(ctx, tenantID, reason)
	}
	return e.cache.Invalidate(ctx, hash, tenantID, reason)
}

// Operators registry 內所有 operator
func (e *Engine) Operators() []operator.Metadata {
	return e.registry.List()
}

// Repository 底層儲存層
func (e *Engine) Repository() repository.Repository { return e.repo }

// Uptime 從 Start 起算的時間；尚未啟動時為 0
func (e *Engine) Uptime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return 0
	}
	return e.clock.Since(e.startTime)
}
