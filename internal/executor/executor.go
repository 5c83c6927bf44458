// ============================================================================
// Beaver-Query DAG Executor - 拓撲順序執行查詢計畫
// ============================================================================
//
// Package: internal/executor
// 文件: executor.go
// 功能: 驗證 DAG 無環、計算拓撲順序、依節點種類分派執行並記錄每個節點
//
// 執行流程:
//   1. 以 id 建立節點索引
//   2. 三色 DFS 拓撲排序（white/gray/black），遇到 gray 節點即為環 → CircularDependency
//   3. 依拓撲順序執行；線性鏈的拓撲順序即插入順序
//   4. 節點分派：SOURCE 讀 event store、TRANSFORM 套用 operator、
//      AGGREGATE 歸約、SCORE 評分、OUTPUT 格式化
//   5. 每個節點記錄狀態、起訖時間、延遲、輸出或錯誤
//
// 失敗語義:
//   任一節點失敗即整個執行失敗，不保留部分結果，下游節點不執行。
//   executor 不重試；重試由提交端決定。
//
// 平行模式 (Options.Parallel):
//   同一拓撲層（最長路徑深度相同）的節點彼此沒有路徑，以 errgroup 並行執行。
//   節點執行是其設定與依賴輸出的純函式，因此結果與循序執行相同。
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-query/internal/eventstore"
	"github.com/ChuLiYu/beaver-query/internal/operator"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 資料結構定義
// ============================================================================

// Recorder 節點執行紀錄的持久化介面（repository 的子集）
type Recorder interface {
	RecordNodeExecution(ctx context.Context, rec types.NodeExecution) error
}

// Observer 節點完成時的回呼，metrics 使用
type Observer interface {
	ObserveNode(kind types.NodeKind, status types.NodeStatus, latency time.Duration)
}

// Options 執行選項
type Options struct {
	Parallel    bool // 同層節點並行
	MaxParallel int  // 每層最大並行數，0 表示不限
}

// Executor DAG 執行器
type Executor struct {
	registry *operator.Registry
	events   eventstore.Reader
	recorder Recorder
	observer Observer
	clock    quartz.Clock
	tracer   trace.Tracer
	opts     Options
}

// Option 設定 Executor 的選用元件
type Option func(*Executor)

// WithRecorder 設定節點紀錄的持久化
func WithRecorder(r Recorder) Option { return func(e *Executor) { e.recorder = r } }

// WithObserver 設定節點完成回呼
func WithObserver(o Observer) Option { return func(e *Executor) { e.observer = o } }

// WithClock 注入時鐘（測試使用 quartz.NewMock）
func WithClock(c quartz.Clock) Option { return func(e *Executor) { e.clock = c } }

// WithOptions 設定執行選項
func WithOptions(o Options) Option { return func(e *Executor) { e.opts = o } }

// New 建立 Executor
func New(registry *operator.Registry, events eventstore.Reader, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		events:   events,
		clock:    quartz.NewReal(),
		tracer:   otel.Tracer("beaver-query/executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Execute 為 plan 建立新的執行並同步跑完
func (e *Executor) Execute(ctx context.Context, plan *types.QueryPlan) (*types.QueryExecution, error) {
	exec := &types.QueryExecution{
		ID:                  uuid.NewString(),
		TenantID:            plan.TenantID,
		Plan:                plan,
		Status:              types.ExecPending,
		SubmittedAt:         e.clock.Now(),
		ReproducibilityHash: plan.ReproducibilityHash,
		ConfigVersion:       plan.Version,
	}
	err := e.Run(ctx, exec)
	return exec, err
}

// Run 執行既有的 execution，就地更新狀態、節點紀錄與結果。
// exec 必須處於 PENDING、QUEUED 或 RUNNING。
func (e *Executor) Run(ctx context.Context, exec *types.QueryExecution) error {
	if exec.Status != types.ExecRunning && !exec.Status.CanTransition(types.ExecRunning) {
		return fmt.Errorf("%w: cannot run execution %s from %s", types.ErrInvalidTransition, exec.ID, exec.Status)
	}

	ctx, span := e.tracer.Start(ctx, "executor.Run", trace.WithAttributes(
		attribute.String("execution.id", exec.ID),
		attribute.String("tenant.id", exec.TenantID),
		attribute.String("plan.hash", exec.Plan.ReproducibilityHash),
	))
	defer span.End()

	start := e.clock.Now()
	if exec.StartedAt == nil {
		exec.StartedAt = &start
	}
	exec.Status = types.ExecRunning

	err := e.run(ctx, exec)

	end := e.clock.Now()
	exec.CompletedAt = &end
	if err != nil {
		exec.Status = types.ExecFailed
		exec.Error = err.Error()
		exec.Result = nil
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("Execution failed", "executionID", exec.ID, "tenant", exec.TenantID, "error", err)
		return err
	}

	exec.Status = types.ExecCompleted
	e.applyConstraints(exec, end.Sub(start))
	log.Debug("Execution completed", "executionID", exec.ID, "duration", end.Sub(start))
	return nil
}

func (e *Executor) run(ctx context.Context, exec *types.QueryExecution) error {
	plan := exec.Plan
	order, err := TopologicalOrder(plan)
	if err != nil {
		return err
	}

	state := &runState{
		exec:    exec,
		outputs: make(map[string]*types.NodeOutput, len(order)),
	}

	if !e.opts.Parallel {
		for _, node := range order {
			if err := e.step(ctx, state, node); err != nil {
				return err
			}
		}
	} else {
		for _, level := range Levels(order) {
			if err := e.runLevel(ctx, state, level); err != nil {
				return err
			}
		}
	}

	for _, node := range order {
		if node.Kind() != types.KindOutput {
			continue
		}
		if out := state.outputs[node.ID]; out != nil && out.Result != nil {
			exec.Result = out.Result
			return nil
		}
	}
	return types.NewExecutionError(types.CodeNodeFailed, "", errors.New("plan produced no OUTPUT result"))
}

// runLevel 並行執行同一層節點；多個失敗時回報拓撲順序最前的那個
func (e *Executor) runLevel(ctx context.Context, state *runState, level []*types.QueryNode) error {
	if len(level) == 1 {
		return e.step(ctx, state, level[0])
	}

	// 兄弟節點互不取消，錯誤依層內順序回報
	errs := make([]error, len(level))
	var g errgroup.Group
	if e.opts.MaxParallel > 0 {
		g.SetLimit(e.opts.MaxParallel)
	}
	for i, node := range level {
		g.Go(func() error {
			errs[i] = e.step(ctx, state, node)
			return errs[i]
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runState 單次執行的共享狀態
type runState struct {
	mu      sync.Mutex
	exec    *types.QueryExecution
	outputs map[string]*types.NodeOutput
}

func (s *runState) inputs(node *types.QueryNode) []*types.NodeOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := make([]*types.NodeOutput, 0, len(node.Dependencies))
	for _, dep := range node.Dependencies {
		in = append(in, s.outputs[dep])
	}
	return in
}

func (s *runState) record(rec types.NodeExecution, out *types.NodeOutput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec.Nodes = append(s.exec.Nodes, rec)
	s.exec.ComputeUnits += rec.ComputeUnits
	if out != nil {
		s.outputs[rec.NodeID] = out
	}
}

// step 執行並記錄一個節點
func (e *Executor) step(ctx context.Context, state *runState, node *types.QueryNode) error {
	ctx, span := e.tracer.Start(ctx, "executor.node", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.kind", string(node.Kind())),
	))
	defer span.End()

	rec := types.NodeExecution{
		ExecutionID: state.exec.ID,
		NodeID:      node.ID,
		Kind:        node.Kind(),
		Status:      types.NodeRunning,
		StartedAt:   e.clock.Now(),
	}

	out, err := e.dispatch(ctx, state.exec.Plan, node, state.inputs(node))

	rec.CompletedAt = e.clock.Now()
	latency := rec.CompletedAt.Sub(rec.StartedAt)
	rec.LatencyMs = float64(latency) / float64(time.Millisecond)
	if err != nil {
		rec.Status = types.NodeFailed
		rec.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		rec.Status = types.NodeCompleted
		rec.Output = out
		rec.ComputeUnits = out.ComputeUnits
	}

	state.record(rec, out)
	if e.observer != nil {
		e.observer.ObserveNode(rec.Kind, rec.Status, latency)
	}
	if e.recorder != nil {
		if rerr := e.recorder.RecordNodeExecution(ctx, rec); rerr != nil {
			log.Error("Failed to record node execution", "executionID", rec.ExecutionID, "node", rec.NodeID, "error", rerr)
		}
	}

	if err != nil {
		var typed *types.Error
		if errors.As(err, &typed) && typed.Code == types.CodeUnknownNodeType {
			return err
		}
		return types.NewExecutionError(types.CodeNodeFailed, node.ID, err)
	}
	return nil
}

// applyConstraints 在結果上標記延遲與信心度約束，不改變執行狀態
func (e *Executor) applyConstraints(exec *types.QueryExecution, elapsed time.Duration) {
	c := exec.Plan.Constraints
	if c == nil || exec.Result == nil {
		return
	}
	if c.MaxLatencyMs != nil && elapsed > time.Duration(*c.MaxLatencyMs)*time.Millisecond {
		exec.Result.LatencyBudgetExceeded = true
	}
	if c.MinConfidence != nil && exec.Result.Confidence < *c.MinConfidence {
		exec.Result.BelowMinConfidence = true
	}
}

// ============================================================================
// 拓撲排序
// ============================================================================

const (
	white = iota // 未訪問
	gray         // 訪問中
	black        // 完成
)

// TopologicalOrder 三色 DFS 拓撲排序。
// 根節點依 plan 中的插入順序遍歷、依賴依宣告順序遍歷，因此結果確定；
// 線性鏈的結果即插入順序。遇到 gray 節點回傳 CircularDependency。
func TopologicalOrder(plan *types.QueryPlan) ([]*types.QueryNode, error) {
	index := make(map[string]*types.QueryNode, len(plan.Nodes))
	for i := range plan.Nodes {
		index[plan.Nodes[i].ID] = &plan.Nodes[i]
	}

	color := make(map[string]int, len(plan.Nodes))
	order := make([]*types.QueryNode, 0, len(plan.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return types.NewCircularDependencyError(id)
		case black:
			return nil
		}
		node, ok := index[id]
		if !ok {
			return types.NewExecutionError(types.CodeNodeFailed, id, errors.New("dependency refers to unknown node"))
		}
		color[id] = gray
		for _, dep := range node.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		order = append(order, node)
		return nil
	}

	for i := range plan.Nodes {
		if err := visit(plan.Nodes[i].ID); err != nil {
			return nil, err
		}
	}
	if len(order) == 0 {
		return nil, types.NewExecutionError(types.CodeNodeFailed, "", errors.New("plan has no nodes"))
	}
	return order, nil
}

// Levels 依最長路徑深度分層；同層節點之間沒有路徑。
// 層內保持拓撲順序。
func Levels(order []*types.QueryNode) [][]*types.QueryNode {
	depth := make(map[string]int, len(order))
	maxDepth := 0
	for _, node := range order {
		d := 0
		for _, dep := range node.Dependencies {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[node.ID] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]*types.QueryNode, maxDepth+1)
	for _, node := range order {
		levels[depth[node.ID]] = append(levels[depth[node.ID]], node)
	}
	return levels
}
