// ============================================================================
// Beaver-Query Plan Compiler - QueryRequest → QueryPlan
// ============================================================================
//
// Package: internal/compiler
// 文件: compiler.go
// 功能: 將宣告式的分析請求編譯為明確、可重現的 DAG
//
// 編譯結果（基本情況為線性鏈）:
//
//   SOURCE → TRANSFORM(op1) → TRANSFORM(op2) → ... → SCORE → OUTPUT
//
//   - SOURCE: 以租戶與時間窗口參數化
//   - TRANSFORM: 每個 operator 一個節點，依請求順序，依賴前一個節點
//   - SCORE: 類型由查詢類型固定映射；沒有 operator 時直接依賴 SOURCE
//   - OUTPUT: 第一個輸出格式 + 列數上限
//
// ParallelSiblings 模式:
//   連續 ≥2 個可平行 operator 編譯為共用同一依賴的兄弟節點，
//   再由一個 AGGREGATE(MEAN) 節點匯合。
//
// 確定性:
//   節點 id 由插入序號與標籤組成（n0-source, n1-fir, ...），
//   addNode 回傳實際 id 並由呼叫端串接依賴。
//   plan 內不含時間戳或亂數，reproducibilityHash 只由請求內容決定。
//
// ============================================================================

package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/beaver-query/internal/operator"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

const (
	// DefaultRowLimit OUTPUT 節點預設列數上限
	DefaultRowLimit = 1000
	// DefaultConfidenceLevel SCORE 節點預設信心水準
	DefaultConfidenceLevel = 0.95
	// DefaultOutputFormat 請求未指定格式時使用
	DefaultOutputFormat = types.FormatJSON
	// SourceCost 讀取 event store 的基礎成本
	SourceCost = 1.0
)

// ErrNoScorer registry 沒有評分類型可用的 scorer（也沒有 CUSTOM 可退回）
var ErrNoScorer = errors.New("compiler: no scorer registered")

// Options 編譯選項
type Options struct {
	ParallelSiblings bool
	RowLimit         int
	ConfidenceLevel  float64
	SourceKind       string
	Sampling         types.SamplingPolicy
}

// DefaultOptions 預設編譯選項
func DefaultOptions() Options {
	return Options{
		RowLimit:        DefaultRowLimit,
		ConfidenceLevel: DefaultConfidenceLevel,
		SourceKind:      "events",
		Sampling:        types.SamplingPolicy{Mode: "all"},
	}
}

// Compiler 查詢編譯器，本身無狀態
type Compiler struct {
	registry *operator.Registry
	opts     Options
}

// New 建立編譯器，opts 的零值欄位以預設值補齊
func New(registry *operator.Registry, opts Options) *Compiler {
	def := DefaultOptions()
	if opts.RowLimit <= 0 {
		opts.RowLimit = def.RowLimit
	}
	if opts.ConfidenceLevel <= 0 || opts.ConfidenceLevel > 1 {
		opts.ConfidenceLevel = def.ConfidenceLevel
	}
	if opts.SourceKind == "" {
		opts.SourceKind = def.SourceKind
	}
	if opts.Sampling.Mode == "" {
		opts.Sampling = def.Sampling
	}
	return &Compiler{registry: registry, opts: opts}
}

// builder 累積節點並回傳真實 id
type builder struct {
	nodes []types.QueryNode
}

func (b *builder) addNode(label string, deps []string, cfg types.NodeConfig) string {
	id := fmt.Sprintf("n%d-%s", len(b.nodes), strings.ToLower(label))
	b.nodes = append(b.nodes, types.QueryNode{
		ID:           id,
		Dependencies: append([]string(nil), deps...),
		Config:       cfg,
	})
	return id
}

// Compile 編譯請求。純函式：不做 I/O、不讀時鐘。
func (c *Compiler) Compile(req types.QueryRequest) (*types.QueryPlan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// 先解析所有 operator，未知名稱在建立任何節點前就失敗
	metas := make([]operator.Metadata, len(req.Operators))
	for i, name := range req.Operators {
		meta, ok := c.registry.Get(name)
		if !ok {
			return nil, types.NewUnknownOperatorError(name)
		}
		metas[i] = meta
	}

	// 輸出格式同樣在編譯期檢查，不支援的格式不會進入預算與佇列
	format := DefaultOutputFormat
	for i, f := range req.OutputFormats {
		if strings.TrimSpace(f) == "" {
			continue
		}
		norm, ok := types.NormalizeOutputFormat(f)
		if !ok {
			return nil, types.NewInvalidRequestError(fmt.Sprintf("unsupported output format %q", f))
		}
		if i == 0 {
			format = norm
		}
	}

	scoreType := types.ScoreTypeFor(req.QueryType)
	algorithm, scoreCost, ok := c.registry.ScoreAlgorithm(scoreType)
	if !ok {
		return nil, fmt.Errorf("%w: no scorer registered for %s", ErrNoScorer, scoreType)
	}

	b := &builder{}
	cost := SourceCost

	prev := b.addNode("source", nil, &types.SourceConfig{
		SourceKind: c.opts.SourceKind,
		TenantID:   req.TenantID,
		Window:     req.Window,
		Sampling:   c.opts.Sampling,
	})

	for i := 0; i < len(metas); {
		run := 1
		if c.opts.ParallelSiblings {
			for i+run < len(metas) && metas[i].Parallelizable && metas[i+run].Parallelizable {
				run++
			}
		}

		if run < 2 {
			prev = b.addNode(metas[i].Name, []string{prev}, transformConfig(metas[i]))
			cost += metas[i].CostEstimate
			i++
			continue
		}

		siblings := make([]string, 0, run)
		for _, meta := range metas[i : i+run] {
			siblings = append(siblings, b.addNode(meta.Name, []string{prev}, transformConfig(meta)))
			cost += meta.CostEstimate
		}
		prev = b.addNode("aggregate", siblings, &types.AggregateConfig{Function: operator.AggMean})
		i += run
	}

	cost += scoreCost
	score := b.addNode("score", []string{prev}, &types.ScoreConfig{
		ScoreType:       scoreType,
		Algorithm:       algorithm,
		ConfidenceLevel: c.opts.ConfidenceLevel,
	})

	b.addNode("output", []string{score}, &types.OutputConfig{Format: format, RowLimit: c.opts.RowLimit})

	plan := &types.QueryPlan{
		TenantID:      req.TenantID,
		QueryType:     req.QueryType,
		Nodes:         b.nodes,
		Version:       types.PlanVersion,
		Constraints:   copyConstraints(req.Constraints),
		EstimatedCost: cost,
	}

	hash, err := PlanHash(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to hash plan: %w", err)
	}
	plan.ReproducibilityHash = hash
	return plan, nil
}

func transformConfig(meta operator.Metadata) *types.TransformConfig {
	return &types.TransformConfig{
		Operator:       meta.Name,
		Parameters:     meta.DefaultParameters,
		Deterministic:  meta.Deterministic,
		Parallelizable: meta.Parallelizable,
		Cost:           meta.CostEstimate,
	}
}

func copyConstraints(c *types.Constraints) *types.Constraints {
	if c == nil {
		return nil
	}
	out := &types.Constraints{}
	if c.MaxLatencyMs != nil {
		v := *c.MaxLatencyMs
		out.MaxLatencyMs = &v
	}
	if c.MinConfidence != nil {
		v := *c.MinConfidence
		out.MinConfidence = &v
	}
	return out
}

// ============================================================================
// 結構檢查
// ============================================================================

// Verify 檢查 plan 的結構不變量：
// 依賴都存在、非 SOURCE 節點至少有一個依賴、恰好一個 OUTPUT 且無人依賴它。
// 環的檢查由 executor 的拓撲排序負責。
func Verify(plan *types.QueryPlan) error {
	ids := make(map[string]bool, len(plan.Nodes))
	for _, n := range plan.Nodes {
		if ids[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
	}

	dependedOn := make(map[string]bool)
	outputs := 0
	var output string
	for _, n := range plan.Nodes {
		if n.Config == nil {
			return types.NewExecutionError(types.CodeUnknownNodeType, n.ID, nil)
		}
		if n.Kind() != types.KindSource && len(n.Dependencies) == 0 {
			return fmt.Errorf("node %s (%s) has no dependencies", n.ID, n.Kind())
		}
		for _, dep := range n.Dependencies {
			if !ids[dep] {
				return fmt.Errorf("node %s depends on unknown node %s", n.ID, dep)
			}
			dependedOn[dep] = true
		}
		if n.Kind() == types.KindOutput {
			outputs++
			output = n.ID
		}
	}
	if outputs != 1 {
		return fmt.Errorf("plan must have exactly one OUTPUT node, found %d", outputs)
	}
	if dependedOn[output] {
		return fmt.Errorf("OUTPUT node %s must be terminal", output)
	}
	return nil
}
