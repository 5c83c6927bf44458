// ============================================================================
// Beaver-Query Operator Registry - 分析算子查詢表
// ============================================================================
//
// Package: internal/operator
// 文件: registry.go
// 功能: operator 名稱 → metadata（預設參數、確定性、可平行、成本）與實作
//
// 設計理念:
//   registry 在啟動時建立，之後只讀。每個 operator 都是
//   (input window, parameters) → (output, cost) 的純函式，
//   不得修改輸入、不得讀取時鐘或亂數。executor 依賴這個性質
//   才能平行執行 DAG 中互不相依的節點。
//
// 組成:
//   - transform operators: FIR, FFT, HFD, NORMALIZE, DIFF, ZSCORE, EWMA
//   - scorers: 每種 ScoreType 一個預設演算法
//   - aggregators: CONCAT, MEAN, SUM, MAX, MIN
//
// ============================================================================

package operator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDuplicateOperator 重複註冊同名 operator
	ErrDuplicateOperator = errors.New("operator already registered")
	// ErrEmptyInput 輸入序列為空
	ErrEmptyInput = errors.New("input series is empty")
	// ErrInvalidParameter 參數超出允許範圍
	ErrInvalidParameter = errors.New("invalid operator parameter")
	// ErrUnknownScorer 沒有對應的評分演算法
	ErrUnknownScorer = errors.New("unknown score algorithm")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Metadata operator 的描述資訊
type Metadata struct {
	Name              string             `json:"name"`
	Description       string             `json:"description"`
	DefaultParameters map[string]float64 `json:"defaultParameters"`
	Deterministic     bool               `json:"deterministic"`
	Parallelizable    bool               `json:"parallelizable"`
	CostEstimate      float64            `json:"costEstimate"` // 每 1024 個樣本的 compute units
}

// Func transform 實作
type Func func(in *types.Series, params map[string]float64) (*types.Series, error)

// ScoreFunc 評分實作
type ScoreFunc func(in *types.Series, confidenceLevel float64) (*types.ScoreResult, error)

type entry struct {
	meta  Metadata
	apply Func
}

type scorer struct {
	algorithm string
	cost      float64
	fn        ScoreFunc
}

// Registry operator 查詢表
type Registry struct {
	mu      sync.RWMutex
	ops     map[string]entry
	scorers map[types.ScoreType]scorer
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewRegistry 建立空的 registry
func NewRegistry() *Registry {
	return &Registry{
		ops:     make(map[string]entry),
		scorers: make(map[types.ScoreType]scorer),
	}
}

// Default 建立含所有內建 operator 與 scorer 的 registry
func Default() *Registry {
	r := NewRegistry()
	for _, b := range builtinTransforms() {
		if err := r.Register(b.meta, b.apply); err != nil {
			panic(err)
		}
	}
	r.RegisterScorer(types.ScoreAnomaly, "zscore-peak", 1.0, scoreAnomaly)
	r.RegisterScorer(types.ScorePrediction, "linear-trend", 1.5, scorePrediction)
	r.RegisterScorer(types.ScoreHealth, "stability", 1.0, scoreHealth)
	r.RegisterScorer(types.ScoreQuality, "retention", 1.0, scoreQuality)
	r.RegisterScorer(types.ScoreCustom, "mean", 0.5, scoreCustom)
	return r
}

// Register 註冊 transform operator
func (r *Registry) Register(meta Metadata, fn Func) error {
	if meta.Name == "" || fn == nil {
		return fmt.Errorf("operator name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[meta.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOperator, meta.Name)
	}
	meta.DefaultParameters = copyParams(meta.DefaultParameters)
	r.ops[meta.Name] = entry{meta: meta, apply: fn}
	return nil
}

// RegisterScorer 設定某評分類型的演算法，重複呼叫會覆蓋
func (r *Registry) RegisterScorer(st types.ScoreType, algorithm string, cost float64, fn ScoreFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorers[st] = scorer{algorithm: algorithm, cost: cost, fn: fn}
}

// Get 取得 operator metadata，DefaultParameters 為副本
func (r *Registry) Get(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.ops[name]
	if !ok {
		return Metadata{}, false
	}
	meta := e.meta
	meta.DefaultParameters = copyParams(meta.DefaultParameters)
	return meta, true
}

// List 依名稱排序列出所有 operator
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	out := make([]Metadata, 0, len(names))
	for _, name := range names {
		meta, _ := r.Get(name)
		out = append(out, meta)
	}
	return out
}

// Apply 以 (預設參數 ∪ params) 執行 operator，回傳輸出與實際成本
func (r *Registry) Apply(name string, in *types.Series, params map[string]float64) (*types.Series, float64, error) {
	r.mu.RLock()
	e, ok := r.ops[name]
	r.mu.RUnlock()
	if !ok {
		return nil, 0, types.NewUnknownOperatorError(name)
	}
	if in.Len() == 0 {
		return nil, 0, fmt.Errorf("%s: %w", name, ErrEmptyInput)
	}

	merged := copyParams(e.meta.DefaultParameters)
	for k, v := range params {
		merged[k] = v
	}

	out, err := e.apply(in, merged)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", name, err)
	}
	return out, scaledCost(e.meta.CostEstimate, in.Len()), nil
}

// ScoreAlgorithm 評分類型對應的演算法名稱與基礎成本
func (r *Registry) ScoreAlgorithm(st types.ScoreType) (string, float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scorers[st]
	if !ok {
		s, ok = r.scorers[types.ScoreCustom]
	}
	return s.algorithm, s.cost, ok
}

// Score 依評分類型計算 (score, confidence, attribution)
func (r *Registry) Score(st types.ScoreType, algorithm string, in *types.Series, confidenceLevel float64) (*types.ScoreResult, error) {
	r.mu.RLock()
	s, ok := r.scorers[st]
	if !ok {
		s, ok = r.scorers[types.ScoreCustom]
	}
	r.mu.RUnlock()
	if !ok || (algorithm != "" && algorithm != s.algorithm) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownScorer, st, algorithm)
	}
	if in.Len() == 0 {
		return nil, fmt.Errorf("score %s: %w", st, ErrEmptyInput)
	}
	return s.fn(in, confidenceLevel)
}

// ============================================================================
// 輔助函式
// ============================================================================

func copyParams(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// scaledCost 成本按每 1024 樣本計，至少收一個單位
func scaledCost(base float64, n int) float64 {
	blocks := math.Ceil(float64(n) / 1024)
	if blocks < 1 {
		blocks = 1
	}
	return base * blocks
}
