// Package types 定義了 beaver-query 查詢執行核心使用的領域模型
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// QueryType 查詢類型
type QueryType string

const (
	QueryAnomaly    QueryType = "ANOMALY"    // 異常評分
	QueryPrediction QueryType = "PREDICTION" // 預測
	QueryInsight    QueryType = "INSIGHT"    // 健康度洞察
	QueryFunnel     QueryType = "FUNNEL"     // 漏斗品質
	QueryCustom     QueryType = "CUSTOM"     // 自訂
)

// Valid 檢查查詢類型是否合法
func (q QueryType) Valid() bool {
	switch q {
	case QueryAnomaly, QueryPrediction, QueryInsight, QueryFunnel, QueryCustom:
		return true
	}
	return false
}

// ScoreType SCORE 節點的評分類型
type ScoreType string

const (
	ScoreAnomaly    ScoreType = "ANOMALY"
	ScorePrediction ScoreType = "PREDICTION"
	ScoreHealth     ScoreType = "HEALTH"
	ScoreQuality    ScoreType = "QUALITY"
	ScoreCustom     ScoreType = "CUSTOM"
)

// ScoreTypeFor 查詢類型 → 評分類型的固定映射
func ScoreTypeFor(q QueryType) ScoreType {
	switch q {
	case QueryAnomaly:
		return ScoreAnomaly
	case QueryPrediction:
		return ScorePrediction
	case QueryInsight:
		return ScoreHealth
	case QueryFunnel:
		return ScoreQuality
	default:
		return ScoreCustom
	}
}

// QueueName 佇列名稱，每個查詢類型一個 worker pool
type QueueName string

const (
	QueueAnomaly    QueueName = "anomaly"
	QueuePrediction QueueName = "prediction"
	QueueInsight    QueueName = "insight"
	QueueFunnel     QueueName = "funnel"
	QueueCustom     QueueName = "custom"
)

// AllQueues 所有佇列，順序固定
var AllQueues = []QueueName{QueueAnomaly, QueuePrediction, QueueInsight, QueueFunnel, QueueCustom}

// QueueFor 評分類型 → 佇列的固定映射，未知類型一律進 custom
func QueueFor(s ScoreType) QueueName {
	switch s {
	case ScoreAnomaly:
		return QueueAnomaly
	case ScorePrediction:
		return QueuePrediction
	case ScoreHealth:
		return QueueInsight
	case ScoreQuality:
		return QueueFunnel
	default:
		return QueueCustom
	}
}

// ============================================================================
// QueryRequest
// ============================================================================

// TimeWindow 查詢時間窗口 [Start, End)，Unix 毫秒
type TimeWindow struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Duration 窗口長度
func (w TimeWindow) Duration() time.Duration {
	return time.Duration(w.End-w.Start) * time.Millisecond
}

// UnmarshalJSON 同時接受 {"start":..,"end":..} 與 [start, end] 兩種寫法
func (w *TimeWindow) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var pair []int64
		if err := json.Unmarshal(data, &pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("time window must have 2 elements, got %d", len(pair))
		}
		w.Start, w.End = pair[0], pair[1]
		return nil
	}
	type plain TimeWindow
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*w = TimeWindow(p)
	return nil
}

// Constraints 可選的執行約束，附加在 plan 上而非個別節點
type Constraints struct {
	MaxLatencyMs  *int64   `json:"maxLatencyMs,omitempty"`
	MinConfidence *float64 `json:"minConfidence,omitempty"`
}

// QueryRequest 宣告式分析請求，提交後不可變
type QueryRequest struct {
	TenantID      string       `json:"tenantId"`
	Window        TimeWindow   `json:"window"`
	Operators     []string     `json:"operators"`
	QueryType     QueryType    `json:"queryType"`
	OutputFormats []string     `json:"outputFormats"`
	Constraints   *Constraints `json:"constraints,omitempty"`
}

// Validate 檢查請求的基本欄位
func (r QueryRequest) Validate() error {
	if r.TenantID == "" {
		return NewInvalidRequestError("tenantId is required")
	}
	if r.Window.End <= r.Window.Start {
		return NewInvalidRequestError(fmt.Sprintf("window end %d must be after start %d", r.Window.End, r.Window.Start))
	}
	if !r.QueryType.Valid() {
		return NewInvalidRequestError(fmt.Sprintf("unknown query type %q", r.QueryType))
	}
	if c := r.Constraints; c != nil {
		if c.MaxLatencyMs != nil && *c.MaxLatencyMs <= 0 {
			return NewInvalidRequestError("maxLatencyMs must be positive")
		}
		if c.MinConfidence != nil && (*c.MinConfidence < 0 || *c.MinConfidence > 1) {
			return NewInvalidRequestError("minConfidence must be within [0, 1]")
		}
	}
	return nil
}

// ============================================================================
// 節點資料
// ============================================================================

// Series 節點之間傳遞的時間序列
type Series struct {
	Timestamps []int64   `json:"timestamps,omitempty"`
	Values     []float64 `json:"values"`
}

// Len 序列長度
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Values)
}

// Clone 深拷貝，operator 不得修改輸入
func (s *Series) Clone() *Series {
	if s == nil {
		return nil
	}
	out := &Series{Values: append([]float64(nil), s.Values...)}
	if s.Timestamps != nil {
		out.Timestamps = append([]int64(nil), s.Timestamps...)
	}
	return out
}

// ScoreResult SCORE 節點輸出：分數、信心度、歸因
type ScoreResult struct {
	Score       float64            `json:"score"`
	Confidence  float64            `json:"confidence"`
	Attribution map[string]float64 `json:"attribution,omitempty"`
}

// Row 輸出列
type Row struct {
	Index     int     `json:"index"`
	Timestamp int64   `json:"timestamp,omitempty"`
	Value     float64 `json:"value"`
}

// QueryResult OUTPUT 節點的最終結果
type QueryResult struct {
	Format      string             `json:"format"`
	Score       float64            `json:"score"`
	Confidence  float64            `json:"confidence"`
	Attribution map[string]float64 `json:"attribution,omitempty"`
	Rows        []Row              `json:"rows,omitempty"`
	Encoded     string             `json:"encoded,omitempty"` // CSV 等文字格式
	TotalRows   int                `json:"totalRows"`

	LatencyBudgetExceeded bool `json:"latencyBudgetExceeded,omitempty"`
	BelowMinConfidence    bool `json:"belowMinConfidence,omitempty"`
}

// NodeOutput 節點輸出，依節點種類只有一個欄位非 nil
type NodeOutput struct {
	Series *Series      `json:"series,omitempty"`
	Score  *ScoreResult `json:"score,omitempty"`
	Result *QueryResult `json:"result,omitempty"`
	// ComputeUnits 產生此輸出實際消耗的 compute units（目前只有 TRANSFORM 回報）
	ComputeUnits float64 `json:"computeUnits,omitempty"`
}

// ============================================================================
// QueryPlan / QueryExecution
// ============================================================================

// PlanVersion 目前的 plan 格式版本
const PlanVersion = 1

// QueryPlan 編譯後的 DAG
type QueryPlan struct {
	TenantID            string       `json:"tenantId"`
	QueryType           QueryType    `json:"queryType"`
	Nodes               []QueryNode  `json:"nodes"`
	Version             int          `json:"version"`
	Constraints         *Constraints `json:"constraints,omitempty"`
	EstimatedCost       float64      `json:"estimatedCost"`
	ReproducibilityHash string       `json:"reproducibilityHash,omitempty"`
}

// Node 依 id 查找節點
func (p *QueryPlan) Node(id string) (*QueryNode, bool) {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}

// ScoreType 回傳 SCORE 節點的評分類型，沒有 SCORE 節點時回傳 CUSTOM
func (p *QueryPlan) ScoreType() ScoreType {
	for i := range p.Nodes {
		if sc, ok := p.Nodes[i].Config.(*ScoreConfig); ok {
			return sc.ScoreType
		}
	}
	return ScoreCustom
}

// ExecutionStatus 執行狀態
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "PENDING"
	ExecQueued    ExecutionStatus = "QUEUED"
	ExecRunning   ExecutionStatus = "RUNNING"
	ExecCompleted ExecutionStatus = "COMPLETED"
	ExecFailed    ExecutionStatus = "FAILED"
	ExecTimeout   ExecutionStatus = "TIMEOUT"
	ExecCancelled ExecutionStatus = "CANCELLED"
)

// NodeStatus 節點執行狀態
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
)

// NodeExecution 單一節點的執行紀錄
type NodeExecution struct {
	ExecutionID  string      `json:"executionId"`
	NodeID       string      `json:"nodeId"`
	Kind         NodeKind    `json:"kind"`
	Status       NodeStatus  `json:"status"`
	StartedAt    time.Time   `json:"startedAt"`
	CompletedAt  time.Time   `json:"completedAt"`
	LatencyMs    float64     `json:"latencyMs"`
	ComputeUnits float64     `json:"computeUnits,omitempty"`
	Output       *NodeOutput `json:"output,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// QueryExecution 一次查詢執行
type QueryExecution struct {
	ID                  string          `json:"id"`
	TenantID            string          `json:"tenantId"`
	Plan                *QueryPlan      `json:"plan"`
	Status              ExecutionStatus `json:"status"`
	Queue               QueueName       `json:"queue,omitempty"`
	Priority            int             `json:"priority"`
	SubmittedAt         time.Time       `json:"submittedAt"`
	StartedAt           *time.Time      `json:"startedAt,omitempty"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty"`
	ReproducibilityHash string          `json:"reproducibilityHash"`
	QueryHash           string          `json:"queryHash,omitempty"` // 請求雜湊，完成後以此寫入快取
	ConfigVersion       int             `json:"configVersion"`
	Result              *QueryResult    `json:"result,omitempty"`
	Error               string          `json:"error,omitempty"`
	Cached              bool            `json:"cached"`
	Nodes               []NodeExecution `json:"nodes,omitempty"`
	ComputeUnits        float64         `json:"computeUnits"` // 各節點實際成本總和
}

// Clone 淺拷貝執行紀錄，node 切片另外複製
func (e *QueryExecution) Clone() *QueryExecution {
	if e == nil {
		return nil
	}
	out := *e
	out.Nodes = append([]NodeExecution(nil), e.Nodes...)
	return &out
}

// ============================================================================
// 預算 / Worker Pool / 佇列 / 快取
// ============================================================================

// Tier 訂閱等級
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ExecutionBudget 租戶的執行預算
type ExecutionBudget struct {
	TenantID             string    `json:"tenantId"`
	Tier                 Tier      `json:"tier"`
	MaxConcurrentQueries int       `json:"maxConcurrentQueries"`
	MaxQueueDepth        int       `json:"maxQueueDepth"`
	MaxLatencyMs         int64     `json:"maxLatencyMs"`
	MaxComputeUnits      float64   `json:"maxComputeUnits"`
	CurrentQueries       int       `json:"currentQueries"`
	QueuedQueries        int       `json:"queuedQueries"`
	ComputeUnitsUsed     float64   `json:"computeUnitsUsed"`
	WindowStart          time.Time `json:"windowStart"`
	WindowEnd            time.Time `json:"windowEnd"`
}

// BackpressureState 佇列背壓狀態
type BackpressureState struct {
	Enabled       bool    `json:"enabled"`
	Threshold     int     `json:"threshold"`
	RejectionRate float64 `json:"rejectionRate"`
}

// WorkerPoolStats 每個佇列的 worker pool 狀態
type WorkerPoolStats struct {
	Queue               QueueName         `json:"queue"`
	MaxWorkers          int               `json:"maxWorkers"`
	ActiveWorkers       int               `json:"activeWorkers"`
	QueueDepth          int               `json:"queueDepth"`
	AverageProcessingMs float64           `json:"averageProcessingMs"`
	Backpressure        BackpressureState `json:"backpressure"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// QueueEntryStatus 佇列項目狀態
type QueueEntryStatus string

const (
	EntryQueued    QueueEntryStatus = "QUEUED"
	EntryDequeued  QueueEntryStatus = "DEQUEUED"
	EntryRunning   QueueEntryStatus = "RUNNING"
	EntryCompleted QueueEntryStatus = "COMPLETED"
	EntryFailed    QueueEntryStatus = "FAILED"
	EntryExpired   QueueEntryStatus = "EXPIRED"
	EntryCancelled QueueEntryStatus = "CANCELLED"
)

// QueuedExecution 佇列中的一筆項目
type QueuedExecution struct {
	ID           string           `json:"id"`
	ExecutionID  string           `json:"executionId"`
	TenantID     string           `json:"tenantId"`
	Queue        QueueName        `json:"queue"`
	Priority     int              `json:"priority"`
	Seq          uint64           `json:"seq"`
	Status       QueueEntryStatus `json:"status"`
	ComputeUnits float64          `json:"computeUnits"`
	EnqueuedAt   time.Time        `json:"enqueuedAt"`
	DequeuedAt   *time.Time       `json:"dequeuedAt,omitempty"`
	Deadline     *time.Time       `json:"deadline,omitempty"`
}

// CacheEntry 內容定址快取項目
type CacheEntry struct {
	ID                 string        `json:"id"`
	QueryHash          string        `json:"queryHash"`
	TenantID           string        `json:"tenantId"`
	ExecutionID        string        `json:"executionId"`
	Plan               *QueryPlan    `json:"plan"`
	Result             *QueryResult  `json:"result"`
	CachedAt           time.Time     `json:"cachedAt"`
	TTL                time.Duration `json:"ttl"`
	ExpiresAt          time.Time     `json:"expiresAt"`
	HitCount           int64         `json:"hitCount"`
	InvalidatedAt      *time.Time    `json:"invalidatedAt,omitempty"`
	InvalidationReason string        `json:"invalidationReason,omitempty"`
}

// Live 未過期且未失效
func (c *CacheEntry) Live(now time.Time) bool {
	return c.InvalidatedAt == nil && now.Before(c.ExpiresAt)
}

// SnapshotData 記憶體儲存層的快照格式
type SnapshotData struct {
	Executions   map[string]*QueryExecution     `json:"executions"`
	Budgets      map[string]*ExecutionBudget    `json:"budgets"`
	QueueEntries map[string]*QueuedExecution    `json:"queue_entries"`
	PoolStats    map[QueueName]*WorkerPoolStats `json:"pool_stats"`
	CacheEntries []*CacheEntry                  `json:"cache_entries"`
	SchemaVer    int                            `json:"schema_ver"`
	LastSeq      uint64                         `json:"last_seq"` // journal 最後序號
	TakenAt      time.Time                      `json:"taken_at"`
}
