package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NodeKind 節點種類
type NodeKind string

const (
	KindSource    NodeKind = "SOURCE"
	KindTransform NodeKind = "TRANSFORM"
	KindAggregate NodeKind = "AGGREGATE"
	KindScore     NodeKind = "SCORE"
	KindOutput    NodeKind = "OUTPUT"
)

// NodeConfig 節點的種類專屬設定。實作只有下列五種，executor 以 type switch 分派。
type NodeConfig interface {
	Kind() NodeKind
}

// SamplingPolicy SOURCE 節點的取樣策略
type SamplingPolicy struct {
	Mode       string `json:"mode"`       // "all" | "stride" | "head"
	MaxSamples int    `json:"maxSamples"` // 0 表示不限
}

// SourceConfig 從 event store 讀取有界時間窗口
type SourceConfig struct {
	SourceKind string         `json:"sourceKind"`
	TenantID   string         `json:"tenantId"`
	Window     TimeWindow     `json:"window"`
	Sampling   SamplingPolicy `json:"sampling"`
}

// TransformConfig 套用 registry 中的 operator
type TransformConfig struct {
	Operator       string             `json:"operator"`
	Parameters     map[string]float64 `json:"parameters,omitempty"`
	Deterministic  bool               `json:"deterministic"`
	Parallelizable bool               `json:"parallelizable"`
	Cost           float64            `json:"cost"`
}

// AggregateConfig 將多個依賴的輸出歸約為一個序列
type AggregateConfig struct {
	Function string `json:"function"` // CONCAT | MEAN | SUM | MAX | MIN
}

// ScoreConfig 計算 (score, confidence, attribution)
type ScoreConfig struct {
	ScoreType       ScoreType `json:"scoreType"`
	Algorithm       string    `json:"algorithm"`
	ConfidenceLevel float64   `json:"confidenceLevel"`
}

// OUTPUT 節點支援的格式
const (
	FormatJSON    = "JSON"
	FormatCSV     = "CSV"
	FormatSummary = "SUMMARY"
)

// NormalizeOutputFormat 去除空白並轉大寫；不支援的格式回傳 false
func NormalizeOutputFormat(f string) (string, bool) {
	f = strings.ToUpper(strings.TrimSpace(f))
	switch f {
	case FormatJSON, FormatCSV, FormatSummary:
		return f, true
	}
	return f, false
}

// OutputConfig 最終輸出格式與列數上限
type OutputConfig struct {
	Format   string `json:"format"`
	RowLimit int    `json:"rowLimit"`
}

func (*SourceConfig) Kind() NodeKind    { return KindSource }
func (*TransformConfig) Kind() NodeKind { return KindTransform }
func (*AggregateConfig) Kind() NodeKind { return KindAggregate }
func (*ScoreConfig) Kind() NodeKind     { return KindScore }
func (*OutputConfig) Kind() NodeKind    { return KindOutput }

// QueryNode DAG 中的一個節點
type QueryNode struct {
	ID           string
	Dependencies []string
	Config       NodeConfig
}

// Kind 節點種類，Config 為 nil 時回傳空字串
func (n QueryNode) Kind() NodeKind {
	if n.Config == nil {
		return ""
	}
	return n.Config.Kind()
}

type nodeJSON struct {
	ID           string          `json:"id"`
	Kind         NodeKind        `json:"kind"`
	Dependencies []string        `json:"dependencies"`
	Config       json.RawMessage `json:"config"`
}

// MarshalJSON 以 {"id","kind","dependencies","config"} 序列化
func (n QueryNode) MarshalJSON() ([]byte, error) {
	cfg, err := json.Marshal(n.Config)
	if err != nil {
		return nil, err
	}
	deps := n.Dependencies
	if deps == nil {
		deps = []string{}
	}
	return json.Marshal(nodeJSON{ID: n.ID, Kind: n.Kind(), Dependencies: deps, Config: cfg})
}

// UnmarshalJSON 依 kind 還原具體的 Config 型別
func (n *QueryNode) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var cfg NodeConfig
	switch raw.Kind {
	case KindSource:
		cfg = &SourceConfig{}
	case KindTransform:
		cfg = &TransformConfig{}
	case KindAggregate:
		cfg = &AggregateConfig{}
	case KindScore:
		cfg = &ScoreConfig{}
	case KindOutput:
		cfg = &OutputConfig{}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownNodeType, raw.Kind)
	}
	if len(raw.Config) > 0 && string(raw.Config) != "null" {
		if err := json.Unmarshal(raw.Config, cfg); err != nil {
			return fmt.Errorf("failed to decode %s config for node %s: %w", raw.Kind, raw.ID, err)
		}
	}

	n.ID = raw.ID
	n.Dependencies = raw.Dependencies
	n.Config = cfg
	return nil
}
