// ============================================================================
// Beaver-Query Event Store - SOURCE 節點的資料來源
// ============================================================================
//
// Package: internal/eventstore
// 文件: eventstore.go
// 功能: 依 (tenant, window) 讀取已物化的有界事件序列
//
// 實作:
//   - Memory: 測試與單機模式使用，事件按時間排序保存
//   - Synthetic: 由 (tenant, timestamp) 決定的合成資料，供 demo 使用
//   - repository/sqlite.Store 也實作同一介面
//
// 取樣:
//   Sample 依 SamplingPolicy 縮減序列，結果只由輸入與策略決定。
//
// ============================================================================

package eventstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// Reader SOURCE 節點需要的讀取介面
type Reader interface {
	ReadWindow(ctx context.Context, tenantID string, window types.TimeWindow) (*types.Series, error)
}

// Event 單筆事件（Unix 毫秒時間戳 + 數值）
type Event struct {
	Timestamp int64   `json:"ts"`
	Value     float64 `json:"value"`
}

// ============================================================================
// Memory
// ============================================================================

// Memory 記憶體 event store
type Memory struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewMemory 建立空的記憶體 event store
func NewMemory() *Memory {
	return &Memory{events: make(map[string][]Event)}
}

// Append 寫入事件並維持時間排序
func (m *Memory) Append(tenantID string, events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := append(m.events[tenantID], events...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp < all[j].Timestamp })
	m.events[tenantID] = all
}

// ReadWindow 回傳 [Start, End) 範圍內的事件
func (m *Memory) ReadWindow(ctx context.Context, tenantID string, window types.TimeWindow) (*types.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.events[tenantID]
	lo := sort.Search(len(all), func(i int) bool { return all[i].Timestamp >= window.Start })
	hi := sort.Search(len(all), func(i int) bool { return all[i].Timestamp >= window.End })

	out := &types.Series{
		Timestamps: make([]int64, 0, hi-lo),
		Values:     make([]float64, 0, hi-lo),
	}
	for _, e := range all[lo:hi] {
		out.Timestamps = append(out.Timestamps, e.Timestamp)
		out.Values = append(out.Values, e.Value)
	}
	return out, nil
}

// ============================================================================
// Synthetic
// ============================================================================

// Synthetic 依租戶產生確定性的合成序列：日週期 + 租戶偏移 + 雜訊
type Synthetic struct {
	Step      time.Duration
	MaxPoints int
}

// NewSynthetic 建立合成資料來源
func NewSynthetic(step time.Duration, maxPoints int) *Synthetic {
	if step <= 0 {
		step = time.Minute
	}
	if maxPoints <= 0 {
		maxPoints = 4096
	}
	return &Synthetic{Step: step, MaxPoints: maxPoints}
}

// ReadWindow 產生窗口內的點，數量上限 MaxPoints
func (s *Synthetic) ReadWindow(ctx context.Context, tenantID string, window types.TimeWindow) (*types.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := s.Step.Milliseconds()
	n := int((window.End - window.Start + step - 1) / step)
	if n > s.MaxPoints {
		n = s.MaxPoints
	}

	h := fnv.New64a()
	h.Write([]byte(tenantID))
	seed := h.Sum64()
	base := 100 + float64(seed%50)

	out := &types.Series{Timestamps: make([]int64, n), Values: make([]float64, n)}
	for i := 0; i < n; i++ {
		ts := window.Start + int64(i)*step
		phase := 2 * math.Pi * float64(ts%86400000) / 86400000
		noise := float64((uint64(ts)*2654435761^seed)%1000)/1000 - 0.5
		out.Timestamps[i] = ts
		out.Values[i] = base + 20*math.Sin(phase) + 5*noise
	}
	return out, nil
}

// ============================================================================
// Sampling
// ============================================================================

// Sample 依取樣策略縮減序列。
//   - all: 不取樣
//   - head: 取前 MaxSamples 個
//   - stride: 等距取 MaxSamples 個
func Sample(in *types.Series, policy types.SamplingPolicy) (*types.Series, error) {
	n := in.Len()
	if policy.MaxSamples <= 0 || n <= policy.MaxSamples {
		switch policy.Mode {
		case "", "all", "head", "stride":
			return in, nil
		}
	}

	switch policy.Mode {
	case "", "all":
		return in, nil
	case "head":
		out := &types.Series{Values: append([]float64(nil), in.Values[:policy.MaxSamples]...)}
		if len(in.Timestamps) == n {
			out.Timestamps = append([]int64(nil), in.Timestamps[:policy.MaxSamples]...)
		}
		return out, nil
	case "stride":
		out := &types.Series{Values: make([]float64, policy.MaxSamples)}
		withTS := len(in.Timestamps) == n
		if withTS {
			out.Timestamps = make([]int64, policy.MaxSamples)
		}
		for i := 0; i < policy.MaxSamples; i++ {
			idx := i * n / policy.MaxSamples
			out.Values[i] = in.Values[idx]
			if withTS {
				out.Timestamps[i] = in.Timestamps[idx]
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown sampling mode %q", policy.Mode)
	}
}
