package operator

import (
	"fmt"
	"math"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// Aggregation functions understood by AGGREGATE nodes.
const (
	AggConcat = "CONCAT"
	AggMean   = "MEAN"
	AggSum    = "SUM"
	AggMax    = "MAX"
	AggMin    = "MIN"
)

// Aggregate 將多個依賴輸出歸約為一個序列。
// CONCAT 依輸入順序串接；其餘函式逐點計算，長度取最短輸入。
func Aggregate(fn string, inputs []*types.Series) (*types.Series, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("aggregate %s: %w", fn, ErrEmptyInput)
	}

	if fn == AggConcat {
		out := &types.Series{}
		withTimestamps := true
		for _, in := range inputs {
			out.Values = append(out.Values, in.Values...)
			withTimestamps = withTimestamps && len(in.Timestamps) == len(in.Values)
		}
		if withTimestamps {
			for _, in := range inputs {
				out.Timestamps = append(out.Timestamps, in.Timestamps...)
			}
		}
		return out, nil
	}

	n := inputs[0].Len()
	for _, in := range inputs[1:] {
		if in.Len() < n {
			n = in.Len()
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("aggregate %s: %w", fn, ErrEmptyInput)
	}

	var reduce func(acc, v float64) float64
	switch fn {
	case AggMean, AggSum:
		reduce = func(acc, v float64) float64 { return acc + v }
	case AggMax:
		reduce = math.Max
	case AggMin:
		reduce = math.Min
	default:
		return nil, fmt.Errorf("%w: aggregate function %q", ErrInvalidParameter, fn)
	}

	out := &types.Series{Values: make([]float64, n)}
	if ts := inputs[0].Timestamps; len(ts) >= n {
		out.Timestamps = append([]int64(nil), ts[:n]...)
	}
	for i := 0; i < n; i++ {
		acc := inputs[0].Values[i]
		for _, in := range inputs[1:] {
			acc = reduce(acc, in.Values[i])
		}
		if fn == AggMean {
			acc /= float64(len(inputs))
		}
		out.Values[i] = acc
	}
	return out, nil
}
