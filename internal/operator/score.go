package operator

import (
	"fmt"
	"math"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// sampleConfidence 樣本越多信心越接近 level
func sampleConfidence(level float64, n int) float64 {
	if level <= 0 || level > 1 {
		level = 0.95
	}
	return level * (1 - 1/math.Sqrt(float64(n)+1))
}

// scoreAnomaly 以最大 |z| 映射到 [0, 1)
func scoreAnomaly(in *types.Series, level float64) (*types.ScoreResult, error) {
	mean, std := meanStd(in.Values)
	peak, peakIdx := 0.0, 0
	for i, v := range in.Values {
		if std == 0 {
			break
		}
		if z := math.Abs(v-mean) / std; z > peak {
			peak, peakIdx = z, i
		}
	}
	return &types.ScoreResult{
		Score:       1 - math.Exp(-peak/3),
		Confidence:  sampleConfidence(level, len(in.Values)),
		Attribution: map[string]float64{"peakIndex": float64(peakIdx), "peakZ": peak},
	}, nil
}

// scorePrediction 線性趨勢外推下一個點
func scorePrediction(in *types.Series, level float64) (*types.ScoreResult, error) {
	xs := make([]float64, len(in.Values))
	for i := range xs {
		xs[i] = float64(i)
	}
	slope, intercept, r2 := linearFit(xs, in.Values)
	return &types.ScoreResult{
		Score:       intercept + slope*float64(len(in.Values)),
		Confidence:  sampleConfidence(level, len(in.Values)) * r2,
		Attribution: map[string]float64{"slope": slope, "intercept": intercept, "r2": r2},
	}, nil
}

// scoreHealth 變異係數越低越健康
func scoreHealth(in *types.Series, level float64) (*types.ScoreResult, error) {
	mean, std := meanStd(in.Values)
	cv := 0.0
	if mean != 0 {
		cv = std / math.Abs(mean)
	} else if std != 0 {
		cv = math.Inf(1)
	}
	return &types.ScoreResult{
		Score:       1 / (1 + cv),
		Confidence:  sampleConfidence(level, len(in.Values)),
		Attribution: map[string]float64{"mean": mean, "std": std},
	}, nil
}

// scoreQuality 漏斗：最後一階相對第一階的保留率
func scoreQuality(in *types.Series, level float64) (*types.ScoreResult, error) {
	first, last := in.Values[0], in.Values[len(in.Values)-1]
	if first <= 0 {
		return nil, fmt.Errorf("funnel entry stage must be positive, got %g", first)
	}
	maxDrop := 0.0
	for i := 1; i < len(in.Values); i++ {
		prev := in.Values[i-1]
		if prev > 0 {
			maxDrop = math.Max(maxDrop, (prev-in.Values[i])/prev)
		}
	}
	return &types.ScoreResult{
		Score:       math.Max(0, math.Min(1, last/first)),
		Confidence:  sampleConfidence(level, len(in.Values)),
		Attribution: map[string]float64{"first": first, "last": last, "maxDrop": maxDrop},
	}, nil
}

func scoreCustom(in *types.Series, level float64) (*types.ScoreResult, error) {
	mean, std := meanStd(in.Values)
	return &types.ScoreResult{
		Score:       mean,
		Confidence:  sampleConfidence(level, len(in.Values)),
		Attribution: map[string]float64{"std": std},
	}, nil
}
