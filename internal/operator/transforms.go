package operator

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

type builtin struct {
	meta  Metadata
	apply Func
}

func builtinTransforms() []builtin {
	return []builtin{
		{Metadata{Name: "FIR", Description: "moving-average finite impulse response filter",
			DefaultParameters: map[string]float64{"taps": 5}, Deterministic: true, Parallelizable: true, CostEstimate: 1}, fir},
		{Metadata{Name: "FFT", Description: "magnitude spectrum (radix-2, zero padded)",
			DefaultParameters: map[string]float64{"hann": 0}, Deterministic: true, Parallelizable: false, CostEstimate: 4}, fft},
		{Metadata{Name: "HFD", Description: "Higuchi fractal dimension",
			DefaultParameters: map[string]float64{"kmax": 8}, Deterministic: true, Parallelizable: false, CostEstimate: 6}, hfd},
		{Metadata{Name: "NORMALIZE", Description: "min-max scaling into [0, 1]",
			DefaultParameters: map[string]float64{}, Deterministic: true, Parallelizable: true, CostEstimate: 0.5}, normalize},
		{Metadata{Name: "DIFF", Description: "lagged first difference",
			DefaultParameters: map[string]float64{"lag": 1}, Deterministic: true, Parallelizable: true, CostEstimate: 0.5}, diff},
		{Metadata{Name: "ZSCORE", Description: "standard score against the window mean",
			DefaultParameters: map[string]float64{}, Deterministic: true, Parallelizable: true, CostEstimate: 0.5}, zscore},
		{Metadata{Name: "EWMA", Description: "exponentially weighted moving average",
			DefaultParameters: map[string]float64{"alpha": 0.3}, Deterministic: true, Parallelizable: true, CostEstimate: 1}, ewma},
	}
}

// fir y[i] = mean(x[i-taps+1 .. i])
func fir(in *types.Series, params map[string]float64) (*types.Series, error) {
	taps := int(params["taps"])
	if taps < 1 {
		return nil, fmt.Errorf("%w: taps=%d", ErrInvalidParameter, taps)
	}
	out := in.Clone()
	var sum float64
	for i, v := range in.Values {
		sum += v
		if i >= taps {
			sum -= in.Values[i-taps]
		}
		n := taps
		if i+1 < taps {
			n = i + 1
		}
		out.Values[i] = sum / float64(n)
	}
	return out, nil
}

func fft(in *types.Series, params map[string]float64) (*types.Series, error) {
	n := 1
	for n < len(in.Values) {
		n <<= 1
	}
	buf := make([]complex128, n)
	last := float64(len(in.Values) - 1)
	for i, v := range in.Values {
		if params["hann"] != 0 && last > 0 {
			v *= 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/last))
		}
		buf[i] = complex(v, 0)
	}

	// bit-reversal permutation
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			buf[i], buf[j] = buf[j], buf[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := 0; k < size/2; k++ {
				a := buf[start+k]
				b := w * buf[start+k+size/2]
				buf[start+k] = a + b
				buf[start+k+size/2] = a - b
				w *= step
			}
		}
	}

	out := &types.Series{Values: make([]float64, n/2+1)}
	for i := range out.Values {
		out.Values[i] = cmplx.Abs(buf[i]) / float64(n)
	}
	return out, nil
}

// hfd Higuchi 法估計碎形維度，輸出單一值
func hfd(in *types.Series, params map[string]float64) (*types.Series, error) {
	kmax := int(params["kmax"])
	n := len(in.Values)
	if kmax < 2 {
		return nil, fmt.Errorf("%w: kmax=%d", ErrInvalidParameter, kmax)
	}
	if n < 2*kmax {
		return nil, fmt.Errorf("%w: need at least %d samples for kmax=%d, got %d", ErrInvalidParameter, 2*kmax, kmax, n)
	}

	xs := make([]float64, 0, kmax)
	ys := make([]float64, 0, kmax)
	for k := 1; k <= kmax; k++ {
		var lk float64
		for m := 0; m < k; m++ {
			steps := (n - m - 1) / k
			if steps == 0 {
				continue
			}
			var length float64
			for i := 1; i <= steps; i++ {
				length += math.Abs(in.Values[m+i*k] - in.Values[m+(i-1)*k])
			}
			lk += length * float64(n-1) / (float64(steps*k) * float64(k))
		}
		lk /= float64(k)
		if lk <= 0 {
			// 常數序列
			return &types.Series{Values: []float64{1}}, nil
		}
		xs = append(xs, math.Log(1/float64(k)))
		ys = append(ys, math.Log(lk))
	}
	slope, _, _ := linearFit(xs, ys)
	return &types.Series{Values: []float64{slope}}, nil
}

func normalize(in *types.Series, _ map[string]float64) (*types.Series, error) {
	lo, hi := in.Values[0], in.Values[0]
	for _, v := range in.Values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	out := in.Clone()
	for i, v := range in.Values {
		if hi == lo {
			out.Values[i] = 0
			continue
		}
		out.Values[i] = (v - lo) / (hi - lo)
	}
	return out, nil
}

func diff(in *types.Series, params map[string]float64) (*types.Series, error) {
	lag := int(params["lag"])
	if lag < 1 || lag >= len(in.Values) {
		return nil, fmt.Errorf("%w: lag=%d for %d samples", ErrInvalidParameter, lag, len(in.Values))
	}
	out := &types.Series{Values: make([]float64, len(in.Values)-lag)}
	for i := range out.Values {
		out.Values[i] = in.Values[i+lag] - in.Values[i]
	}
	if in.Timestamps != nil {
		out.Timestamps = append([]int64(nil), in.Timestamps[lag:]...)
	}
	return out, nil
}

func zscore(in *types.Series, _ map[string]float64) (*types.Series, error) {
	mean, std := meanStd(in.Values)
	out := in.Clone()
	for i, v := range in.Values {
		if std == 0 {
			out.Values[i] = 0
			continue
		}
		out.Values[i] = (v - mean) / std
	}
	return out, nil
}

func ewma(in *types.Series, params map[string]float64) (*types.Series, error) {
	alpha := params["alpha"]
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("%w: alpha=%g", ErrInvalidParameter, alpha)
	}
	out := in.Clone()
	acc := in.Values[0]
	for i, v := range in.Values {
		acc = alpha*v + (1-alpha)*acc
		out.Values[i] = acc
	}
	return out, nil
}

// ============================================================================
// 數值輔助
// ============================================================================

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// linearFit 最小平方法，回傳 slope, intercept, r²
func linearFit(xs, ys []float64) (float64, float64, float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0, 0
	}
	var sx, sy, sxx, sxy, syy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
		syy += ys[i] * ys[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, sy / n, 0
	}
	slope := (n*sxy - sx*sy) / den
	intercept := (sy - slope*sx) / n

	ssTot := syy - sy*sy/n
	if ssTot == 0 {
		return slope, intercept, 1
	}
	var ssRes float64
	for i := range xs {
		r := ys[i] - (slope*xs[i] + intercept)
		ssRes += r * r
	}
	return slope, intercept, math.Max(0, 1-ssRes/ssTot)
}
