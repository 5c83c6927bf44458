package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-query/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ReadWindowIsHalfOpen(t *testing.T) {
	m := NewMemory()
	m.Append("s1", Event{Timestamp: 30, Value: 3}, Event{Timestamp: 10, Value: 1})
	m.Append("s1", Event{Timestamp: 20, Value: 2}, Event{Timestamp: 40, Value: 4})
	m.Append("s2", Event{Timestamp: 20, Value: 99})

	got, err := m.ReadWindow(context.Background(), "s1", types.TimeWindow{Start: 10, End: 40})
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30}, got.Timestamps)
	assert.Equal(t, []float64{1, 2, 3}, got.Values)

	empty, err := m.ReadWindow(context.Background(), "nobody", types.TimeWindow{Start: 0, End: 100})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
}

func TestMemory_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory().ReadWindow(ctx, "s1", types.TimeWindow{Start: 0, End: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSynthetic_Deterministic(t *testing.T) {
	s := NewSynthetic(time.Minute, 100)
	w := types.TimeWindow{Start: 0, End: 3600000}

	a, err := s.ReadWindow(context.Background(), "s1", w)
	require.NoError(t, err)
	b, err := s.ReadWindow(context.Background(), "s1", w)
	require.NoError(t, err)
	c, err := s.ReadWindow(context.Background(), "s2", w)
	require.NoError(t, err)

	assert.Equal(t, 60, a.Len())
	assert.Equal(t, a, b)
	assert.NotEqual(t, a.Values, c.Values)

	capped, err := s.ReadWindow(context.Background(), "s1", types.TimeWindow{Start: 0, End: 86400000})
	require.NoError(t, err)
	assert.Equal(t, 100, capped.Len())
}

func TestSample(t *testing.T) {
	in := &types.Series{
		Timestamps: []int64{0, 1, 2, 3, 4, 5, 6, 7},
		Values:     []float64{0, 10, 20, 30, 40, 50, 60, 70},
	}

	all, err := Sample(in, types.SamplingPolicy{Mode: "all", MaxSamples: 2})
	require.NoError(t, err)
	assert.Equal(t, 8, all.Len())

	head, err := Sample(in, types.SamplingPolicy{Mode: "head", MaxSamples: 3})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 10, 20}, head.Values)

	stride, err := Sample(in, types.SamplingPolicy{Mode: "stride", MaxSamples: 4})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 20, 40, 60}, stride.Values)
	assert.Equal(t, []int64{0, 2, 4, 6}, stride.Timestamps)

	small, err := Sample(in, types.SamplingPolicy{Mode: "stride", MaxSamples: 100})
	require.NoError(t, err)
	assert.Same(t, in, small)

	_, err = Sample(in, types.SamplingPolicy{Mode: "reservoir", MaxSamples: 2})
	assert.Error(t, err)
}
