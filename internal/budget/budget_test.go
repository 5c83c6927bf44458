package budget

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-query/internal/repository"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *quartz.Mock, *repository.Memory) {
	t.Helper()
	clock := quartz.NewMock(t)
	repo := repository.NewMemory()
	return NewManager(repo, WithClock(clock), WithWindow(time.Hour)), clock, repo
}

func TestDefaultTiers_StrictlyIncreasing(t *testing.T) {
	tiers := DefaultTiers()
	order := []types.Tier{types.TierFree, types.TierBasic, types.TierPro, types.TierEnterprise}
	for i := 1; i < len(order); i++ {
		lo, hi := tiers[order[i-1]], tiers[order[i]]
		assert.Less(t, lo.MaxConcurrentQueries, hi.MaxConcurrentQueries, order[i])
		assert.Less(t, lo.MaxQueueDepth, hi.MaxQueueDepth, order[i])
		assert.Less(t, lo.MaxLatencyMs, hi.MaxLatencyMs, order[i])
		assert.Less(t, lo.MaxComputeUnits, hi.MaxComputeUnits, order[i])
	}
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	m, clock, _ := newTestManager(t)

	_, err := m.Initialize(ctx, "s1", "platinum")
	assert.ErrorIs(t, err, ErrUnknownTier)

	b, err := m.Initialize(ctx, "s1", types.TierFree)
	require.NoError(t, err)
	assert.Equal(t, 1, b.MaxConcurrentQueries)
	assert.True(t, b.WindowStart.Equal(clock.Now()))
	assert.True(t, b.WindowEnd.Equal(clock.Now().Add(time.Hour)))

	_, err = m.Admit(ctx, "s1", 10, nil)
	require.NoError(t, err)

	// 升級保留用量
	b, err = m.Initialize(ctx, "s1", types.TierPro)
	require.NoError(t, err)
	assert.Equal(t, 10, b.MaxConcurrentQueries)
	assert.Equal(t, 1, b.CurrentQueries)
	assert.Equal(t, 10.0, b.ComputeUnitsUsed)

	got, err := m.GetStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.TierPro, got.Tier)

	_, err = m.GetStatus(ctx, "nobody")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAdmit_Order(t *testing.T) {
	ctx := context.Background()
	m, clock, repo := newTestManager(t)

	_, err := m.Admit(ctx, "ghost", 1, nil)
	assert.ErrorIs(t, err, types.ErrNoBudget)
	assert.False(t, types.IsRetryable(err))

	require.NoError(t, repo.UpsertBudget(ctx, &types.ExecutionBudget{
		TenantID: "s1", MaxConcurrentQueries: 2, MaxQueueDepth: 1, MaxComputeUnits: 10,
		WindowEnd: clock.Now().Add(24 * time.Hour),
	}))

	gateErr := errors.New("queue closed")
	_, err = m.Admit(ctx, "s1", 1, func() error { return gateErr })
	assert.ErrorIs(t, err, gateErr)

	_, err = m.Admit(ctx, "s1", 1, nil)
	require.NoError(t, err)

	// current=1 < 2，但 queued=1 ≥ 1
	_, err = m.Admit(ctx, "s1", 1, nil)
	assert.ErrorIs(t, err, types.ErrQueueDepthLimitReached)
	assert.True(t, types.IsRetryable(err))

	require.NoError(t, m.Dequeued(ctx, "s1"))
	_, err = m.Admit(ctx, "s1", 20, nil)
	assert.ErrorIs(t, err, types.ErrComputeBudgetExhausted)

	_, err = m.Admit(ctx, "s1", 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.Dequeued(ctx, "s1"))

	_, err = m.Admit(ctx, "s1", 1, nil)
	assert.ErrorIs(t, err, types.ErrConcurrencyLimitReached)

	// 拒絕不改變計數
	b, err := m.GetStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, b.CurrentQueries)
	assert.Equal(t, 0, b.QueuedQueries)
	assert.Equal(t, 2.0, b.ComputeUnitsUsed)

	require.NoError(t, m.Release(ctx, "s1"))
	_, err = m.Admit(ctx, "s1", 1, nil)
	assert.NoError(t, err)
}

func TestAdmit_ComputeWindowRollsOver(t *testing.T) {
	ctx := context.Background()
	m, clock, _ := newTestManager(t)
	_, err := m.Initialize(ctx, "s1", types.TierFree)
	require.NoError(t, err)

	_, err = m.Admit(ctx, "s1", 100, nil)
	require.NoError(t, err)
	require.NoError(t, m.Dequeued(ctx, "s1"))
	require.NoError(t, m.Release(ctx, "s1"))

	clock.Advance(20 * time.Minute)
	_, err = m.Admit(ctx, "s1", 1, nil)
	require.ErrorIs(t, err, types.ErrComputeBudgetExhausted)
	retry, ok := types.RetryAfterOf(err)
	require.True(t, ok)
	assert.Equal(t, 40*time.Minute, retry)

	clock.Advance(40 * time.Minute)
	b, err := m.Admit(ctx, "s1", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, b.ComputeUnitsUsed)
	assert.True(t, b.WindowStart.Equal(clock.Now()))
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	m, clock, _ := newTestManager(t)
	_, err := m.Reset(ctx, "s1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = m.Initialize(ctx, "s1", types.TierBasic)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = m.Admit(ctx, "s1", 5, nil)
		require.NoError(t, err)
	}

	clock.Advance(10 * time.Minute)
	b, err := m.Reset(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.CurrentQueries)
	assert.Equal(t, 0, b.QueuedQueries)
	assert.Equal(t, 0.0, b.ComputeUnitsUsed)
	assert.Equal(t, 3, b.MaxConcurrentQueries, "limits are unchanged")
	assert.True(t, b.WindowStart.Equal(clock.Now()))
	assert.True(t, b.WindowEnd.Equal(clock.Now().Add(time.Hour)))
}

func TestRollWindows(t *testing.T) {
	ctx := context.Background()
	m, clock, _ := newTestManager(t)
	_, err := m.Initialize(ctx, "s1", types.TierBasic)
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	_, err = m.Initialize(ctx, "s2", types.TierBasic)
	require.NoError(t, err)
	_, err = m.Admit(ctx, "s1", 7, nil)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	n, err := m.RollWindows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b, err := m.GetStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.ComputeUnitsUsed)
	assert.Equal(t, 1, b.CurrentQueries, "in-flight counters survive a roll-over")
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	_, err := m.Initialize(ctx, "s1", types.TierBasic)
	require.NoError(t, err)
	_, err = m.Admit(ctx, "s1", 3, nil)
	require.NoError(t, err)
	require.NoError(t, m.Refund(ctx, "s1", 3))

	b, err := m.GetStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.CurrentQueries)
	assert.Equal(t, 0, b.QueuedQueries)
	assert.Equal(t, 0.0, b.ComputeUnitsUsed)
}

func TestAdmit_ConcurrentNeverExceedsLimits(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	_, err := m.Initialize(ctx, "s1", types.TierBasic) // 3 concurrent
	require.NoError(t, err)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Admit(ctx, "s1", 1, nil); err == nil {
				admitted.Add(1)
			} else {
				assert.True(t, types.IsAdmission(err))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), admitted.Load())
	b, err := m.GetStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, b.CurrentQueries)
}
