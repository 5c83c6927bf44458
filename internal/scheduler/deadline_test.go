package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

func TestCheckDeadlines_ExpiresQueuedAndDequeued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, QueueConfig{MaxWorkers: 5, BackpressureThreshold: 100})
	h.setBudget(t, "s1", 10, 10)

	queued := h.newExec("s1", types.QueryAnomaly)
	qEntry, err := h.sched.ScheduleWithDeadline(ctx, queued, 100, 0)
	require.NoError(t, err)
	require.NotNil(t, qEntry.Deadline)

	dequeued := h.newExec("s1", types.QueryFunnel)
	_, err = h.sched.ScheduleWithDeadline(ctx, dequeued, 100, 0)
	require.NoError(t, err)
	got, err := h.sched.Dequeue(ctx, types.QueueFunnel)
	require.NoError(t, err)
	require.Equal(t, dequeued.ID, got.ID)

	running := h.newExec("s1", types.QueryInsight)
	_, err = h.sched.ScheduleWithDeadline(ctx, running, 100, 0)
	require.NoError(t, err)
	got, err = h.sched.Dequeue(ctx, types.QueueInsight)
	require.NoError(t, err)
	require.NoError(t, h.sched.MarkRunning(ctx, got.ID, types.QueueInsight))

	noDeadline := h.newExec("s1", types.QueryAnomaly)
	_, err = h.sched.Submit(ctx, noDeadline, 0)
	require.NoError(t, err)

	// 尚未到期
	h.clock.Advance(99 * time.Millisecond)
	n, err := h.sched.CheckDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(time.Millisecond)
	n, err = h.sched.CheckDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{queued.ID, dequeued.ID} {
		stored, err := h.repo.GetExecution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.ExecTimeout, stored.Status)
		assert.Contains(t, stored.Error, "missed deadline")
	}
	storedEntry, err := h.repo.GetQueueEntry(ctx, qEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryExpired, storedEntry.Status)

	// RUNNING 的執行不受影響
	stored, err := h.repo.GetExecution(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecRunning, stored.Status)

	// 已過期的 DEQUEUED 項目無法開始執行，名額已釋放
	err = h.sched.MarkRunning(ctx, dequeued.ID, types.QueueFunnel)
	assert.ErrorIs(t, err, ErrNotTracked)
	stats, err := h.sched.Stats(types.QueueFunnel)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ActiveWorkers)

	// 剩下 running 與 noDeadline 兩筆佔用名額，noDeadline 仍在排隊
	b := h.budgetOf(t, "s1")
	assert.Equal(t, 2, b.CurrentQueries)
	assert.Equal(t, 1, b.QueuedQueries)

	stats, err = h.sched.Stats(types.QueueAnomaly)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.QueueDepth)
}

func TestScheduleWithDeadline_RejectsNonPositive(t *testing.T) {
	h := newHarness(t, DefaultQueueConfig())
	h.setBudget(t, "s1", 10, 10)
	_, err := h.sched.ScheduleWithDeadline(context.Background(), h.newExec("s1", types.QueryAnomaly), 0, 0)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultQueueConfig())
	h.setBudget(t, "s1", 10, 10)

	exec := h.newExec("s1", types.QueryPrediction)
	entry, err := h.sched.Submit(ctx, exec, 0)
	require.NoError(t, err)

	require.NoError(t, h.sched.Cancel(ctx, exec.ID))
	stored, err := h.repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecCancelled, stored.Status)
	storedEntry, err := h.repo.GetQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryCancelled, storedEntry.Status)

	b := h.budgetOf(t, "s1")
	assert.Equal(t, 0, b.CurrentQueries)
	assert.Equal(t, 0, b.QueuedQueries)

	assert.ErrorIs(t, h.sched.Cancel(ctx, exec.ID), ErrNotTracked)

	// 已被取走的執行不能取消
	other := h.newExec("s1", types.QueryPrediction)
	_, err = h.sched.Submit(ctx, other, 0)
	require.NoError(t, err)
	_, err = h.sched.Dequeue(ctx, types.QueuePrediction)
	require.NoError(t, err)
	assert.ErrorIs(t, h.sched.Cancel(ctx, other.ID), ErrNotCancellable)
}
