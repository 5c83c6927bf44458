package scheduler

// ============================================================================
// Deadline Scheduler
// 職責：
// 1. 帶 deadline 的提交（ScheduleWithDeadline）
// 2. 掃描過期項目（CheckDeadlines，由外部計時器定期呼叫）
// 3. 取消仍在排隊的執行（Cancel）
//
// 只處理尚未開始執行的項目（QUEUED / DEQUEUED）；RUNNING 的執行一律跑完。
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-query/internal/repository"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// ErrNotCancellable 只有 QUEUED 的項目可以取消
var ErrNotCancellable = errors.New("execution can only be cancelled while queued")

// ScheduleWithDeadline 提交並設定 deadline（相對於現在的毫秒數）
func (s *Scheduler) ScheduleWithDeadline(ctx context.Context, exec *types.QueryExecution, deadlineMs int64, priority int) (*types.QueuedExecution, error) {
	if deadlineMs <= 0 {
		return nil, types.NewInvalidRequestError(fmt.Sprintf("deadline must be positive, got %dms", deadlineMs))
	}
	deadline := s.clock.Now().Add(time.Duration(deadlineMs) * time.Millisecond)
	return s.submit(ctx, exec, priority, &deadline)
}

// expired 一筆被移出佇列的項目與它離開前的狀態
type expired struct {
	entry *types.QueuedExecution
	was   types.QueueEntryStatus
}

// CheckDeadlines 把 deadline 已到的 QUEUED / DEQUEUED 項目標記為 EXPIRED，
// 執行紀錄轉為 TIMEOUT。回傳過期的數量。
func (s *Scheduler) CheckDeadlines(ctx context.Context) (int, error) {
	now := s.clock.Now()
	total := 0
	var errs []error

	for _, name := range types.AllQueues {
		q := s.queues[name]

		var found []expired
		q.mu.Lock()
		for _, it := range q.items {
			e := it.entry
			if e.Deadline == nil || now.Before(*e.Deadline) || !e.Status.AwaitingWorker() {
				continue
			}
			found = append(found, expired{entry: e, was: e.Status})
			if e.Status == types.EntryDequeued {
				// worker 已保留名額，之後 MarkRunning 會得到 ErrNotTracked
				q.active--
			}
			e.Status = types.EntryExpired
			q.remove(it)
		}
		if len(found) == 0 {
			q.mu.Unlock()
			continue
		}
		stats := q.stats(now)
		q.mu.Unlock()

		for _, x := range found {
			if err := s.expire(ctx, x, now); err != nil {
				errs = append(errs, err)
			}
			if s.observer != nil {
				s.observer.ObserveFinish(name, types.ExecTimeout, 0)
			}
		}
		s.publish(ctx, stats)
		total += len(found)
	}

	if total > 0 {
		log.Info("Deadline check expired executions", "count", total)
	}
	return total, errors.Join(errs...)
}

func (s *Scheduler) expire(ctx context.Context, x expired, now time.Time) error {
	e := x.entry
	var errs []error
	if err := s.store.UpdateQueueEntryStatus(ctx, e.ID, types.EntryExpired, now); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.UpdateExecutionStatus(ctx, repository.ExecutionUpdate{
		ID:     e.ExecutionID,
		Status: types.ExecTimeout,
		At:     now,
		Error:  types.NewTimeoutError(e.ExecutionID, *e.Deadline).Error(),
	}); err != nil {
		errs = append(errs, err)
	}
	if x.was == types.EntryQueued {
		if err := s.budgets.Dequeued(ctx, e.TenantID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.budgets.Release(ctx, e.TenantID); err != nil {
		errs = append(errs, err)
	}
	log.Warn("Execution missed deadline", "executionID", e.ExecutionID, "tenant", e.TenantID, "queue", e.Queue, "state", x.was)
	return errors.Join(errs...)
}

// Cancel 取消仍在排隊（QUEUED）的執行，執行紀錄轉為 CANCELLED
func (s *Scheduler) Cancel(ctx context.Context, executionID string) error {
	now := s.clock.Now()
	for _, name := range types.AllQueues {
		q := s.queues[name]
		q.mu.Lock()
		it, ok := q.items[executionID]
		if !ok {
			q.mu.Unlock()
			continue
		}
		if it.entry.Status != types.EntryQueued {
			st := it.entry.Status
			q.mu.Unlock()
			return fmt.Errorf("%w: %s is %s", ErrNotCancellable, executionID, st)
		}
		it.entry.Status = types.EntryCancelled
		q.remove(it)
		entry := it.entry
		stats := q.stats(now)
		q.mu.Unlock()

		var errs []error
		if err := s.store.UpdateQueueEntryStatus(ctx, entry.ID, types.EntryCancelled, now); err != nil {
			errs = append(errs, err)
		}
		if err := s.store.UpdateExecutionStatus(ctx, repository.ExecutionUpdate{
			ID: executionID, Status: types.ExecCancelled, At: now, Error: "cancelled while queued",
		}); err != nil {
			errs = append(errs, err)
		}
		if err := s.budgets.Dequeued(ctx, entry.TenantID); err != nil {
			errs = append(errs, err)
		}
		if err := s.budgets.Release(ctx, entry.TenantID); err != nil {
			errs = append(errs, err)
		}
		s.publish(ctx, stats)
		if s.observer != nil {
			s.observer.ObserveFinish(name, types.ExecCancelled, 0)
		}
		log.Info("Execution cancelled", "executionID", executionID, "queue", name)
		return errors.Join(errs...)
	}
	return fmt.Errorf("%w: %s", ErrNotTracked, executionID)
}
