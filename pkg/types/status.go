package types

// ============================================================================
// 狀態機
// ============================================================================
//
// QueryExecution:
//   PENDING → QUEUED → RUNNING → COMPLETED | FAILED
//   PENDING → RUNNING（直接執行，不經佇列）
//   PENDING | QUEUED → CANCELLED
//   QUEUED → TIMEOUT（Deadline Scheduler）
//   RUNNING 之後不可取消
//
// QueuedExecution:
//   QUEUED → DEQUEUED → RUNNING → COMPLETED | FAILED
//   QUEUED | DEQUEUED → EXPIRED
//   QUEUED → CANCELLED
//
// ============================================================================

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecPending: {ExecQueued, ExecRunning, ExecCancelled, ExecFailed},
	ExecQueued:  {ExecRunning, ExecTimeout, ExecCancelled},
	ExecRunning: {ExecCompleted, ExecFailed, ExecTimeout},
}

var entryTransitions = map[QueueEntryStatus][]QueueEntryStatus{
	EntryQueued:   {EntryDequeued, EntryExpired, EntryCancelled},
	EntryDequeued: {EntryRunning, EntryExpired},
	EntryRunning:  {EntryCompleted, EntryFailed},
}

// CanTransition 檢查執行狀態轉換是否合法
func (s ExecutionStatus) CanTransition(to ExecutionStatus) bool {
	for _, next := range executionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 是否為終止狀態
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecTimeout, ExecCancelled:
		return true
	}
	return false
}

// CanTransition 檢查佇列項目狀態轉換是否合法
func (s QueueEntryStatus) CanTransition(to QueueEntryStatus) bool {
	for _, next := range entryTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 是否為終止狀態
func (s QueueEntryStatus) IsTerminal() bool {
	switch s {
	case EntryCompleted, EntryFailed, EntryExpired, EntryCancelled:
		return true
	}
	return false
}

// AwaitingWorker 仍在等待 worker 開始執行（deadline 可生效的狀態）
func (s QueueEntryStatus) AwaitingWorker() bool {
	return s == EntryQueued || s == EntryDequeued
}
