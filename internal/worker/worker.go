// ============================================================================
// Beaver-Query Worker - Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One worker goroutine bound to one queue
//
// How it works:
//   Each Worker repeats until its context is cancelled:
//   1. Dequeue from the Source (returns nil when empty or pool saturated)
//   2. nil → wait for a wake-up signal or the next poll tick
//   3. MarkRunning; an error means the execution expired, skip it
//   4. Run the DAG through the Runner
//   5. Complete or Fail, then hand the Result to the Handler
//
// Execution Model:
//   ┌────────────────────────────────────────────┐
//   │  Worker Goroutine                          │
//   │  for ctx not done                          │
//   │    exec := source.Dequeue(queue)           │
//   │    ├─ nil  → select { wake | tick | done } │
//   │    └─ exec → markRunning → run → ack       │
//   └────────────────────────────────────────────┘
//
// Cancellation:
//   Stopping the pool stops workers from taking new executions. An execution
//   that was already claimed runs to completion on a context detached from
//   the pool's cancellation.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// Worker represents a work execution unit bound to a single queue
type Worker struct {
	id      int
	queue   types.QueueName
	source  Source
	runner  Runner
	handler Handler
	wake    <-chan struct{}
	poll    time.Duration
}

// Run is the main loop of the Worker
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		exec, err := w.source.Dequeue(ctx, w.queue)
		if err != nil {
			log.Error("Dequeue failed", "queue", w.queue, "worker", w.id, "error", err)
		}
		if exec != nil {
			w.process(ctx, exec)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

// process 執行一筆已取出的執行並回報結果
func (w *Worker) process(ctx context.Context, exec *types.QueryExecution) {
	runCtx := context.WithoutCancel(ctx)

	if err := w.source.MarkRunning(runCtx, exec.ID, w.queue); err != nil {
		log.Warn("Skipping execution that can no longer run", "executionID", exec.ID, "queue", w.queue, "error", err)
		return
	}

	start := time.Now()
	runErr := w.runner.Run(runCtx, exec)
	duration := time.Since(start)

	var ackErr error
	if runErr != nil {
		ackErr = w.source.Fail(runCtx, exec.ID, w.queue, runErr)
	} else {
		ackErr = w.source.Complete(runCtx, exec.ID, w.queue, exec.Result)
	}
	if ackErr != nil {
		log.Error("Failed to report execution outcome", "executionID", exec.ID, "queue", w.queue, "error", ackErr)
	}

	if w.handler != nil {
		w.handler(Result{
			Execution: exec,
			Queue:     w.queue,
			WorkerID:  w.id,
			Err:       runErr,
			Duration:  duration,
		})
	}
}
