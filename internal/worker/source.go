// ============================================================================
// Beaver-Query Execution Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines where a worker takes executions from and where it reports
//          their outcome.
//
//   - Source: the Execution Scheduler (dequeue / markRunning / complete / fail)
//   - Runner: the DAG Executor
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// Source hands out queued executions and records their outcome.
// *scheduler.Scheduler implements it.
type Source interface {
	// Dequeue returns the next execution of the queue, or nil when the queue is
	// empty or its worker pool is saturated.
	Dequeue(ctx context.Context, queue types.QueueName) (*types.QueryExecution, error)

	// MarkRunning claims a dequeued execution. An error means the execution
	// expired in the meantime and must not be run.
	MarkRunning(ctx context.Context, executionID string, queue types.QueueName) error

	Complete(ctx context.Context, executionID string, queue types.QueueName, result *types.QueryResult) error
	Fail(ctx context.Context, executionID string, queue types.QueueName, cause error) error
}

// Runner executes an execution's plan in place. *executor.Executor implements it.
type Runner interface {
	Run(ctx context.Context, exec *types.QueryExecution) error
}
