// ============================================================================
// Beaver-Query Worker Pool - 每個佇列一組 worker
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理一個佇列的 Worker goroutine 生命週期
//
// 架構組件:
//   ┌─────────────┐  Submit   ┌────────────┐
//   │   Engine    │ ────────→ │ Scheduler  │
//   └─────────────┘           └────────────┘
//         │ Notify()               ↑ Dequeue / MarkRunning / Complete / Fail
//         ↓                        │
//   ┌──────────────────────────────┴──┐
//   │ Pool(queue)                     │
//   │  Worker 1 ─┐                    │
//   │  Worker 2 ─┼─→ Runner (DAG)     │
//   │  Worker n ─┘                    │
//   └─────────────────────────────────┘
//
// 生命週期:
//   1. NewPool() - 綁定佇列、Source 與 Runner
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines
//   3. Notify() - 有新提交時喚醒一個閒置的 Worker（非阻塞）
//   4. Stop() - 取消 context，等待所有 Worker 結束手上的執行
//
// 並發控制:
//   - activeWorkers 上限由 Scheduler 的 maxWorkers 決定，Pool 的 goroutine
//     數量只是上限的候選者；多出的 Worker 會拿到 nil 後等待。
//   - WaitGroup 追蹤所有 Worker，確保優雅關閉
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

var log = slog.Default()

// DefaultPollInterval 閒置 Worker 重新檢查佇列的間隔
const DefaultPollInterval = 100 * time.Millisecond

var (
	// ErrPoolStarted Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrPoolClosed Pool 已關閉，不能再啟動
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Pool 一個佇列的 Worker 池
type Pool struct {
	queue   types.QueueName
	source  Source
	runner  Runner
	handler Handler
	poll    time.Duration

	wake    chan struct{}
	workers []*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex
}

// PoolOption 設定 Pool
type PoolOption func(*Pool)

// WithHandler 每筆執行結束後的回呼
func WithHandler(h Handler) PoolOption { return func(p *Pool) { p.handler = h } }

// WithPollInterval 閒置輪詢間隔
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.poll = d
		}
	}
}

// NewPool 建立新的 Worker Pool
func NewPool(queue types.QueueName, source Source, runner Runner, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:  queue,
		source: source,
		runner: runner,
		poll:   DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wake = make(chan struct{}, workerCount)
	for i := 0; i < workerCount; i++ {
		w := &Worker{
			id:      i,
			queue:   p.queue,
			source:  p.source,
			runner:  p.runner,
			handler: p.handler,
			wake:    p.wake,
			poll:    p.poll,
		}
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}

	p.started = true
	log.Info("Worker pool started", "queue", p.queue, "workers", workerCount)
	return nil
}

// Notify 喚醒一個閒置的 Worker；沒有閒置的 Worker 時直接返回
func (p *Pool) Notify() {
	p.mu.Lock()
	wake := p.wake
	p.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

// Stop 優雅地關閉 Worker Pool，等待手上的執行跑完
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	log.Info("Worker pool stopped", "queue", p.queue)
}

// Queue Pool 綁定的佇列
func (p *Pool) Queue() types.QueueName { return p.queue }

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
