package scheduler

// ============================================================================
// 佇列內部結構
// 職責：
// 1. 優先權 heap：priority 高者先出，同 priority 依提交序號 FIFO
// 2. worker pool 計數（activeWorkers ≤ maxWorkers）
// 3. 背壓遲滯：depth ≥ threshold 開啟，depth < threshold*0.5 才關閉
// 4. 處理時間的指數加權移動平均
//
// 所有欄位由 queue.mu 保護；持有 queue.mu 時不呼叫 budget.Manager 或儲存層。
// ============================================================================

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// ewmaAlpha 處理時間移動平均的權重
const ewmaAlpha = 0.2

// item 一筆尚未結束的佇列項目
type item struct {
	entry *types.QueuedExecution
	exec  *types.QueryExecution
	index int // heap 內的位置，不在 heap 中時為 -1
}

// itemHeap 實作 container/heap.Interface
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i].entry, h[j].entry
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// queue 一個佇列與它的 worker pool
type queue struct {
	mu     sync.Mutex
	name   types.QueueName
	cfg    QueueConfig
	heap   itemHeap
	items  map[string]*item // executionID → 尚未結束的項目
	active int
	// reserved 已通過背壓檢查、尚未 push 的提交數，計入背壓深度
	reserved int

	backpressure bool
	attempted    uint64
	rejected     uint64 // 因背壓被拒絕的次數
	avgMs        float64
}

func newQueue(name types.QueueName, cfg QueueConfig) *queue {
	return &queue{
		name:  name,
		cfg:   cfg,
		items: make(map[string]*item),
	}
}

// push 加入 heap 並重新計算背壓，呼叫端持有 q.mu
func (q *queue) push(it *item) {
	heap.Push(&q.heap, it)
	q.items[it.entry.ExecutionID] = it
	q.recompute()
}

// pop 取出最高優先權的項目，呼叫端持有 q.mu
func (q *queue) pop() *item {
	if q.heap.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.heap).(*item)
	q.recompute()
	return it
}

// remove 從 heap 與索引移除，呼叫端持有 q.mu
func (q *queue) remove(it *item) {
	if it.index >= 0 {
		heap.Remove(&q.heap, it.index)
	}
	delete(q.items, it.entry.ExecutionID)
	q.recompute()
}

// reserve 背壓未啟用時預留一個位置；呼叫端持有 q.mu
func (q *queue) reserve() bool {
	if q.backpressure {
		return false
	}
	q.reserved++
	q.recompute()
	return true
}

// unreserve 釋放未使用的預留；呼叫端持有 q.mu
func (q *queue) unreserve() {
	if q.reserved > 0 {
		q.reserved--
	}
	q.recompute()
}

// depth 等待 worker 的項目數
func (q *queue) depth() int { return q.heap.Len() }

// recompute 背壓遲滯；深度包含 reserved
func (q *queue) recompute() {
	if q.cfg.BackpressureThreshold <= 0 {
		q.backpressure = false
		return
	}
	d := q.depth() + q.reserved
	switch {
	case !q.backpressure && d >= q.cfg.BackpressureThreshold:
		q.backpressure = true
		log.Warn("Backpressure enabled", "queue", q.name, "depth", d, "threshold", q.cfg.BackpressureThreshold)
	case q.backpressure && float64(d) < float64(q.cfg.BackpressureThreshold)*0.5:
		q.backpressure = false
		log.Info("Backpressure cleared", "queue", q.name, "depth", d)
	}
}

// observe 更新處理時間移動平均
func (q *queue) observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if q.avgMs == 0 {
		q.avgMs = ms
		return
	}
	q.avgMs = ewmaAlpha*ms + (1-ewmaAlpha)*q.avgMs
}

// stats 目前狀態的拷貝，呼叫端持有 q.mu
func (q *queue) stats(now time.Time) types.WorkerPoolStats {
	rate := 0.0
	if q.attempted > 0 {
		rate = float64(q.rejected) / float64(q.attempted)
	}
	return types.WorkerPoolStats{
		Queue:               q.name,
		MaxWorkers:          q.cfg.MaxWorkers,
		ActiveWorkers:       q.active,
		QueueDepth:          q.depth(),
		AverageProcessingMs: q.avgMs,
		Backpressure: types.BackpressureState{
			Enabled:       q.backpressure,
			Threshold:     q.cfg.BackpressureThreshold,
			RejectionRate: rate,
		},
		UpdatedAt: now,
	}
}
