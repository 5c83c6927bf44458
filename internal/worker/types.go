package worker

import (
	"time"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// Result 一次執行的結果，交給 Pool 的 Handler
type Result struct {
	Execution *types.QueryExecution // 執行後的狀態（含 Result / Error）
	Queue     types.QueueName
	WorkerID  int
	Err       error         // DAG 執行錯誤
	Duration  time.Duration // 實際執行時間
}

// Handler 每筆執行結束（已回報給 Source 之後）呼叫一次
type Handler func(Result)
