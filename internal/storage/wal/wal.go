package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加執行紀錄到日誌檔案（append-only，每行一個 JSON 事件）
// 2. 重放以恢復快照之後的執行狀態
// 3. 支援日誌旋轉（快照前旋轉，旋轉後的事件都不早於快照）
// 4. 確保寫入持久性與資料完整性（CRC32）
//
// 每個事件都是完整的執行紀錄，重放即依序覆寫，重複套用無副作用。
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

// NewWAL 建立或開啟一個 WAL 實例
//
// 行為：
//   - 如果檔案不存在，建立新檔案，seq 從 0 開始
//   - 如果檔案已存在，讀取最後一個事件的 seq 並繼續
//   - 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, err := file.Stat(); err == nil && stat.Size() > 0 {
		if last, err := GetLastEvent(path); err == nil {
			seq = last.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// AppendExecution 追加一筆執行紀錄，回傳事件序號
//
// syncOnAppend 時立即寫入並 fsync；否則緩衝到滿或超過 flushInterval。
func (w *WAL) AppendExecution(exec *types.QueryExecution) (uint64, error) {
	payload, err := json.Marshal(exec)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal execution %s: %w", exec.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:         w.seq,
		Type:        EventExecution,
		ExecutionID: exec.ID,
		Payload:     payload,
		Timestamp:   time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event.Type, event.ExecutionID, event.Seq, event.Payload)
	w.buffer = append(w.buffer, event)

	if w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return event.Seq, nil
}

// Replay 重放所有 WAL 事件
//
// 行為：
//   - 先 flush 緩衝，再從頭讀取
//   - 驗證每個事件的 checksum
//   - 呼叫 handler 應用事件，遇到錯誤立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return &RecordError{Err: ErrCorruptedWAL, Detail: err.Error()}
		}
		if !VerifyChecksum(event) {
			return checksumError(event)
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return nil
}

// ReplayExecutions 重放並解碼每一筆執行紀錄
func (w *WAL) ReplayExecutions(apply func(exec *types.QueryExecution)) (int, error) {
	n := 0
	err := w.Replay(func(event Event) error {
		if event.Type != EventExecution {
			return nil
		}
		var exec types.QueryExecution
		if err := json.Unmarshal(event.Payload, &exec); err != nil {
			return fmt.Errorf("wal: decode execution at seq=%d: %w", event.Seq, err)
		}
		apply(&exec)
		n++
		return nil
	})
	return n, err
}

// Rotate 旋轉日誌檔案：舊檔改名保留，新檔從空白開始，序號延續
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.lastFlushTime = time.Now()
	return nil
}

// Close 先 flush 再關閉；關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// LastSeq 取得當前的事件序號（快照時記錄）
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Flush 將緩衝中的紀錄寫入並 fsync
//
// 非 syncOnAppend 模式下由呼叫端定期執行（見 FlushInterval），
// 否則一段時間沒有新紀錄時緩衝會一直留在記憶體。
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// FlushInterval 緩衝紀錄最長的停留時間
func (w *WAL) FlushInterval() time.Duration { return w.flushInterval }

// Buffered 尚未寫入檔案的紀錄數
func (w *WAL) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Path WAL 檔案路徑
func (w *WAL) Path() string { return w.path }

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}
