package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
)

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 從頭掃描到 EOF，回傳最後一個成功解析的事件。
// 檔案為空時回傳 ErrEmptyWAL；尾端不完整的紀錄（寫到一半當機）會被忽略。
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Event
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		last = &event
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	count := 0
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return count, fmt.Errorf("%w: after %d events: %v", ErrCorruptedWAL, count, err)
		}
		count++
	}
	return count, nil
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 連續且無重複
func ValidateWAL(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var lastSeq uint64
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return &RecordError{Seq: lastSeq + 1, Err: ErrCorruptedWAL, Detail: err.Error()}
		}
		if !VerifyChecksum(event) {
			return checksumError(event)
		}
		if lastSeq != 0 && event.Seq != lastSeq+1 {
			return &RecordError{Seq: event.Seq, ExecutionID: event.ExecutionID, Err: ErrCorruptedWAL, Detail: fmt.Sprintf("seq gap after %d", lastSeq)}
		}
		lastSeq = event.Seq
	}
	return nil
}
