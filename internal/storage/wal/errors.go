package wal

import (
	"errors"
	"fmt"
)

// ============================================================================
// 執行日誌錯誤
// ============================================================================

var (
	ErrCorruptedWAL     = errors.New("wal: journal is corrupted")
	ErrChecksumMismatch = errors.New("wal: record checksum mismatch")
	ErrEmptyWAL         = errors.New("wal: journal has no records")
	ErrWALClosed        = errors.New("wal: journal closed")
)

// RecordError 指出哪一筆日誌紀錄無法重放
//
// Err 為 ErrCorruptedWAL 或 ErrChecksumMismatch，可用 errors.Is 判斷。
type RecordError struct {
	Seq         uint64 // 0 表示紀錄本身無法解碼
	ExecutionID string
	Err         error
	Detail      string
}

func (e *RecordError) Error() string {
	msg := fmt.Sprintf("%v: seq=%d", e.Err, e.Seq)
	if e.ExecutionID != "" {
		msg += " execution=" + e.ExecutionID
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *RecordError) Unwrap() error { return e.Err }

// checksumError 包裝校驗失敗的紀錄
func checksumError(event Event) error {
	return &RecordError{Seq: event.Seq, ExecutionID: event.ExecutionID, Err: ErrChecksumMismatch}
}
