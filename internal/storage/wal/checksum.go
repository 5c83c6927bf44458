package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋 Type + ExecutionID + Seq + Payload；
// 不包含 Timestamp。
func CalculateChecksum(eventType EventType, executionID string, seq uint64, payload []byte) uint32 {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)

	h := crc32.NewIEEE()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(executionID))
	h.Write([]byte{0})
	h.Write(seqBytes[:])
	h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Type, event.ExecutionID, event.Seq, event.Payload)
}
