package wal

import "encoding/json"

// ============================================================================
// WAL Type Definitions
// Responsibility: execution journal records
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventExecution EventType = "EXECUTION" // Full execution record after a create or status change
)

// Event represents a WAL event record
type Event struct {
	Seq         uint64          `json:"seq"`          // Event sequence number (monotonically increasing)
	Type        EventType       `json:"type"`         // Event type
	ExecutionID string          `json:"execution_id"` // Execution the record belongs to
	Payload     json.RawMessage `json:"payload"`      // JSON-encoded types.QueryExecution
	Timestamp   int64           `json:"timestamp"`    // Unix millisecond timestamp
	Checksum    uint32          `json:"checksum"`     // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
