package wal

import "github.com/ChuLiYu/claimqueue/pkg/types"

// ============================================================================
// WAL Type Definitions
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventSubmit   EventType = "SUBMIT"   // Unit accepted into a lane
	EventDispatch EventType = "DISPATCH" // Unit handed to a worker
	EventRetry    EventType = "RETRY"    // Infrastructure failure, unit backing off
	EventResolve  EventType = "RESOLVE"  // Terminal outcome recorded
)

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	switch t {
	case EventSubmit, EventDispatch, EventRetry, EventResolve:
		return true
	default:
		return false
	}
}

// Event represents a WAL event record
type Event struct {
	Seq       uint64      `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType   `json:"type"`      // Event type
	Unit      *types.Unit `json:"unit"`      // Unit state after the change
	Timestamp int64       `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32      `json:"checksum"`  // CRC32 over seq, type and unit
}

// EventHandler is the function type for processing WAL events during Replay.
// Returning an error aborts the replay.
type EventHandler func(event Event) error
