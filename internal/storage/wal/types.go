package wal

import "github.com/ChuLiYu/iot-deployer/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventDevicePut EventType = "DEVICE_PUT" // Device registered or watermark refreshed
	EventReserve   EventType = "RESERVE"    // Watermark advanced and job inserted together
	EventJobCreate EventType = "JOB_CREATE" // Job inserted without a reservation
	EventJobStatus EventType = "JOB_STATUS" // Job status changed
	EventAttempt   EventType = "ATTEMPT"    // Dispatch attempt recorded
)

// Event represents a WAL event record.
//
// Device and Job carry the full record after the mutation, so applying an
// event is an idempotent overwrite. Replaying events that are already part
// of a snapshot is harmless.
type Event struct {
	Seq       uint64      `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType   `json:"type"`      // Event type
	JobID     types.JobID `json:"job_id"`    // Job ID, zero for device-only events
	Timestamp int64       `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32      `json:"checksum"`  // CRC32 checksum

	Device *types.Device `json:"device,omitempty"`
	Job    *types.Job    `json:"job,omitempty"`
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
