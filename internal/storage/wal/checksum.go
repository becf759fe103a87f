package wal

// ============================================================================
// Checksum
// Responsibility: CRC32 over every field of an event except the checksum
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum computes the CRC32-IEEE checksum of an event.
//
// The event is serialized with Checksum zeroed, so the records carried in
// Device and Job are covered too.
func CalculateChecksum(event Event) uint32 {
	event.Checksum = 0
	data, err := json.Marshal(event)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// VerifyChecksum reports whether the stored checksum matches the content.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
