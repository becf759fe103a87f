package wal

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

var (
	// ErrCorruptedWAL: a record could not be decoded.
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch: a record decoded but its CRC does not match.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	ErrEmptyWAL  = errors.New("wal: file is empty")
	ErrWALClosed = errors.New("wal: already closed")
)

// ChecksumError names the record whose checksum failed.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// CorruptionError reports an undecodable record. Seq is the last good one.
type CorruptionError struct {
	Seq    uint64
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruptedWAL }

// ReplayError is returned when the replay handler rejects a valid record,
// e.g. a JOB_STATUS for a job the store never saw.
type ReplayError struct {
	Seq   uint64
	Type  EventType
	JobID types.JobID
	Err   error
}

func (e *ReplayError) Error() string {
	if e.JobID != 0 {
		return fmt.Sprintf("wal: apply %s seq=%d job=%s: %v", e.Type, e.Seq, e.JobID, e.Err)
	}
	return fmt.Sprintf("wal: apply %s seq=%d: %v", e.Type, e.Seq, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }
