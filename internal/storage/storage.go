// ============================================================================
// Storage Contracts
// ============================================================================
//
// Package: internal/storage
// File: storage.go
// Purpose: Collaborator contracts for device and job persistence.
//
// Backends:
//   filestore - in-memory state journaled to a WAL and periodically
//               snapshotted (default, no external services)
//   sqlstore  - SQLite through database/sql
//
// Atomicity:
//   CommitReservation is the single write of a booking. It advances the
//   device watermark (compare-and-set on the previous value) and inserts the
//   Scheduled job in one step; either both are visible or neither is.
//
// ============================================================================

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

var (
	// ErrDeviceNotFound is returned when a device id is unknown.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrJobNotFound is returned when a job id is unknown.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned when a job id already exists.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrStatusConflict is returned when a transition's expected status does not hold.
	ErrStatusConflict = errors.New("job status conflict")
)

// ReservationCommit is the atomic write of one booking.
type ReservationCommit struct {
	DeviceID string
	SenderIP string

	// Exists and ExpectedFreeAt describe the device state the caller read.
	// The commit only applies if the stored state still matches.
	Exists         bool
	ExpectedFreeAt time.Time

	NewFreeAt time.Time
	Job       types.Job
}

// DeviceStore persists devices and their watermarks.
type DeviceStore interface {
	// FindOrCreate returns the device, creating it with FreeAt=now if unseen.
	FindOrCreate(ctx context.Context, deviceID, ip string, now time.Time) (types.Device, bool, error)
	// Device returns the device or ErrDeviceNotFound.
	Device(ctx context.Context, deviceID string) (types.Device, error)
	// List returns every device ordered by id.
	List(ctx context.Context) ([]types.Device, error)
	// Register upserts SenderIP; an unseen or past watermark becomes now,
	// a future watermark is left alone.
	Register(ctx context.Context, deviceID, ip string, now time.Time) (types.Device, error)
	// CommitReservation applies c atomically. It returns false without
	// writing anything when the device state no longer matches c.
	CommitReservation(ctx context.Context, c ReservationCommit) (bool, error)
}

// JobStore persists jobs and their status.
type JobStore interface {
	// Create inserts a job or returns ErrDuplicateJob.
	Create(ctx context.Context, job types.Job) error
	// SetStatus overwrites the status unconditionally.
	SetStatus(ctx context.Context, id types.JobID, status types.JobStatus, detail string) error
	// Transition moves from -> to or returns ErrStatusConflict.
	Transition(ctx context.Context, id types.JobID, from, to types.JobStatus, detail string) error
	// RecordAttempt bumps the attempt counter and stores the last error.
	RecordAttempt(ctx context.Context, id types.JobID, lastError string) error
	// FindByStatus lists jobs in any of statuses, optionally for one user.
	FindByStatus(ctx context.Context, userID string, statuses ...types.JobStatus) ([]types.Job, error)
	// FindByID returns the job or ErrJobNotFound.
	FindByID(ctx context.Context, id types.JobID) (types.Job, error)
}

// Store is a complete backend.
type Store interface {
	DeviceStore
	JobStore
	Close() error
}

// Compactor is implemented by backends that benefit from periodic snapshots.
type Compactor interface {
	Compact() error
}

// RefreshFreeAt applies the self-registration watermark rule.
func RefreshFreeAt(current time.Time, exists bool, now time.Time) time.Time {
	if !exists || current.Before(now) {
		return now
	}
	return current
}
