// ============================================================================
// Device Availability Tracker
// ============================================================================
//
// Package: internal/availability
// File: tracker.go
// Purpose: Own each device's freeAt watermark and place jobs on the device
// timeline without overlap.
//
// Reservation:
//   start     = max(now, freeAt)        unseen device: freeAt = now
//   newFreeAt = start + duration
//   watermark and Scheduled job are written by one CommitReservation call
//
// Concurrency:
//   Reservations for one device are linearized by a per-device mutex;
//   different devices never wait on each other. The store's compare-and-set
//   on the previous watermark also catches writers in other processes; a
//   lost CAS re-reads and retries up to maxCommitRetries times.
//
// ============================================================================

package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/ChuLiYu/iot-deployer/internal/errors"
	"github.com/ChuLiYu/iot-deployer/internal/storage"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

var log = slog.Default()

const defaultCommitRetries = 5

// ErrContention is returned when the watermark kept moving under a
// reservation for more than the configured number of retries.
var ErrContention = errors.New("device watermark contention")

// Request is one booking on a device timeline.
type Request struct {
	DeviceID    string
	Duration    time.Duration
	SubmitterIP string
	Now         time.Time
	// Job is the record to insert. StartTime and Status are set by Reserve.
	Job types.Job
}

// Reservation is the result of a successful booking.
type Reservation struct {
	StartTime time.Time
	FreeAt    time.Time
	Job       types.Job
}

// Slot is the earliest start a device can offer.
type Slot struct {
	DeviceID string    `json:"deviceId"`
	FreeAt   time.Time `json:"freeAt"`
}

// Tracker serializes bookings per device.
type Tracker struct {
	store            storage.DeviceStore
	locks            *keyedMutex
	maxCommitRetries int
	now              func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCommitRetries bounds how often a lost compare-and-set is retried.
func WithCommitRetries(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxCommitRetries = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns a tracker backed by store.
func NewTracker(store storage.DeviceStore, opts ...Option) *Tracker {
	t := &Tracker{
		store:            store,
		locks:            newKeyedMutex(),
		maxCommitRetries: defaultCommitRetries,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Reserve places req on the device timeline.
//
// Errors:
//   - ValidationError: empty device id or duration under one second
//   - ConflictError: the job id is already taken
//   - PersistenceError: the store failed; nothing was committed
func (t *Tracker) Reserve(ctx context.Context, req Request) (Reservation, error) {
	const op = "availability.Reserve"

	if req.DeviceID == "" {
		return Reservation{}, apperrors.Validation(op, "deviceId is required")
	}
	// the job record keeps whole seconds
	req.Duration = req.Duration.Truncate(time.Second)
	if req.Duration <= 0 {
		return Reservation{}, apperrors.Validation(op, "duration must be at least one second")
	}
	if req.Now.IsZero() {
		req.Now = t.now()
	}

	unlock := t.locks.Lock(req.DeviceID)
	defer unlock()

	for attempt := 1; attempt <= t.maxCommitRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Reservation{}, err
		}

		dev, err := t.store.Device(ctx, req.DeviceID)
		exists := true
		if errors.Is(err, storage.ErrDeviceNotFound) {
			exists = false
			dev = types.Device{ID: req.DeviceID, FreeAt: req.Now}
		} else if err != nil {
			return Reservation{}, apperrors.Persistence(op, err)
		}

		start := dev.FreeAt
		if req.Now.After(start) {
			start = req.Now
		}
		newFreeAt := start.Add(req.Duration)

		job := req.Job
		job.DeviceID = req.DeviceID
		job.StartTime = start
		job.Duration = int64(req.Duration / time.Second)
		job.Status = types.StatusScheduled

		// the submitter becomes the device's last-known agent address; an
		// empty one leaves the stored address alone
		commit := storage.ReservationCommit{
			DeviceID:       req.DeviceID,
			SenderIP:       req.SubmitterIP,
			Exists:         exists,
			ExpectedFreeAt: dev.FreeAt,
			NewFreeAt:      newFreeAt,
			Job:            job,
		}

		ok, err := t.store.CommitReservation(ctx, commit)
		if errors.Is(err, storage.ErrDuplicateJob) {
			return Reservation{}, apperrors.Conflict(op, "job %s already exists", job.ID)
		}
		if err != nil {
			return Reservation{}, apperrors.Persistence(op, err)
		}
		if ok {
			log.Debug("device reserved",
				"deviceID", req.DeviceID,
				"jobID", job.ID,
				"start", start,
				"freeAt", newFreeAt)
			return Reservation{StartTime: start, FreeAt: newFreeAt, Job: job}, nil
		}

		log.Warn("device watermark moved, retrying reservation",
			"deviceID", req.DeviceID,
			"attempt", attempt)
	}

	return Reservation{}, apperrors.Persistence(op,
		fmt.Errorf("%w: device %s after %d attempts", ErrContention, req.DeviceID, t.maxCommitRetries))
}

// Register records a device's self-report: the address is updated, an
// unseen or past watermark becomes now, a future one is left alone.
func (t *Tracker) Register(ctx context.Context, deviceID, ip string) (types.Device, error) {
	const op = "availability.Register"

	if deviceID == "" {
		return types.Device{}, apperrors.Validation(op, "device id is required")
	}

	unlock := t.locks.Lock(deviceID)
	defer unlock()

	d, err := t.store.Register(ctx, deviceID, ip, t.now())
	if err != nil {
		return types.Device{}, apperrors.Persistence(op, err)
	}
	return d, nil
}

// Availability returns the earliest instant deviceID can start a new job.
// An unknown device is a ValidationError on this query-only path.
func (t *Tracker) Availability(ctx context.Context, deviceID string) (Slot, error) {
	const op = "availability.Availability"

	if deviceID == "" {
		return Slot{}, apperrors.Validation(op, "deviceId is required")
	}
	d, err := t.store.Device(ctx, deviceID)
	if errors.Is(err, storage.ErrDeviceNotFound) {
		return Slot{}, apperrors.Validation(op, "unknown device %q", deviceID)
	}
	if err != nil {
		return Slot{}, apperrors.Persistence(op, err)
	}
	return t.slot(d), nil
}

// AllAvailability returns a slot for every known device, ordered by id.
func (t *Tracker) AllAvailability(ctx context.Context) ([]Slot, error) {
	devices, err := t.store.List(ctx)
	if err != nil {
		return nil, apperrors.Persistence("availability.AllAvailability", err)
	}
	out := make([]Slot, 0, len(devices))
	for _, d := range devices {
		out = append(out, t.slot(d))
	}
	return out, nil
}

func (t *Tracker) slot(d types.Device) Slot {
	free := d.FreeAt
	if now := t.now(); now.After(free) {
		free = now
	}
	return Slot{DeviceID: d.ID, FreeAt: free}
}
