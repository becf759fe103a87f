// Package storagetest is a conformance suite every storage backend must pass.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/iot-deployer/internal/storage"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

// Opener returns a fresh, empty store. The suite closes it.
type Opener func(t *testing.T) storage.Store

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewJob returns a Scheduled job booked on device at start.
func NewJob(id types.JobID, device string, start time.Time, seconds int64) types.Job {
	return types.Job{
		ID:            id,
		UserID:        "u1",
		DeviceID:      device,
		FolderName:    "blink",
		DFUUploadName: "app.zip",
		FilePath:      "/payloads/app.zip",
		StartTime:     start,
		Duration:      seconds,
		Status:        types.StatusScheduled,
	}
}

// Run executes the suite against open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"FindOrCreate", testFindOrCreate},
		{"Register", testRegister},
		{"CommitReservation", testCommitReservation},
		{"CommitReservationStale", testCommitReservationStale},
		{"CommitReservationDuplicate", testCommitReservationDuplicate},
		{"ConcurrentCommitOneWinner", testConcurrentCommit},
		{"Transition", testTransition},
		{"SetStatusAndAttempt", testSetStatusAndAttempt},
		{"FindByStatus", testFindByStatus},
		{"NotFound", testNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func testFindOrCreate(t *testing.T, s storage.Store) {
	ctx := context.Background()

	d, created, err := s.FindOrCreate(ctx, "dev-1", "10.0.0.7", t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, d.FreeAt.Equal(t0))
	assert.Equal(t, "10.0.0.7", d.SenderIP)

	d, created, err = s.FindOrCreate(ctx, "dev-1", "10.0.0.8", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, d.FreeAt.Equal(t0), "existing device must not be modified")

	devices, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func testRegister(t *testing.T, s storage.Store) {
	ctx := context.Background()

	d, err := s.Register(ctx, "dev-1", "10.0.0.7", t0)
	require.NoError(t, err)
	assert.True(t, d.FreeAt.Equal(t0))

	// future watermark is kept
	ok, err := s.CommitReservation(ctx, storage.ReservationCommit{
		DeviceID: "dev-1", Exists: true, ExpectedFreeAt: t0,
		NewFreeAt: t0.Add(time.Hour), Job: NewJob(1, "dev-1", t0, 3600),
	})
	require.NoError(t, err)
	require.True(t, ok)

	d, err = s.Register(ctx, "dev-1", "10.0.0.9", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, d.FreeAt.Equal(t0.Add(time.Hour)))
	assert.Equal(t, "10.0.0.9", d.SenderIP)

	// past watermark is raised to now
	later := t0.Add(2 * time.Hour)
	d, err = s.Register(ctx, "dev-1", "10.0.0.9", later)
	require.NoError(t, err)
	assert.True(t, d.FreeAt.Equal(later))

	got, err := s.Device(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, got.FreeAt.Equal(later))
}

func testCommitReservation(t *testing.T, s storage.Store) {
	ctx := context.Background()

	ok, err := s.CommitReservation(ctx, storage.ReservationCommit{
		DeviceID: "dev-1", SenderIP: "10.0.0.7", Exists: false,
		NewFreeAt: t0.Add(60 * time.Second), Job: NewJob(1, "dev-1", t0, 60),
	})
	require.NoError(t, err)
	require.True(t, ok)

	d, err := s.Device(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, d.FreeAt.Equal(t0.Add(60*time.Second)))
	assert.Equal(t, "10.0.0.7", d.SenderIP)

	job, err := s.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusScheduled, job.Status)
	assert.True(t, job.StartTime.Equal(t0))
	assert.Equal(t, int64(60), job.Duration)
	assert.Equal(t, "app.zip", job.DFUUploadName)
	assert.NotZero(t, job.CreatedAt)
}

func testCommitReservationStale(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, _, err := s.FindOrCreate(ctx, "dev-1", "10.0.0.7", t0)
	require.NoError(t, err)

	ok, err := s.CommitReservation(ctx, storage.ReservationCommit{
		DeviceID: "dev-1", Exists: false, NewFreeAt: t0.Add(time.Minute), Job: NewJob(1, "dev-1", t0, 60),
	})
	require.NoError(t, err)
	assert.False(t, ok, "device exists, commit expected it not to")

	ok, err = s.CommitReservation(ctx, storage.ReservationCommit{
		DeviceID: "dev-1", Exists: true, ExpectedFreeAt: t0.Add(time.Second),
		NewFreeAt: t0.Add(time.Minute), Job: NewJob(2, "dev-1", t0, 60),
	})
	require.NoError(t, err)
	assert.False(t, ok, "watermark differs")

	_, err = s.FindByID(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrJobNotFound)
	_, err = s.FindByID(ctx, 2)
	assert.ErrorIs(t, err, storage.ErrJobNotFound)

	d, err := s.Device(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, d.FreeAt.Equal(t0))
}

func testCommitReservationDuplicate(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, NewJob(7, "dev-1", t0, 60)))

	_, err := s.CommitReservation(ctx, storage.ReservationCommit{
		DeviceID: "dev-2", Exists: false, NewFreeAt: t0.Add(time.Minute), Job: NewJob(7, "dev-2", t0, 60),
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateJob)

	_, err = s.Device(ctx, "dev-2")
	assert.ErrorIs(t, err, storage.ErrDeviceNotFound)

	assert.ErrorIs(t, s.Create(ctx, NewJob(7, "dev-1", t0, 60)), storage.ErrDuplicateJob)
}

func testConcurrentCommit(t *testing.T, s storage.Store) {
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(id types.JobID) {
			defer wg.Done()
			ok, err := s.CommitReservation(ctx, storage.ReservationCommit{
				DeviceID: "dev-1", Exists: false,
				NewFreeAt: t0.Add(time.Minute), Job: NewJob(id, "dev-1", t0, 60),
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(types.JobID(i))
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	jobs, err := s.FindByStatus(ctx, "", types.StatusScheduled)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func testTransition(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewJob(1, "dev-1", t0, 60)))

	require.NoError(t, s.Transition(ctx, 1, types.StatusScheduled, types.StatusRunning, ""))
	err := s.Transition(ctx, 1, types.StatusScheduled, types.StatusRunning, "")
	assert.ErrorIs(t, err, storage.ErrStatusConflict)

	job, err := s.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, job.Status)

	err = s.Transition(ctx, 99, types.StatusScheduled, types.StatusRunning, "")
	assert.ErrorIs(t, err, storage.ErrJobNotFound)
}

func testSetStatusAndAttempt(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewJob(1, "dev-1", t0, 60)))

	require.NoError(t, s.RecordAttempt(ctx, 1, "connection refused"))
	require.NoError(t, s.RecordAttempt(ctx, 1, "timeout"))
	require.NoError(t, s.Transition(ctx, 1, types.StatusScheduled, types.StatusFailed, "retries exhausted"))

	job, err := s.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, "retries exhausted", job.LastError)

	require.NoError(t, s.SetStatus(ctx, 1, types.StatusCompleted, ""))
	job, err = s.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)

	assert.ErrorIs(t, s.SetStatus(ctx, 2, types.StatusCompleted, ""), storage.ErrJobNotFound)
	assert.ErrorIs(t, s.RecordAttempt(ctx, 2, "x"), storage.ErrJobNotFound)
}

func testFindByStatus(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, NewJob(3, "dev-1", t0.Add(2*time.Minute), 60)))
	require.NoError(t, s.Create(ctx, NewJob(1, "dev-1", t0, 60)))
	other := NewJob(2, "dev-2", t0.Add(time.Minute), 60)
	other.UserID = "u2"
	require.NoError(t, s.Create(ctx, other))
	require.NoError(t, s.Transition(ctx, 3, types.StatusScheduled, types.StatusRunning, ""))

	all, err := s.FindByStatus(ctx, "", types.StatusScheduled, types.StatusRunning)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []types.JobID{1, 2, 3}, []types.JobID{all[0].ID, all[1].ID, all[2].ID})

	mine, err := s.FindByStatus(ctx, "u1", types.StatusScheduled)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, types.JobID(1), mine[0].ID)

	none, err := s.FindByStatus(ctx, "", types.StatusCompleted)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testNotFound(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.Device(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrDeviceNotFound)
	_, err = s.FindByID(ctx, 404)
	assert.ErrorIs(t, err, storage.ErrJobNotFound)
}
