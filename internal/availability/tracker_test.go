package availability

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ChuLiYu/iot-deployer/internal/errors"
	"github.com/ChuLiYu/iot-deployer/internal/storage"
	"github.com/ChuLiYu/iot-deployer/internal/storage/filestore"
	"github.com/ChuLiYu/iot-deployer/internal/storage/wal"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *filestore.Store {
	t.Helper()
	s, err := filestore.Open(filestore.Config{Dir: t.TempDir(), WAL: wal.DefaultOptions()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func request(id types.JobID, device string, d time.Duration, now time.Time) Request {
	return Request{
		DeviceID:    device,
		Duration:    d,
		SubmitterIP: "10.0.0.7",
		Now:         now,
		Job:         types.Job{ID: id, UserID: "u1", FolderName: "blink", DFUUploadName: "app.zip"},
	}
}

func TestReserveExample(t *testing.T) {
	store := newStore(t)
	tr := NewTracker(store, WithClock(func() time.Time { return t0 }))
	ctx := context.Background()

	a, err := tr.Reserve(ctx, request(1, "D", 60*time.Second, t0))
	require.NoError(t, err)
	assert.True(t, a.StartTime.Equal(t0))
	assert.True(t, a.FreeAt.Equal(t0.Add(60*time.Second)))

	b, err := tr.Reserve(ctx, request(2, "D", 30*time.Second, t0.Add(10*time.Second)))
	require.NoError(t, err)
	assert.True(t, b.StartTime.Equal(t0.Add(60*time.Second)), "B must wait for A, got %v", b.StartTime)
	assert.True(t, b.FreeAt.Equal(t0.Add(90*time.Second)))

	job, err := store.FindByID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, types.StatusScheduled, job.Status)
	assert.Equal(t, "D", job.DeviceID)
	assert.Equal(t, int64(30), job.Duration)
}

func TestMonotonicTimeline(t *testing.T) {
	store := newStore(t)
	tr := NewTracker(store)
	ctx := context.Background()

	durations := []time.Duration{45 * time.Second, 10 * time.Second, 120 * time.Second, time.Second, 30 * time.Second}
	var sum time.Duration
	now := t0
	var prevFree time.Time
	for i, d := range durations {
		res, err := tr.Reserve(ctx, request(types.JobID(i+1), "dev-1", d, now))
		require.NoError(t, err)
		if i > 0 {
			assert.False(t, res.FreeAt.Before(prevFree), "freeAt moved backwards")
			assert.True(t, res.StartTime.Equal(prevFree))
		}
		prevFree = res.FreeAt
		sum += d
		// next submission arrives before the device frees up
		now = now.Add(d / 2)
	}

	dev, err := store.Device(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, dev.FreeAt.Equal(t0.Add(sum)))
}

func TestConcurrentReservationsUnseenDevice(t *testing.T) {
	store := newStore(t)
	tr := NewTracker(store)
	ctx := context.Background()

	const n = 20
	results := make([]Reservation, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := tr.Reserve(ctx, request(types.JobID(i+1), "fresh", 30*time.Second, t0))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	devices, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	sort.Slice(results, func(i, j int) bool { return results[i].StartTime.Before(results[j].StartTime) })
	for i := 1; i < n; i++ {
		assert.False(t, results[i].StartTime.Before(results[i-1].FreeAt), "windows %d and %d overlap", i-1, i)
	}
	assert.True(t, devices[0].FreeAt.Equal(t0.Add(n*30*time.Second)))
	assert.Zero(t, tr.locks.size())
}

// blockingStore stalls CommitReservation for one device until released.
type blockingStore struct {
	storage.DeviceStore
	device  string
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) CommitReservation(ctx context.Context, c storage.ReservationCommit) (bool, error) {
	if c.DeviceID == b.device {
		close(b.entered)
		<-b.release
	}
	return b.DeviceStore.CommitReservation(ctx, c)
}

func TestDifferentDevicesDoNotWait(t *testing.T) {
	bs := &blockingStore{DeviceStore: newStore(t), device: "slow", entered: make(chan struct{}), release: make(chan struct{})}
	tr := NewTracker(bs)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := tr.Reserve(ctx, request(1, "slow", time.Minute, t0))
		done <- err
	}()
	<-bs.entered

	_, err := tr.Reserve(ctx, request(2, "fast", time.Minute, t0))
	require.NoError(t, err, "fast device must not wait for slow one")

	close(bs.release)
	require.NoError(t, <-done)
}

// racingStore loses the first CAS, as if another process booked in between.
type racingStore struct {
	storage.DeviceStore
	mu     sync.Mutex
	losses int
}

func (r *racingStore) CommitReservation(ctx context.Context, c storage.ReservationCommit) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.losses > 0 {
		r.losses--
		competitor := types.Job{ID: types.JobID(1000 + r.losses), DeviceID: c.DeviceID, StartTime: c.Job.StartTime, Duration: c.Job.Duration}
		ok, err := r.DeviceStore.CommitReservation(ctx, storage.ReservationCommit{
			DeviceID: c.DeviceID, Exists: c.Exists, ExpectedFreeAt: c.ExpectedFreeAt,
			NewFreeAt: c.NewFreeAt, Job: competitor,
		})
		if err != nil || !ok {
			return ok, err
		}
		return false, nil
	}
	return r.DeviceStore.CommitReservation(ctx, c)
}

func TestReserveRetriesLostCAS(t *testing.T) {
	rs := &racingStore{DeviceStore: newStore(t), losses: 1}
	tr := NewTracker(rs)

	res, err := tr.Reserve(context.Background(), request(1, "dev-1", 30*time.Second, t0))
	require.NoError(t, err)
	assert.True(t, res.StartTime.Equal(t0.Add(30*time.Second)), "must start after the competing booking")
}

func TestReserveGivesUpUnderContention(t *testing.T) {
	rs := &racingStore{DeviceStore: newStore(t), losses: 100}
	tr := NewTracker(rs, WithCommitRetries(2))

	_, err := tr.Reserve(context.Background(), request(1, "dev-1", 30*time.Second, t0))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPersistence)
	assert.ErrorIs(t, err, ErrContention)
}

type failingStore struct {
	storage.DeviceStore
}

func (failingStore) CommitReservation(context.Context, storage.ReservationCommit) (bool, error) {
	return false, errors.New("disk full")
}

func TestReservePersistenceFailureCommitsNothing(t *testing.T) {
	inner := newStore(t)
	tr := NewTracker(failingStore{inner})
	ctx := context.Background()

	_, err := tr.Reserve(ctx, request(1, "dev-1", 30*time.Second, t0))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPersistence, apperrors.KindOf(err))

	_, err = inner.Device(ctx, "dev-1")
	assert.ErrorIs(t, err, storage.ErrDeviceNotFound)
	_, err = inner.FindByID(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrJobNotFound)
}

func TestReserveValidation(t *testing.T) {
	tr := NewTracker(newStore(t))
	ctx := context.Background()

	_, err := tr.Reserve(ctx, request(1, "", time.Minute, t0))
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = tr.Reserve(ctx, request(1, "dev-1", 500*time.Millisecond, t0))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestReserveDuplicateJobIsConflict(t *testing.T) {
	tr := NewTracker(newStore(t))
	ctx := context.Background()

	_, err := tr.Reserve(ctx, request(1, "dev-1", time.Minute, t0))
	require.NoError(t, err)
	_, err = tr.Reserve(ctx, request(1, "dev-2", time.Minute, t0))
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestReserveRecordsSubmitterAddress(t *testing.T) {
	store := newStore(t)
	tr := NewTracker(store, WithClock(func() time.Time { return t0 }))
	ctx := context.Background()

	_, err := tr.Register(ctx, "dev-1", "192.168.1.50")
	require.NoError(t, err)

	req := request(1, "dev-1", time.Minute, t0)
	req.SubmitterIP = "203.0.113.9"
	_, err = tr.Reserve(ctx, req)
	require.NoError(t, err)

	dev, err := store.Device(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", dev.SenderIP, "an existing device follows its latest submitter")

	// a booking without a known submitter keeps the stored address
	req = request(2, "dev-1", time.Minute, t0)
	req.SubmitterIP = ""
	_, err = tr.Reserve(ctx, req)
	require.NoError(t, err)

	dev, err = store.Device(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", dev.SenderIP)
}

func TestRegisterKeepsFutureWatermark(t *testing.T) {
	now := t0
	store := newStore(t)
	tr := NewTracker(store, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := tr.Reserve(ctx, request(1, "dev-1", time.Hour, t0))
	require.NoError(t, err)

	now = t0.Add(time.Minute)
	d, err := tr.Register(ctx, "dev-1", "10.0.0.8")
	require.NoError(t, err)
	assert.True(t, d.FreeAt.Equal(t0.Add(time.Hour)))
	assert.Equal(t, "10.0.0.8", d.SenderIP)

	now = t0.Add(2 * time.Hour)
	d, err = tr.Register(ctx, "dev-1", "10.0.0.8")
	require.NoError(t, err)
	assert.True(t, d.FreeAt.Equal(now))
}

func TestAvailability(t *testing.T) {
	now := t0
	tr := NewTracker(newStore(t), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := tr.Availability(ctx, "ghost")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = tr.Reserve(ctx, request(1, "busy", time.Hour, t0))
	require.NoError(t, err)
	_, err = tr.Register(ctx, "idle", "10.0.0.9")
	require.NoError(t, err)

	now = t0.Add(time.Minute)
	slot, err := tr.Availability(ctx, "busy")
	require.NoError(t, err)
	assert.True(t, slot.FreeAt.Equal(t0.Add(time.Hour)))

	slots, err := tr.AllAvailability(ctx)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, "busy", slots[0].DeviceID)
	assert.Equal(t, "idle", slots[1].DeviceID)
	assert.True(t, slots[1].FreeAt.Equal(now), "past watermark reads as now")
}
