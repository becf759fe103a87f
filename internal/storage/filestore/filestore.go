// ============================================================================
// File Store - WAL + snapshot backed storage
// ============================================================================
//
// Package: internal/storage/filestore
// File: filestore.go
// Purpose: Default storage backend. State lives in a jobmanager.JobManager,
// every mutation is journaled to the WAL, and Compact() periodically folds
// the journal into a snapshot.
//
// Layout under Dir:
//   snapshot.json   full state at the last compaction
//   deployer.wal    mutations since then
//
// Startup:
//   1. load snapshot (empty on first boot)
//   2. replay the WAL on top; events carry full records, so replay is an
//      idempotent overwrite
//
// Write path:
//   Writers are serialized by s.mu. A mutation is applied in memory, then
//   journaled; if the journal write fails the in-memory change is undone and
//   the error is returned as-is.
//
// ============================================================================

package filestore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/iot-deployer/internal/jobmanager"
	"github.com/ChuLiYu/iot-deployer/internal/snapshot"
	"github.com/ChuLiYu/iot-deployer/internal/storage"
	"github.com/ChuLiYu/iot-deployer/internal/storage/wal"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

var log = slog.Default()

const (
	snapshotFile = "snapshot.json"
	walFile      = "deployer.wal"
)

// WALPath returns the journal file a Store in dir writes.
func WALPath(dir string) string {
	return filepath.Join(dir, walFile)
}

// Config configures a Store.
type Config struct {
	Dir             string
	WAL             wal.Options
	SnapshotBackups int
}

// Store is the WAL + snapshot backend.
type Store struct {
	mu   sync.Mutex
	jm   *jobmanager.JobManager
	wal  *wal.WAL
	snap *snapshot.Manager
	cfg  Config

	now func() time.Time
}

var (
	_ storage.Store     = (*Store)(nil)
	_ storage.Compactor = (*Store)(nil)
)

// Open loads the snapshot, replays the WAL and returns a ready store.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", cfg.Dir, err)
	}

	s := &Store{
		jm:   jobmanager.NewJobManager(),
		snap: snapshot.NewManager(filepath.Join(cfg.Dir, snapshotFile)),
		cfg:  cfg,
		now:  time.Now,
	}

	data, err := s.snap.Load()
	if err != nil {
		return nil, fmt.Errorf("filestore: load snapshot: %w", err)
	}
	s.jm.Restore(data)

	w, err := wal.NewWAL(WALPath(cfg.Dir), cfg.WAL)
	if err != nil {
		return nil, err
	}
	s.wal = w

	replayed := 0
	if err := w.Replay(func(ev wal.Event) error {
		s.apply(ev)
		replayed++
		return nil
	}); err != nil {
		w.Close()
		return nil, fmt.Errorf("filestore: replay: %w", err)
	}

	stats := s.jm.Stats()
	log.Info("filestore opened",
		"dir", cfg.Dir,
		"snapshot_jobs", len(data.Jobs),
		"replayed_events", replayed,
		"devices", stats["devices"],
		"scheduled", stats["scheduled"],
		"running", stats["running"])
	return s, nil
}

func (s *Store) apply(ev wal.Event) {
	if ev.Device != nil {
		s.jm.PutDevice(*ev.Device)
	}
	if ev.Job != nil {
		s.jm.PutJob(*ev.Job)
	}
}

func (s *Store) journal(t wal.EventType, ev wal.Event) error {
	ev.Timestamp = s.now().UnixMilli()
	if _, err := s.wal.Append(t, ev, false); err != nil {
		return fmt.Errorf("filestore: journal %s: %w", t, err)
	}
	return nil
}

// ============================================================================
// DeviceStore
// ============================================================================

// FindOrCreate returns the device, creating it with FreeAt=now when unseen.
func (s *Store) FindOrCreate(ctx context.Context, deviceID, ip string, now time.Time) (types.Device, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.Device{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.jm.Device(deviceID); ok {
		return d, false, nil
	}

	d := types.Device{ID: deviceID, SenderIP: ip, FreeAt: now, UpdatedAt: now}
	s.jm.PutDevice(d)
	if err := s.journal(wal.EventDevicePut, wal.Event{Device: &d}); err != nil {
		s.jm.RemoveDevice(deviceID)
		return types.Device{}, false, err
	}
	return d, true, nil
}

// Device returns the device or storage.ErrDeviceNotFound.
func (s *Store) Device(ctx context.Context, deviceID string) (types.Device, error) {
	d, ok := s.jm.Device(deviceID)
	if !ok {
		return types.Device{}, storage.ErrDeviceNotFound
	}
	return d, nil
}

// List returns every device ordered by id.
func (s *Store) List(ctx context.Context) ([]types.Device, error) {
	return s.jm.Devices(), nil
}

// Register upserts the device address and refreshes a past watermark.
func (s *Store) Register(ctx context.Context, deviceID, ip string, now time.Time) (types.Device, error) {
	if err := ctx.Err(); err != nil {
		return types.Device{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.jm.Device(deviceID)
	d := types.Device{
		ID:        deviceID,
		SenderIP:  ip,
		FreeAt:    storage.RefreshFreeAt(prev.FreeAt, exists, now),
		UpdatedAt: now,
	}
	s.jm.PutDevice(d)
	if err := s.journal(wal.EventDevicePut, wal.Event{Device: &d}); err != nil {
		s.restoreDevice(prev, exists)
		return types.Device{}, err
	}
	return d, nil
}

// CommitReservation advances the watermark and inserts the job atomically.
func (s *Store) CommitReservation(ctx context.Context, c storage.ReservationCommit) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.jm.Device(c.DeviceID)
	dev, job, ok, err := s.jm.ApplyReservation(c, s.now())
	if err != nil || !ok {
		return ok, err
	}

	if err := s.journal(wal.EventReserve, wal.Event{JobID: job.ID, Device: &dev, Job: &job}); err != nil {
		s.jm.RemoveJob(job.ID)
		s.restoreDevice(prev, existed)
		return false, err
	}
	return true, nil
}

func (s *Store) restoreDevice(prev types.Device, existed bool) {
	if existed {
		s.jm.PutDevice(prev)
		return
	}
	s.jm.RemoveDevice(prev.ID)
}

// ============================================================================
// JobStore
// ============================================================================

// Create inserts a job or returns storage.ErrDuplicateJob.
func (s *Store) Create(ctx context.Context, job types.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	created, err := s.jm.Create(job, s.now())
	if err != nil {
		return err
	}
	if err := s.journal(wal.EventJobCreate, wal.Event{JobID: created.ID, Job: &created}); err != nil {
		s.jm.RemoveJob(created.ID)
		return err
	}
	return nil
}

// SetStatus overwrites the status of a job.
func (s *Store) SetStatus(ctx context.Context, id types.JobID, status types.JobStatus, detail string) error {
	return s.mutateJob(ctx, id, wal.EventJobStatus, func() (types.Job, error) {
		return s.jm.SetStatus(id, status, detail, s.now())
	})
}

// Transition moves a job from -> to or returns storage.ErrStatusConflict.
func (s *Store) Transition(ctx context.Context, id types.JobID, from, to types.JobStatus, detail string) error {
	return s.mutateJob(ctx, id, wal.EventJobStatus, func() (types.Job, error) {
		return s.jm.Transition(id, from, to, detail, s.now())
	})
}

// RecordAttempt bumps the attempt counter and stores the last error.
func (s *Store) RecordAttempt(ctx context.Context, id types.JobID, lastError string) error {
	return s.mutateJob(ctx, id, wal.EventAttempt, func() (types.Job, error) {
		return s.jm.RecordAttempt(id, lastError, s.now())
	})
}

func (s *Store) mutateJob(ctx context.Context, id types.JobID, t wal.EventType, fn func() (types.Job, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, _ := s.jm.Job(id)
	job, err := fn()
	if err != nil {
		return err
	}
	if err := s.journal(t, wal.Event{JobID: id, Job: &job}); err != nil {
		s.jm.PutJob(prev)
		return err
	}
	return nil
}

// FindByStatus lists jobs in any of statuses, optionally for one user.
func (s *Store) FindByStatus(ctx context.Context, userID string, statuses ...types.JobStatus) ([]types.Job, error) {
	return s.jm.FindByStatus(userID, statuses...), nil
}

// FindByID returns the job or storage.ErrJobNotFound.
func (s *Store) FindByID(ctx context.Context, id types.JobID) (types.Job, error) {
	job, ok := s.jm.Job(id)
	if !ok {
		return types.Job{}, storage.ErrJobNotFound
	}
	return job, nil
}

// ============================================================================
// Maintenance
// ============================================================================

// Compact writes a snapshot of the current state and starts a fresh WAL.
// Writers are blocked for the duration so no event falls between the two.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	data := s.jm.Snapshot()
	data.LastSeq = s.wal.GetLastSeq()

	if err := s.snap.WriteWithBackup(data, s.cfg.SnapshotBackups); err != nil {
		return fmt.Errorf("filestore: write snapshot: %w", err)
	}
	archived, err := s.wal.Rotate()
	if err != nil {
		return fmt.Errorf("filestore: rotate wal: %w", err)
	}

	log.Info("filestore compacted",
		"jobs", len(data.Jobs),
		"devices", len(data.Devices),
		"last_seq", data.LastSeq,
		"archived_wal", archived,
		"duration", time.Since(start))
	return nil
}

// Stats returns job counts per status and the device count.
func (s *Store) Stats() map[string]int {
	return s.jm.Stats()
}

// Close flushes and closes the WAL.
func (s *Store) Close() error {
	return s.wal.Close()
}
