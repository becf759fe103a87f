// ============================================================================
// Job Manager - in-memory device and job state
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: Hold the authoritative in-memory copy of devices and jobs for the
// file-backed store, with per-status indices for fast listing.
//
// Data layout:
//   jobs     map[JobID]*Job          - single source of truth for jobs
//   byStatus map[JobStatus]set       - index, kept in sync with Job.Status
//   devices  map[deviceID]*Device    - watermarks and agent addresses
//
// Job state machine:
//   Scheduled --Transition--> Running --SetStatus--> Completed
//       └────────Transition--> Failed
//
//   Transition is a compare-and-set on the current status; it is what makes
//   a job dispatch at most once even when recovery and a live timer race.
//
// Concurrency:
//   sync.RWMutex guards every structure. Mutations take explicit timestamps
//   so that WAL replay reproduces exactly the recorded state.
//
// Snapshot support:
//   Snapshot() deep-copies all state, Restore() rebuilds maps and indices.
//
// ============================================================================

package jobmanager

import (
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/iot-deployer/internal/storage"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

const snapshotSchemaVersion = 1

// JobManager is the in-memory state behind the file-backed store.
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[types.JobID]*types.Job
	byStatus map[types.JobStatus]map[types.JobID]struct{}
	devices  map[string]*types.Device
}

// NewJobManager returns an empty, ready to use JobManager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:     make(map[types.JobID]*types.Job),
		byStatus: newStatusIndex(),
		devices:  make(map[string]*types.Device),
	}
}

func newStatusIndex() map[types.JobStatus]map[types.JobID]struct{} {
	return map[types.JobStatus]map[types.JobID]struct{}{
		types.StatusScheduled: {},
		types.StatusRunning:   {},
		types.StatusCompleted: {},
		types.StatusFailed:    {},
	}
}

// ============================================================================
// Devices
// ============================================================================

// Device returns a copy of the device.
func (jm *JobManager) Device(id string) (types.Device, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	d, ok := jm.devices[id]
	if !ok {
		return types.Device{}, false
	}
	return *d, true
}

// PutDevice stores d as-is.
func (jm *JobManager) PutDevice(d types.Device) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.devices[d.ID] = &d
}

// RemoveDevice deletes a device. Used to undo a failed journal write.
func (jm *JobManager) RemoveDevice(id string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	delete(jm.devices, id)
}

// Devices returns every device ordered by id.
func (jm *JobManager) Devices() []types.Device {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.Device, 0, len(jm.devices))
	for _, d := range jm.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (jm *JobManager) checkReservationLocked(c storage.ReservationCommit) (bool, error) {
	if _, exists := jm.jobs[c.Job.ID]; exists {
		return false, storage.ErrDuplicateJob
	}

	d, exists := jm.devices[c.DeviceID]
	if exists != c.Exists {
		return false, nil
	}
	if exists && !d.FreeAt.Equal(c.ExpectedFreeAt) {
		return false, nil
	}
	return true, nil
}

// ApplyReservation advances the device and inserts the job in one step.
//
// Returns:
//   - bool: false when the device state no longer matches c; nothing changes
//   - error: storage.ErrDuplicateJob when the job id is taken
func (jm *JobManager) ApplyReservation(c storage.ReservationCommit, now time.Time) (types.Device, types.Job, bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	ok, err := jm.checkReservationLocked(c)
	if err != nil || !ok {
		return types.Device{}, types.Job{}, ok, err
	}

	dev := types.Device{ID: c.DeviceID, SenderIP: c.SenderIP, FreeAt: c.NewFreeAt, UpdatedAt: now}
	if prev, exists := jm.devices[c.DeviceID]; exists && c.SenderIP == "" {
		dev.SenderIP = prev.SenderIP
	}
	jm.devices[dev.ID] = &dev

	job := c.Job
	job.Status = types.StatusScheduled
	job.CreatedAt = now.UnixMilli()
	job.UpdatedAt = job.CreatedAt
	jm.putJobLocked(job)

	return dev, job, true, nil
}

// ============================================================================
// Jobs
// ============================================================================

// Create inserts a new job. The status defaults to Scheduled.
func (jm *JobManager) Create(job types.Job, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return types.Job{}, storage.ErrDuplicateJob
	}
	if job.Status == "" {
		job.Status = types.StatusScheduled
	}
	job.CreatedAt = now.UnixMilli()
	job.UpdatedAt = job.CreatedAt
	jm.putJobLocked(job)
	return job, nil
}

// RemoveJob deletes a job. Used to undo a mutation whose journal write failed.
func (jm *JobManager) RemoveJob(id types.JobID) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if prev, exists := jm.jobs[id]; exists {
		delete(jm.byStatus[prev.Status], id)
		delete(jm.jobs, id)
	}
}

// PutJob stores job as-is, replacing any previous version. Used by replay.
func (jm *JobManager) PutJob(job types.Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.putJobLocked(job)
}

func (jm *JobManager) putJobLocked(job types.Job) {
	if prev, exists := jm.jobs[job.ID]; exists {
		delete(jm.byStatus[prev.Status], job.ID)
	}
	jm.jobs[job.ID] = &job
	if _, ok := jm.byStatus[job.Status]; !ok {
		jm.byStatus[job.Status] = make(map[types.JobID]struct{})
	}
	jm.byStatus[job.Status][job.ID] = struct{}{}
}

// Job returns a copy of the job.
func (jm *JobManager) Job(id types.JobID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	j, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return *j, true
}

// Transition moves a job from one status to another.
//
// Errors:
//   - storage.ErrJobNotFound: unknown id
//   - storage.ErrStatusConflict: current status is not from
func (jm *JobManager) Transition(id types.JobID, from, to types.JobStatus, detail string, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, storage.ErrJobNotFound
	}
	if job.Status != from {
		return types.Job{}, storage.ErrStatusConflict
	}
	return jm.setStatusLocked(job, to, detail, now), nil
}

// SetStatus overwrites the status of a job.
func (jm *JobManager) SetStatus(id types.JobID, status types.JobStatus, detail string, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, storage.ErrJobNotFound
	}
	return jm.setStatusLocked(job, status, detail, now), nil
}

func (jm *JobManager) setStatusLocked(job *types.Job, status types.JobStatus, detail string, now time.Time) types.Job {
	updated := *job
	updated.Status = status
	if detail != "" {
		updated.LastError = detail
	}
	updated.UpdatedAt = now.UnixMilli()
	jm.putJobLocked(updated)
	return updated
}

// RecordAttempt bumps the attempt counter of a job.
func (jm *JobManager) RecordAttempt(id types.JobID, lastError string, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, storage.ErrJobNotFound
	}
	updated := *job
	updated.Attempt++
	updated.LastError = lastError
	updated.UpdatedAt = now.UnixMilli()
	jm.putJobLocked(updated)
	return updated, nil
}

// FindByStatus lists jobs in any of statuses ordered by start time then id.
// An empty userID matches every user.
func (jm *JobManager) FindByStatus(userID string, statuses ...types.JobStatus) []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var out []types.Job
	for _, st := range statuses {
		for id := range jm.byStatus[st] {
			job := jm.jobs[id]
			if userID != "" && job.UserID != userID {
				continue
			}
			out = append(out, *job)
		}
	}
	sortJobs(out)
	return out
}

func sortJobs(jobs []types.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].StartTime.Equal(jobs[j].StartTime) {
			return jobs[i].StartTime.Before(jobs[j].StartTime)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

// Stats returns the number of jobs per status and the device count.
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return map[string]int{
		"scheduled": len(jm.byStatus[types.StatusScheduled]),
		"running":   len(jm.byStatus[types.StatusRunning]),
		"completed": len(jm.byStatus[types.StatusCompleted]),
		"failed":    len(jm.byStatus[types.StatusFailed]),
		"devices":   len(jm.devices),
	}
}

// ============================================================================
// Snapshot and restore
// ============================================================================

// Snapshot deep-copies the current state.
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		c := *job
		jobs[id] = &c
	}
	devices := make(map[string]*types.Device, len(jm.devices))
	for id, d := range jm.devices {
		c := *d
		devices[id] = &c
	}

	return types.SnapshotData{
		Devices:   devices,
		Jobs:      jobs,
		SchemaVer: snapshotSchemaVersion,
	}
}

// Restore replaces all state with data.
func (jm *JobManager) Restore(data types.SnapshotData) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	jm.byStatus = newStatusIndex()
	jm.devices = make(map[string]*types.Device, len(data.Devices))

	for _, job := range data.Jobs {
		if job == nil {
			continue
		}
		jm.putJobLocked(*job)
	}
	for id, d := range data.Devices {
		if d == nil {
			continue
		}
		c := *d
		jm.devices[id] = &c
	}
}
