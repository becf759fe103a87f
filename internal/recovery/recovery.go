// ============================================================================
// Recovery Manager - startup re-arming of persisted jobs
// ============================================================================
//
// Package: internal/recovery
// File: recovery.go
// Purpose: Rebuild the in-memory timer queue from jobs that were Scheduled
// when the process last stopped.
//
// Recovery flow:
//   ┌──────────────────────────┐
//   │ FindByStatus(Scheduled)  │
//   └────────────┬─────────────┘
//                ↓ for each job
//   ┌──────────────────────────┐   not ours
//   │ Claimer.Claim(job)       │ ──────────→ skipped
//   └────────────┬─────────────┘
//                ↓
//   ┌──────────────────────────┐   missing
//   │ payload Stat(FilePath)   │ ──────────→ Scheduled -> Failed
//   └────────────┬─────────────┘
//                ↓
//   ┌──────────────────────────┐
//   │ Arm(job, StartTime)      │   past start fires immediately
//   └──────────────────────────┘
//
// Idempotence:
//   The scheduler arms a job at most once and the dispatcher moves it out
//   of Scheduled with a compare-and-set, so running Recover twice (or
//   recovering while a live timer fires) still dispatches a job once.
//
//   Running jobs are only counted: the agent owns them until the log
//   bundle arrives.
//
// ============================================================================

package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/ChuLiYu/iot-deployer/internal/errors"
	"github.com/ChuLiYu/iot-deployer/internal/metrics"
	"github.com/ChuLiYu/iot-deployer/internal/payload"
	"github.com/ChuLiYu/iot-deployer/internal/storage"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

var log = slog.Default()

// Armer is the part of the scheduler recovery needs.
type Armer interface {
	Arm(id types.JobID, fireAt time.Time) bool
}

// Report summarizes one recovery run.
type Report struct {
	Scheduled    int           `json:"scheduled"`    // Scheduled jobs found
	Rearmed      int           `json:"rearmed"`      // timers armed for the future
	Overdue      int           `json:"overdue"`      // start already passed, fired now
	AlreadyArmed int           `json:"alreadyArmed"` // timer existed in this process
	Skipped      int           `json:"skipped"`      // claimed by another instance
	Failed       int           `json:"failed"`       // payload missing, marked Failed
	Errors       int           `json:"errors"`       // claim or store errors, left Scheduled
	Running      int           `json:"running"`      // Running jobs left to their agents
	Took         time.Duration `json:"took"`
}

// Manager re-arms persisted jobs.
type Manager struct {
	jobs     storage.JobStore
	payloads payload.Store
	armer    Armer
	claimer  Claimer
	metrics  *metrics.Collector
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClaimer sets the claim backend. The default grants every claim.
func WithClaimer(c Claimer) Option {
	return func(m *Manager) { m.claimer = c }
}

// WithMetrics reports recovery time and re-armed jobs.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager.
func NewManager(jobs storage.JobStore, payloads payload.Store, armer Armer, opts ...Option) *Manager {
	m := &Manager{
		jobs:     jobs,
		payloads: payloads,
		armer:    armer,
		claimer:  NoopClaimer{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Recover re-arms every Scheduled job. Per-job problems are counted in the
// report; only failing to list jobs aborts the run.
func (m *Manager) Recover(ctx context.Context) (Report, error) {
	started := m.now()
	var rep Report

	scheduled, err := m.jobs.FindByStatus(ctx, "", types.StatusScheduled)
	if err != nil {
		return rep, apperrors.Persistence("Recover", err)
	}
	rep.Scheduled = len(scheduled)

	for _, job := range scheduled {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		m.recoverJob(ctx, job, &rep)
	}

	running, err := m.jobs.FindByStatus(ctx, "", types.StatusRunning)
	if err != nil {
		return rep, apperrors.Persistence("Recover", err)
	}
	rep.Running = len(running)

	rep.Took = m.now().Sub(started)
	m.metrics.RecordRecovery(rep.Took, rep.Rearmed+rep.Overdue)

	log.Info("recovery finished",
		"scheduled", rep.Scheduled,
		"rearmed", rep.Rearmed,
		"overdue", rep.Overdue,
		"failed", rep.Failed,
		"skipped", rep.Skipped,
		"errors", rep.Errors,
		"running", rep.Running,
		"took", rep.Took)
	return rep, nil
}

func (m *Manager) recoverJob(ctx context.Context, job types.Job, rep *Report) {
	ok, err := m.claimer.Claim(ctx, job.ID)
	if err != nil {
		rep.Errors++
		log.Warn("recovery claim failed", "jobID", job.ID, "error", err)
		return
	}
	if !ok {
		rep.Skipped++
		log.Debug("job claimed by another instance", "jobID", job.ID)
		return
	}

	if _, err := m.payloads.Stat(ctx, job.FilePath); err != nil {
		if !errors.Is(err, payload.ErrPayloadMissing) {
			// transient; the dispatcher reports it per attempt
			log.Warn("payload check failed, arming anyway", "jobID", job.ID, "error", err)
		} else {
			m.failMissing(ctx, job, err, rep)
			return
		}
	}

	if !m.armer.Arm(job.ID, job.StartTime) {
		rep.AlreadyArmed++
		return
	}
	if job.StartTime.After(m.now()) {
		rep.Rearmed++
	} else {
		rep.Overdue++
		log.Info("overdue job fires now", "jobID", job.ID, "startTime", job.StartTime)
	}
}

func (m *Manager) failMissing(ctx context.Context, job types.Job, cause error, rep *Report) {
	perr := apperrors.Persistence("Recover", cause)
	err := m.jobs.Transition(ctx, job.ID, types.StatusScheduled, types.StatusFailed, perr.Error())
	switch {
	case err == nil:
		rep.Failed++
		m.metrics.RecordFailed()
		log.Error("payload missing, job failed", "jobID", job.ID, "location", job.FilePath)
	case errors.Is(err, storage.ErrStatusConflict):
		// moved on concurrently; nothing to recover
	default:
		rep.Errors++
		log.Error("failed to mark job failed", "jobID", job.ID, "error", fmt.Errorf("%w: %v", err, cause))
	}
	if rerr := m.claimer.Release(ctx, job.ID); rerr != nil {
		log.Warn("release claim failed", "jobID", job.ID, "error", rerr)
	}
}
