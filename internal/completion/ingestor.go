// ============================================================================
// Completion Ingestor
// ============================================================================
//
// Package: internal/completion
// File: ingestor.go
// Purpose: Mark jobs Completed when their log bundle arrives, including
// bundles that arrive before the job record exists.
//
// Handshake:
//   Complete(id)    job exists  -> SetStatus(Completed)
//                   job absent  -> remember id as pending
//   JobCreated(id)  pending     -> SetStatus(Completed), forget id
//
//   Both paths run under one mutex, so a completion racing the creation of
//   its job is either seen by JobCreated or finds the job itself. Pending
//   entries expire after ttl and are process-local.
//
// ============================================================================

package completion

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/ChuLiYu/iot-deployer/internal/errors"
	"github.com/ChuLiYu/iot-deployer/internal/metrics"
	"github.com/ChuLiYu/iot-deployer/internal/storage"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

var log = slog.Default()

// DefaultPendingTTL bounds how long an early completion is kept.
const DefaultPendingTTL = 24 * time.Hour

// Ingestor applies completions.
type Ingestor struct {
	jobs    storage.JobStore
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Collector

	mu      sync.Mutex
	pending map[types.JobID]time.Time
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithPendingTTL sets how long early completions are buffered.
func WithPendingTTL(ttl time.Duration) Option {
	return func(in *Ingestor) {
		if ttl > 0 {
			in.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(in *Ingestor) { in.now = now }
}

// WithMetrics counts completions on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(in *Ingestor) { in.metrics = m }
}

// NewIngestor returns an Ingestor writing to jobs.
func NewIngestor(jobs storage.JobStore, opts ...Option) *Ingestor {
	in := &Ingestor{
		jobs:    jobs,
		ttl:     DefaultPendingTTL,
		now:     time.Now,
		pending: make(map[types.JobID]time.Time),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Complete records that the log bundle of id arrived. It returns false when
// the job does not exist yet and the completion was buffered.
func (in *Ingestor) Complete(ctx context.Context, id types.JobID) (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.expireLocked()

	err := in.jobs.SetStatus(ctx, id, types.StatusCompleted, "")
	switch {
	case err == nil:
		delete(in.pending, id)
		in.metrics.RecordCompleted()
		log.Info("job completed", "jobID", id)
		return true, nil
	case errors.Is(err, storage.ErrJobNotFound):
		in.pending[id] = in.now()
		log.Info("completion buffered for unknown job", "jobID", id)
		return false, nil
	default:
		return false, apperrors.Persistence("Complete", err)
	}
}

// JobCreated applies a buffered completion for id, if any.
func (in *Ingestor) JobCreated(ctx context.Context, id types.JobID) (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.expireLocked()

	if _, ok := in.pending[id]; !ok {
		return false, nil
	}
	if err := in.jobs.SetStatus(ctx, id, types.StatusCompleted, ""); err != nil {
		return false, apperrors.Persistence("JobCreated", err)
	}
	delete(in.pending, id)
	in.metrics.RecordCompleted()
	log.Info("buffered completion applied", "jobID", id)
	return true, nil
}

// Pending returns the number of buffered completions.
func (in *Ingestor) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.expireLocked()
	return len(in.pending)
}

func (in *Ingestor) expireLocked() {
	cutoff := in.now().Add(-in.ttl)
	for id, at := range in.pending {
		if at.Before(cutoff) {
			delete(in.pending, id)
			log.Warn("dropping expired buffered completion", "jobID", id, "receivedAt", at)
		}
	}
}
