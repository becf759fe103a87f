// ============================================================================
// Deferred Dispatch Scheduler
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: Fire each armed job at its start time.
//
// Model:
//   A min-heap of (fireAt, seq, jobID) drained by a single loop goroutine
//   that sleeps on one timer until the earliest entry is due. Every armed
//   job has its own entry; equal fire times are not coalesced.
//
// Handoff:
//   A due job is passed to the Sink from its own goroutine, so a full
//   worker pool or a slow dispatch never holds up the loop.
//
// Dedupe:
//   Arm refuses a job that is armed or whose handoff is still running.
//   Nothing is kept once a handoff returns or a job is cancelled; a later
//   duplicate fire is a no-op in the dispatcher, which only delivers
//   Scheduled jobs and moves them with a Scheduled -> Running CAS.
//
// Retries:
//   Rearm puts a fired job back on the heap for another delivery attempt.
//   It may run before the first handoff has returned.
//
// ============================================================================

package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

var log = slog.Default()

// Sink receives jobs whose time has come.
type Sink interface {
	Fire(ctx context.Context, jobID types.JobID) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, jobID types.JobID) error

// Fire calls f.
func (f SinkFunc) Fire(ctx context.Context, jobID types.JobID) error {
	return f(ctx, jobID)
}

// Scheduler owns the armed timers.
type Scheduler struct {
	sink Sink
	now  func() time.Time

	mu      sync.Mutex
	heap    timerHeap
	entries map[types.JobID]*entry
	firing  map[types.JobID]int // handoffs in progress
	seq     uint64

	wake     chan struct{}
	handoffs sync.WaitGroup
	onFire   func(jobID types.JobID, lateness time.Duration)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithFireHook is called from the loop for every fired job with how late
// it fired relative to its scheduled time.
func WithFireHook(fn func(jobID types.JobID, lateness time.Duration)) Option {
	return func(s *Scheduler) { s.onFire = fn }
}

// New returns a scheduler handing due jobs to sink. Call Run to start it.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:    sink,
		now:     time.Now,
		entries: make(map[types.JobID]*entry),
		firing:  make(map[types.JobID]int),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Arm schedules jobID to fire at fireAt. A fire time in the past fires on
// the next loop iteration. Returns false if jobID is armed or being handed
// off.
func (s *Scheduler) Arm(jobID types.JobID, fireAt time.Time) bool {
	s.mu.Lock()
	if _, armed := s.entries[jobID]; armed || s.firing[jobID] > 0 {
		s.mu.Unlock()
		return false
	}
	s.push(jobID, fireAt)
	s.mu.Unlock()

	s.notify()
	return true
}

// Rearm schedules another fire of jobID at fireAt. Unlike Arm it accepts a
// job whose previous handoff has not returned yet. Returns false if jobID
// is already armed.
func (s *Scheduler) Rearm(jobID types.JobID, fireAt time.Time) bool {
	s.mu.Lock()
	if _, armed := s.entries[jobID]; armed {
		s.mu.Unlock()
		return false
	}
	s.push(jobID, fireAt)
	s.mu.Unlock()

	s.notify()
	return true
}

// push requires s.mu.
func (s *Scheduler) push(jobID types.JobID, fireAt time.Time) {
	s.seq++
	e := &entry{fireAt: fireAt, seq: s.seq, jobID: jobID}
	heap.Push(&s.heap, e)
	s.entries[jobID] = e
}

// Cancel removes an armed job. Returns false if it was not armed.
func (s *Scheduler) Cancel(jobID types.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, armed := s.entries[jobID]
	if !armed {
		return false
	}
	heap.Remove(&s.heap, e.index)
	delete(s.entries, jobID)
	s.notify()
	return true
}

// Len returns the number of armed jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// NextFireAt returns the earliest armed fire time.
func (s *Scheduler) NextFireAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].fireAt, true
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is done, then waits for in-flight handoffs.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	defer s.handoffs.Wait()

	for {
		due, wait := s.popDue()
		for _, e := range due {
			s.handoff(ctx, e)
		}

		if wait < 0 {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			log.Info("scheduler stopped", "armed", s.Len())
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// popDue removes every entry due by now and returns the delay until the
// next one, or -1 if nothing is armed.
func (s *Scheduler) popDue() ([]*entry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*entry
	for len(s.heap) > 0 && !s.heap[0].fireAt.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		delete(s.entries, e.jobID)
		s.firing[e.jobID]++
		due = append(due, e)
	}
	if len(s.heap) == 0 {
		return due, -1
	}
	return due, s.heap[0].fireAt.Sub(now)
}

func (s *Scheduler) handoff(ctx context.Context, e *entry) {
	lateness := s.now().Sub(e.fireAt)
	if s.onFire != nil {
		s.onFire(e.jobID, lateness)
	}
	log.Debug("timer fired", "jobID", e.jobID, "lateness", lateness)

	s.handoffs.Add(1)
	go func() {
		defer s.handoffs.Done()
		defer s.handedOff(e.jobID)
		if err := s.sink.Fire(ctx, e.jobID); err != nil {
			// the job stays Scheduled in the store and is re-armed by recovery
			log.Warn("handoff failed", "jobID", e.jobID, "error", err)
		}
	}()
}

func (s *Scheduler) handedOff(jobID types.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firing[jobID]--; s.firing[jobID] <= 0 {
		delete(s.firing, jobID)
	}
}
