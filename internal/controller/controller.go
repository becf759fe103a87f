// ============================================================================
// Deployer Controller - core coordinator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Wire the booking, timer, dispatch, recovery and completion
// components together and own their lifecycle.
//
// Components:
//   - availability.Tracker  per-device timeline and atomic reservation
//   - scheduler.Scheduler   one loop firing (startTime, jobID) timers
//   - worker.Pool           runs dispatches off the scheduler loop
//   - dispatch.Dispatcher   delivers payloads to device agents
//   - recovery.Manager      re-arms Scheduled jobs at startup
//   - completion.Ingestor   marks jobs Completed, buffers early bundles
//
// Submission path:
//   AllocateJobID -> payload Save -> Reserve (watermark + job, atomic)
//   -> Arm -> JobCreated (apply a buffered completion)
//
// Retries:
//   A failed attempt returns dispatch.RetryError; the job is re-armed at
//   now+backoff and the worker is released, so a dead agent never holds a
//   worker while it backs off.
//
// Background loops:
//   1. Scheduler loop - fires due timers into the pool
//   2. Result loop    - logs dispatch outcomes from the pool
//   3. Snapshot loop  - compacts backends that support it
//
// Shutdown order:
//   close(stopCh) -> cancel scheduler -> pool.Stop -> loopWg.Wait ->
//   final compaction. In-flight dispatches are cancelled; their jobs stay
//   Scheduled and are recovered on the next start.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/iot-deployer/internal/availability"
	"github.com/ChuLiYu/iot-deployer/internal/completion"
	"github.com/ChuLiYu/iot-deployer/internal/dispatch"
	apperrors "github.com/ChuLiYu/iot-deployer/internal/errors"
	"github.com/ChuLiYu/iot-deployer/internal/jobid"
	"github.com/ChuLiYu/iot-deployer/internal/metrics"
	"github.com/ChuLiYu/iot-deployer/internal/payload"
	"github.com/ChuLiYu/iot-deployer/internal/recovery"
	"github.com/ChuLiYu/iot-deployer/internal/scheduler"
	"github.com/ChuLiYu/iot-deployer/internal/storage"
	"github.com/ChuLiYu/iot-deployer/internal/worker"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

var log = slog.Default()

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("controller stopped")

// ============================================================================
// Configuration
// ============================================================================

// Config controls the controller.
type Config struct {
	WorkerCount      int           // dispatch workers
	QueueSize        int           // fired jobs waiting for a worker
	SnapshotInterval time.Duration // compaction period, 0 disables
	JobIDScheme      jobid.Scheme  // legacy or wide
	MaxIDRetries     int           // salted re-derivations on id collision
	Dispatch         dispatch.Config
	PendingTTL       time.Duration // buffered completions
}

func (c *Config) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.JobIDScheme == "" {
		c.JobIDScheme = jobid.SchemeWide
	}
	if c.MaxIDRetries <= 0 {
		c.MaxIDRetries = 8
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics reports to m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClaimer sets the recovery claim backend.
func WithClaimer(cl recovery.Claimer) Option {
	return func(c *Controller) { c.claimer = cl }
}

// WithClock replaces time.Now for submissions.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithDispatchOptions passes options to the dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(c *Controller) { c.dispatchOpts = append(c.dispatchOpts, opts...) }
}

// ============================================================================
// Controller
// ============================================================================

// Controller coordinates every component.
type Controller struct {
	config   Config
	store    storage.Store
	payloads payload.Store
	logs     *completion.LogStore

	ids      jobid.Generator
	tracker  *availability.Tracker
	sched    *scheduler.Scheduler
	pool     *worker.Pool
	disp     *dispatch.Dispatcher
	recovery *recovery.Manager
	ingest   *completion.Ingestor

	metrics      *metrics.Collector
	claimer      recovery.Claimer
	dispatchOpts []dispatch.Option
	now          func() time.Time

	mu         sync.Mutex
	started    bool
	stopped    bool
	ready      atomic.Bool
	startTime  time.Time
	lastReport recovery.Report
	stopCh     chan struct{}
	cancel     context.CancelFunc
	loopWg     sync.WaitGroup
}

// New builds a Controller. It does not start anything.
func New(config Config, store storage.Store, payloads payload.Store, logs *completion.LogStore, opts ...Option) *Controller {
	config.applyDefaults()

	c := &Controller{
		config:   config,
		store:    store,
		payloads: payloads,
		logs:     logs,
		ids:      jobid.NewGenerator(config.JobIDScheme),
		claimer:  recovery.NoopClaimer{},
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.tracker = availability.NewTracker(store, availability.WithClock(c.now))
	c.disp = dispatch.New(store, store, payloads, config.Dispatch,
		append([]dispatch.Option{dispatch.WithMetrics(c.metrics)}, c.dispatchOpts...)...)
	c.pool = worker.NewPool(config.QueueSize, c.dispatch)
	c.sched = scheduler.New(scheduler.SinkFunc(c.fire), scheduler.WithFireHook(c.onFire))
	c.recovery = recovery.NewManager(store, payloads, c,
		recovery.WithClaimer(c.claimer), recovery.WithMetrics(c.metrics))
	c.ingest = completion.NewIngestor(store,
		completion.WithPendingTTL(config.PendingTTL), completion.WithMetrics(c.metrics))
	return c
}

// Start runs recovery, then the pool and the background loops.
//
// Flow:
//  1. recovery: re-arm Scheduled jobs (timers queue up, nothing fires yet)
//  2. worker pool
//  3. scheduler, result and snapshot loops
//  4. mark ready
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.startTime = time.Now()
	c.mu.Unlock()

	log.Info("Starting recovery...")
	report, err := c.recovery.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	c.mu.Lock()
	c.lastReport = report
	c.mu.Unlock()

	if err := c.pool.Start(c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.loopWg.Add(3)
	go func() {
		defer c.loopWg.Done()
		c.sched.Run(runCtx)
		log.Info("Scheduler loop stopped")
	}()
	go c.resultLoop()
	go c.snapshotLoop()

	c.ready.Store(true)
	log.Info("Controller started",
		"workers", c.config.WorkerCount,
		"armed", c.sched.Len(),
		"recovery", report.Took)
	return nil
}

// Ready reports whether recovery finished and the controller accepts work.
func (c *Controller) Ready() bool {
	return c.ready.Load()
}

// Arm arms a timer and updates the gauge. Recovery arms through here.
func (c *Controller) Arm(id types.JobID, at time.Time) bool {
	ok := c.sched.Arm(id, at)
	c.metrics.SetArmedTimers(c.sched.Len())
	return ok
}

// fire hands a due job to the pool. It runs on a scheduler handoff
// goroutine, so blocking on a full queue stalls nothing else.
func (c *Controller) fire(ctx context.Context, id types.JobID) error {
	return c.pool.Submit(ctx, worker.Task{JobID: id})
}

// dispatch runs one delivery attempt on a worker. A retryable failure is
// re-armed on the scheduler and the worker moves on.
func (c *Controller) dispatch(ctx context.Context, task worker.Task) error {
	err := c.disp.Dispatch(ctx, task.JobID)
	var retry *dispatch.RetryError
	if errors.As(err, &retry) {
		c.sched.Rearm(task.JobID, time.Now().Add(retry.After))
		c.metrics.SetArmedTimers(c.sched.Len())
	}
	return err
}

func (c *Controller) onFire(id types.JobID, lateness time.Duration) {
	c.metrics.RecordFired(lateness)
	c.metrics.SetArmedTimers(c.sched.Len())
}

// ============================================================================
// Background loops
// ============================================================================

// resultLoop drains pool results until the pool closes.
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				log.Info("Result loop stopped")
				return
			}
			log.Error("Failed to receive result", "error", err)
			continue
		}
		c.handleResult(result)
	}
}

// handleResult logs one dispatch outcome. Status changes were already
// written by the dispatcher.
func (c *Controller) handleResult(result worker.Result) {
	var retry *dispatch.RetryError
	switch {
	case result.Success:
		log.Debug("dispatch finished", "jobID", result.JobID, "duration", result.Duration)
	case errors.As(result.Error, &retry):
		log.Info("dispatch re-armed",
			"jobID", result.JobID,
			"attempt", retry.Attempt,
			"retryIn", retry.After)
	case errors.Is(result.Error, context.Canceled):
		log.Info("dispatch cancelled, job stays Scheduled", "jobID", result.JobID)
	default:
		log.Warn("dispatch failed",
			"jobID", result.JobID,
			"kind", apperrors.KindOf(result.Error),
			"error", result.Error)
	}
}

// snapshotLoop compacts the store periodically when it supports it.
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()

	compactor, ok := c.store.(storage.Compactor)
	if !ok || c.config.SnapshotInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := compactor.Compact(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// ============================================================================
// Submissions
// ============================================================================

// Submission is an accepted upload waiting to be booked.
type Submission struct {
	ID            types.JobID
	UserID        string
	DeviceID      string
	FolderName    string
	DFUUploadName string
	Duration      time.Duration
	SubmitterIP   string
	FilePath      string
	CreatedAt     time.Time
}

func (s Submission) validate(op string) error {
	switch {
	case s.DeviceID == "":
		return apperrors.Validation(op, "deviceId is required")
	case s.FolderName == "":
		return apperrors.Validation(op, "folderName is required")
	case s.DFUUploadName == "":
		return apperrors.Validation(op, "dfuUploadName is required")
	case s.UserID == "":
		return apperrors.Validation(op, "userId is required")
	case s.Duration < time.Second:
		return apperrors.Validation(op, "duration must be at least one second")
	}
	return nil
}

// AllocateJobID derives an id for attrs that no stored job uses. A taken id
// is re-derived with an increasing salt.
func (c *Controller) AllocateJobID(ctx context.Context, attrs jobid.Attributes) (types.JobID, error) {
	const op = "AllocateJobID"
	for salt := 0; salt <= c.config.MaxIDRetries; salt++ {
		id := c.ids.Derive(attrs, salt)
		_, err := c.store.FindByID(ctx, id)
		if errors.Is(err, storage.ErrJobNotFound) {
			return id, nil
		}
		if err != nil {
			return 0, apperrors.Persistence(op, err)
		}
		log.Warn("job id collision", "jobID", id, "salt", salt, "device", attrs.DeviceID)
	}
	return 0, apperrors.Conflict(op, "no free job id after %d attempts", c.config.MaxIDRetries+1)
}

// Submit books an uploaded job. sub.ID and sub.FilePath must be set.
func (c *Controller) Submit(ctx context.Context, sub Submission) (types.Job, error) {
	const op = "Submit"
	if err := sub.validate(op); err != nil {
		return types.Job{}, err
	}
	if sub.FilePath == "" {
		return types.Job{}, apperrors.Validation(op, "payload location is required")
	}
	if !c.Ready() {
		return types.Job{}, apperrors.New(apperrors.KindInternal, op, "not ready")
	}

	now := c.now()
	res, err := c.tracker.Reserve(ctx, availability.Request{
		DeviceID:    sub.DeviceID,
		Duration:    sub.Duration,
		SubmitterIP: sub.SubmitterIP,
		Now:         now,
		Job: types.Job{
			ID:            sub.ID,
			UserID:        sub.UserID,
			FolderName:    sub.FolderName,
			DFUUploadName: sub.DFUUploadName,
			FilePath:      sub.FilePath,
		},
	})
	if err != nil {
		return types.Job{}, err
	}

	c.Arm(sub.ID, res.StartTime)
	c.metrics.RecordSubmitted(res.StartTime.Sub(now))
	log.Info("job scheduled",
		"jobID", sub.ID,
		"device", sub.DeviceID,
		"start", res.StartTime,
		"freeAt", res.FreeAt)

	job := res.Job
	applied, err := c.ingest.JobCreated(ctx, sub.ID)
	if err != nil {
		log.Error("failed to apply buffered completion", "jobID", sub.ID, "error", err)
	}
	if applied {
		c.sched.Cancel(sub.ID)
		job.Status = types.StatusCompleted
	}
	return job, nil
}

// Schedule is the whole upload transaction: the id is allocated before the
// payload is stored under it, and the payload is removed again if booking
// fails.
func (c *Controller) Schedule(ctx context.Context, sub Submission, fileName string, file io.Reader) (types.Job, error) {
	const op = "Schedule"
	if err := sub.validate(op); err != nil {
		return types.Job{}, err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = c.now()
	}

	id, err := c.AllocateJobID(ctx, jobid.Attributes{
		CreatedAt:  sub.CreatedAt,
		DeviceID:   sub.DeviceID,
		FolderName: sub.FolderName,
	})
	if err != nil {
		return types.Job{}, err
	}
	sub.ID = id

	loc, err := c.payloads.Save(ctx, id, fileName, file)
	if err != nil {
		return types.Job{}, apperrors.Persistence(op, err)
	}
	sub.FilePath = loc

	job, err := c.Submit(ctx, sub)
	if err != nil {
		if rerr := c.payloads.Remove(context.WithoutCancel(ctx), loc); rerr != nil {
			log.Warn("failed to remove orphaned payload", "location", loc, "error", rerr)
		}
		return types.Job{}, err
	}
	return job, nil
}

// ============================================================================
// Completion and devices
// ============================================================================

// Complete marks a job Completed after its log bundle was stored. It
// returns false when the job is unknown and the completion was buffered.
func (c *Controller) Complete(ctx context.Context, id types.JobID) (bool, error) {
	applied, err := c.ingest.Complete(ctx, id)
	if err != nil {
		return false, err
	}
	if applied {
		// a bundle for a job that never fired disarms its timer
		if c.sched.Cancel(id) {
			c.metrics.SetArmedTimers(c.sched.Len())
		}
	}
	return applied, nil
}

// SaveLog stores one file of a job's log bundle.
func (c *Controller) SaveLog(ctx context.Context, id types.JobID, name string, r io.Reader) (completion.LogFile, error) {
	return c.logs.Save(ctx, id, name, r)
}

// Logs returns the log store.
func (c *Controller) Logs() *completion.LogStore {
	return c.logs
}

// RegisterDevices records a self-report of ids from ip.
func (c *Controller) RegisterDevices(ctx context.Context, ids []string, ip string) ([]types.Device, error) {
	out := make([]types.Device, 0, len(ids))
	for _, id := range ids {
		d, err := c.tracker.Register(ctx, id, ip)
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Devices lists every known device.
func (c *Controller) Devices(ctx context.Context) ([]types.Device, error) {
	devices, err := c.store.List(ctx)
	if err != nil {
		return nil, apperrors.Persistence("Devices", err)
	}
	return devices, nil
}

// Availability returns the next free slot of one device.
func (c *Controller) Availability(ctx context.Context, deviceID string) (availability.Slot, error) {
	return c.tracker.Availability(ctx, deviceID)
}

// AllAvailability returns the next free slot of every device.
func (c *Controller) AllAvailability(ctx context.Context) ([]availability.Slot, error) {
	return c.tracker.AllAvailability(ctx)
}

// Job returns one job.
func (c *Controller) Job(ctx context.Context, id types.JobID) (types.Job, error) {
	job, err := c.store.FindByID(ctx, id)
	if errors.Is(err, storage.ErrJobNotFound) {
		return types.Job{}, apperrors.NotFound("Job", "job %s", id)
	}
	if err != nil {
		return types.Job{}, apperrors.Persistence("Job", err)
	}
	return job, nil
}

// Jobs lists jobs in statuses, optionally for one user.
func (c *Controller) Jobs(ctx context.Context, userID string, statuses ...types.JobStatus) ([]types.Job, error) {
	jobs, err := c.store.FindByStatus(ctx, userID, statuses...)
	if err != nil {
		return nil, apperrors.Persistence("Jobs", err)
	}
	if jobs == nil {
		jobs = []types.Job{}
	}
	return jobs, nil
}

// ============================================================================
// Status and shutdown
// ============================================================================

// Status is a point-in-time summary.
type Status struct {
	Ready              bool            `json:"ready"`
	Uptime             string          `json:"uptime"`
	Workers            int             `json:"workers"`
	Busy               int             `json:"busy"`
	Queued             int             `json:"queued"`
	Armed              int             `json:"armed"`
	PendingCompletions int             `json:"pendingCompletions"`
	Jobs               map[string]int  `json:"jobs"`
	Recovery           recovery.Report `json:"recovery"`
}

// Status returns the current summary.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	report := c.lastReport
	uptime := time.Since(c.startTime)
	c.mu.Unlock()

	counts := make(map[string]int, 4)
	for _, st := range []types.JobStatus{types.StatusScheduled, types.StatusRunning, types.StatusCompleted, types.StatusFailed} {
		jobs, err := c.store.FindByStatus(ctx, "", st)
		if err != nil {
			return Status{}, apperrors.Persistence("Status", err)
		}
		counts[string(st)] = len(jobs)
	}

	return Status{
		Ready:              c.Ready(),
		Uptime:             uptime.Truncate(time.Second).String(),
		Workers:            c.config.WorkerCount,
		Busy:               c.pool.Busy(),
		Queued:             c.pool.Queued(),
		Armed:              c.sched.Len(),
		PendingCompletions: c.ingest.Pending(),
		Jobs:               counts,
		Recovery:           report,
	}, nil
}

// Stop shuts everything down. It is safe to call more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	log.Info("Stopping controller...")
	c.ready.Store(false)

	// 1. loops that watch stopCh return
	close(c.stopCh)

	// 2. the scheduler loop returns once its handoffs have
	if c.cancel != nil {
		c.cancel()
	}

	// 3. cancels in-flight dispatches and closes results, ending resultLoop
	c.pool.Stop()

	// 4. nothing touches the store after this
	c.loopWg.Wait()

	if compactor, ok := c.store.(storage.Compactor); ok && started {
		if err := compactor.Compact(); err != nil {
			log.Error("Failed to take final snapshot", "error", err)
		}
	}
	log.Info("Controller stopped")
}
