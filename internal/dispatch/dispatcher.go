// ============================================================================
// Dispatcher - payload delivery to device agents
// ============================================================================
//
// Package: internal/dispatch
// File: dispatcher.go
// Purpose: Deliver a fired job's payload to the agent that reported its
// device and move the job out of Scheduled.
//
// Flow (one attempt per fire):
//   1. load job; anything but Scheduled is a no-op
//   2. wait on the rate limiter, read the device's last SenderIP, open the
//      payload, POST multipart /deploy-code
//   3. 2xx                -> Transition(Scheduled -> Running)
//      missing payload    -> Transition(Scheduled -> Failed), no retry
//      error / non-2xx    -> RecordAttempt, return *RetryError
//      last attempt       -> RecordAttempt, Transition(Scheduled -> Failed)
//
// Retries:
//   The dispatcher never sleeps. A RetryError carries the backoff and the
//   caller re-arms the job, so the worker is free for other devices while
//   this one backs off. Attempts are counted on the stored job.
//
// Agent wire contract:
//   POST <scheme>://<senderIP>:<port>/deploy-code
//   multipart fields: file, folderName, dfuUploadName, device_id, jobId,
//   duration (seconds)
//
// Duplicates:
//   A job already being delivered by this process is skipped. Across
//   processes the Scheduled -> Running compare-and-set decides.
//
// Cancellation:
//   A cancelled context (shutdown) before the agent answers aborts without
//   touching the job. It stays Scheduled and is picked up by recovery on the
//   next start. Once the agent has answered, the status write ignores
//   cancellation.
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/ChuLiYu/iot-deployer/internal/errors"
	"github.com/ChuLiYu/iot-deployer/internal/metrics"
	"github.com/ChuLiYu/iot-deployer/internal/payload"
	"github.com/ChuLiYu/iot-deployer/internal/storage"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

var log = slog.Default()

const deployPath = "/deploy-code"

// errNoAddress is an attempt failure: the device never reported an address.
var errNoAddress = errors.New("device has no known address")

// RetryError reports a failed attempt with attempts left. The job stays
// Scheduled and should fire again After from now.
type RetryError struct {
	JobID   types.JobID
	Attempt int
	After   time.Duration
	Err     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("dispatch %s: attempt %d failed, retry in %s: %v", e.JobID, e.Attempt, e.After, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Config controls delivery.
type Config struct {
	Scheme        string        `yaml:"scheme"`
	AgentPort     int           `yaml:"agent_port"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

// DefaultConfig matches a stock device agent on port 3001.
func DefaultConfig() Config {
	return Config{
		Scheme:      "http",
		AgentPort:   3001,
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
		Burst:       1,
	}
}

// Dispatcher delivers jobs.
type Dispatcher struct {
	jobs     storage.JobStore
	devices  storage.DeviceStore
	payloads payload.Store
	cfg      Config
	client   *http.Client
	limiter  *rate.Limiter
	metrics  *metrics.Collector

	// jobs with a delivery in progress in this process
	inflight sync.Map
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithMetrics reports deliveries to m.
func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New builds a Dispatcher. Zero config fields take DefaultConfig values.
func New(jobs storage.JobStore, devices storage.DeviceStore, payloads payload.Store, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Scheme == "" {
		cfg.Scheme = def.Scheme
	}
	if cfg.AgentPort == 0 {
		cfg.AgentPort = def.AgentPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	d := &Dispatcher{
		jobs:     jobs,
		devices:  devices,
		payloads: payloads,
		cfg:      cfg,
		client:   &http.Client{},
		limiter:  rate.NewLimiter(limit, cfg.Burst),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch makes one delivery attempt. See the package header for the
// outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID types.JobID) error {
	job, err := d.jobs.FindByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			return apperrors.NotFound("Dispatch", "job %s", jobID)
		}
		return apperrors.Persistence("Dispatch", err)
	}
	if job.Status != types.StatusScheduled {
		log.Debug("dispatch skipped", "jobID", jobID, "status", job.Status)
		return nil
	}
	if _, busy := d.inflight.LoadOrStore(jobID, struct{}{}); busy {
		log.Debug("dispatch already in progress", "jobID", jobID)
		return nil
	}
	defer d.inflight.Delete(jobID)

	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	attempt := job.Attempt + 1
	started := time.Now()
	addr, err := d.address(ctx, job.DeviceID)
	if err == nil {
		err = d.send(ctx, addr, job)
	}
	if err == nil {
		d.metrics.RecordDispatched(time.Since(started))
		return d.finish(ctx, job, types.StatusRunning, "")
	}

	if errors.Is(err, payload.ErrPayloadMissing) {
		log.Error("payload missing, failing job", "jobID", jobID, "location", job.FilePath, "error", err)
		if ferr := d.finish(ctx, job, types.StatusFailed, err.Error()); ferr != nil {
			return ferr
		}
		return apperrors.Persistence("Dispatch", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	d.metrics.RecordDispatchFailure()
	if rerr := d.jobs.RecordAttempt(ctx, jobID, err.Error()); rerr != nil {
		log.Warn("failed to record attempt", "jobID", jobID, "error", rerr)
	}
	log.Warn("dispatch attempt failed", "jobID", jobID, "attempt", attempt, "max", d.cfg.MaxAttempts, "error", err)

	if attempt < d.cfg.MaxAttempts {
		return &RetryError{
			JobID:   jobID,
			Attempt: attempt,
			After:   d.backoff(attempt),
			Err:     apperrors.Dispatch("Dispatch", err),
		}
	}

	log.Error("dispatch retries exhausted", "jobID", jobID, "device", job.DeviceID, "error", err)
	if ferr := d.finish(ctx, job, types.StatusFailed, err.Error()); ferr != nil {
		return ferr
	}
	return apperrors.Dispatch("Dispatch", err)
}

// finish moves the job out of Scheduled. The write is detached from ctx:
// once the agent answered, a shutdown must not leave the job Scheduled.
// Losing the transition means another path already moved it, which is not
// an error.
func (d *Dispatcher) finish(ctx context.Context, job types.Job, to types.JobStatus, detail string) error {
	err := d.jobs.Transition(context.WithoutCancel(ctx), job.ID, types.StatusScheduled, to, detail)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrStatusConflict):
		log.Warn("job left Scheduled concurrently", "jobID", job.ID, "wanted", to)
		return nil
	default:
		return apperrors.Persistence("Dispatch", err)
	}

	if to == types.StatusFailed {
		d.metrics.RecordFailed()
	} else {
		log.Info("job dispatched", "jobID", job.ID, "device", job.DeviceID)
	}
	return nil
}

// address reads the device's current agent address. It is re-read on every
// attempt so a re-registration during backoff is honoured.
func (d *Dispatcher) address(ctx context.Context, deviceID string) (string, error) {
	dev, err := d.devices.Device(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("load device %s: %w", deviceID, err)
	}
	if dev.SenderIP == "" {
		return "", fmt.Errorf("%s: %w", deviceID, errNoAddress)
	}
	return net.JoinHostPort(dev.SenderIP, strconv.Itoa(d.cfg.AgentPort)), nil
}

// send performs one delivery to addr.
func (d *Dispatcher) send(ctx context.Context, addr string, job types.Job) error {
	body, err := d.payloads.Open(ctx, job.FilePath)
	if err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer body.Close()
		pw.CloseWithError(writeForm(mw, job, body))
	}()

	url := d.cfg.Scheme + "://" + addr + deployPath
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, pr)
	if err != nil {
		pr.CloseWithError(err)
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent %s returned %d: %s", addr, resp.StatusCode, msg)
	}
	// drain a bounded tail so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return nil
}

func writeForm(mw *multipart.Writer, job types.Job, file io.Reader) error {
	part, err := mw.CreateFormFile("file", payload.DisplayName(job.FilePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}

	fields := []struct{ name, value string }{
		{"folderName", job.FolderName},
		{"dfuUploadName", job.DFUUploadName},
		{"device_id", job.DeviceID},
		{"jobId", job.ID.String()},
		{"duration", strconv.FormatInt(job.Duration, 10)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return err
		}
	}
	return mw.Close()
}

// backoff is base * 2^(attempt-1), capped at MaxBackoff.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(2, float64(attempt-1))
	b := time.Duration(factor * float64(d.cfg.BaseBackoff))
	if b <= 0 || b > d.cfg.MaxBackoff {
		return d.cfg.MaxBackoff
	}
	return b
}
