// ============================================================================
// Worker Pool - concurrent task executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manage the lifecycle of Worker goroutines and distribute tasks
//
// Architecture:
//   ┌─────────────┐
//   │  Scheduler  │ --Submit()--> taskCh
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh ──→ ReceiveResult()
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool(buffer, exec) - create channels
//   2. Start(n)              - start n workers
//   3. Submit(ctx, task)     - enqueue, blocks while the buffer is full
//   4. ReceiveResult()       - read results
//   5. Stop()                - reject new tasks, cancel the pool context,
//                              wait for workers, close resultCh
//
// Shutdown safety:
//   Senders hold sendMu.RLock while they may write to taskCh. Stop closes
//   stopCh first (which unblocks every waiting sender), then takes
//   sendMu.Lock before closing taskCh, so a send on a closed channel cannot
//   happen.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolClosed is returned when the pool has been stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned when Submit is called before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool runs tasks on a fixed set of workers.
type Pool struct {
	exec     Executor
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	busy     atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // started, stopped, workers
	started bool
	stopped bool

	sendMu sync.RWMutex
}

// NewPool creates a pool whose task and result channels hold bufferSize items.
func NewPool(bufferSize int, exec Executor) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		exec:     exec,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.ctx, p.exec, p.taskCh, p.resultCh, &p.busy)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit enqueues task. It blocks while the buffer is full, until ctx is
// done or the pool stops.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()
	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolClosed
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveResult blocks for the next result. It returns ErrPoolClosed once the
// pool has stopped and every result has been read.
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop shuts the pool down:
//  1. mark stopped and close stopCh (blocked senders return ErrPoolClosed)
//  2. cancel the pool context (running tasks see ctx.Done())
//  3. close taskCh once no sender holds it, let workers drain and exit
//  4. close resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		p.cancel()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.cancel()

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has been called.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Busy returns the number of workers currently executing a task.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Queued returns the number of tasks waiting in the buffer.
func (p *Pool) Queued() int {
	return len(p.taskCh)
}
