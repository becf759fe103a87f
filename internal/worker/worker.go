// ============================================================================
// Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes tasks; each Worker runs in its own goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the executor under a per-task timeout derived from the pool context
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// Timeout Control:
//   Each task gets context.WithTimeout(poolCtx, task.Timeout). Stopping the
//   pool cancels poolCtx, so queued tasks return quickly with context.Canceled.
//
// Panics:
//   A panicking executor is recovered and reported as a failed Result; the
//   worker keeps serving.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

var log = slog.Default()

// Worker represents a work execution unit
type Worker struct {
	id       int
	ctx      context.Context
	exec     Executor
	taskCh   <-chan Task
	resultCh chan<- Result
	busy     *atomic.Int64
}

func newWorker(id int, ctx context.Context, exec Executor, taskCh <-chan Task, resultCh chan<- Result, busy *atomic.Int64) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		exec:     exec,
		taskCh:   taskCh,
		resultCh: resultCh,
		busy:     busy,
	}
}

// Run is the main loop of the Worker.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		w.busy.Add(1)
		err := w.execute(task)
		w.busy.Add(-1)

		result := Result{
			JobID:    task.JobID,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		default:
			log.Warn("result channel full, dropping result", "worker", w.id, "jobID", task.JobID)
		}
	}
}

func (w *Worker) execute(task Task) (err error) {
	ctx := w.ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("worker recovered from panic", "worker", w.id, "jobID", task.JobID, "panic", r)
			err = fmt.Errorf("worker %d: panic: %v", w.id, r)
		}
	}()

	return w.exec(ctx, task)
}
