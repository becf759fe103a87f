package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

// Task is one unit of work handed to the pool.
type Task struct {
	JobID   types.JobID   // job to act on
	Timeout time.Duration // upper bound for the whole execution, 0 = none
}

// Result reports how a Task ended.
type Result struct {
	JobID    types.JobID
	Success  bool
	Error    error
	Duration time.Duration
}

// Executor performs a Task. It is called from worker goroutines and must be
// safe for concurrent use.
type Executor func(ctx context.Context, task Task) error
