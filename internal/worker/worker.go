// ============================================================================
// Claim Worker - Unit Execution
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Executes claim units; each Worker runs in its own goroutine
//
// How it works:
//   1. Receive job from taskCh (blocking wait)
//   2. Run the executor with a per-job timeout context
//   3. Send result to resultCh (blocking; the owner drains until close)
//   4. Repeat until taskCh is closed
//
// A panic inside the executor is converted to an error result so the unit
// goes through the normal retry path instead of killing the worker.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

var log = slog.Default()

// Worker represents a work execution unit
type Worker struct {
	id       int
	exec     Executor
	taskCh   <-chan Job
	resultCh chan<- Result
}

func newWorker(id int, exec Executor, taskCh <-chan Job, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		exec:     exec,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for job := range w.taskCh {
		w.resultCh <- w.execute(job)
	}
}

func (w *Worker) execute(job Job) (result Result) {
	start := time.Now()
	result.Unit = job.Unit

	ctx := context.Background()
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("worker recovered from panic", "worker", w.id, "unit_id", job.Unit.ID, "panic", r)
			result.Err = fmt.Errorf("worker panic: %v", r)
		}
		result.Duration = time.Since(start)
	}()

	result.Outcome, result.Err = w.exec.Process(ctx, job.Unit)
	return result
}
