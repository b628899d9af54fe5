// ============================================================================
// Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs repackaging tasks in its own goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Execute the handler under a per-task context timeout
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// Timeout Control:
//   Each task gets context.WithTimeout(parent, task.Timeout). The handler is
//   expected to pass ctx down to the cdo invocations so that a cancelled or
//   expired context kills the child process.
//
// Panics inside the handler are recovered and reported as a failed Result,
// so one bad task cannot take the worker down with it.
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // used for logging
	parent   context.Context
	handler  Handler
	taskCh   <-chan Task   // read-only
	resultCh chan<- Result // write-only
	stopCh   <-chan struct{}
}

func newWorker(id int, parent context.Context, handler Handler, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		parent:   parent,
		handler:  handler,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx, cancel := context.WithTimeout(w.parent, task.Timeout)
		err := w.execute(ctx, task)
		cancel()

		result := Result{
			ID:        task.ID,
			Timestamp: task.Timestamp,
			Success:   err == nil,
			Error:     err,
			Duration:  time.Since(start),
		}

		// resultCh is closed only after every worker has returned. Once the
		// pool is stopping nobody may be reading, so give up on the send.
		select {
		case w.resultCh <- result:
		case <-w.stopCh:
		}
	}
}

func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: task %s panicked: %v", w.id, task.ID, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return w.handler(ctx, task)
}
