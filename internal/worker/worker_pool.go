// ============================================================================
// Worker Pool - bounded concurrent task executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Manages the lifecycle of a fixed set of worker goroutines
//
// Design:
//   1. A fixed number of Worker goroutines run for the lifetime of the pool
//   2. Tasks are distributed through a shared buffered channel
//   3. Results are collected through a second buffered channel
//
//   ┌─────────────┐
//   │  Scheduler  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  │Worker 4│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool(buffer)           - create channels
//   2. Start(ctx, n, handler)    - launch n workers
//   3. Submit(task)              - enqueue a task
//   4. ReceiveResult*()          - read results
//   5. Stop()                    - close taskCh, wait for workers
//
// The pool knows nothing about chunks. Backpressure is the caller's job:
// the scheduler submits at most one chunk and drains its results before
// submitting the next.
//
// Shutdown:
//   Stop closes stopCh first, then takes sendMu exclusively before closing
//   taskCh. Submit holds sendMu shared for the duration of its send, so a
//   send can never race with the close.
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPoolClosed means the pool has been stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start has not been called yet
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted is returned by a second Start
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool manages a fixed number of concurrent Workers
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex   // guards started/stopped/workers
	sendMu   sync.RWMutex // orders Submit sends against close(taskCh)
}

// NewPool creates a pool whose task and result channels hold bufferSize items.
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers that run handler for each task.
// ctx is the parent of every per-task context; cancelling it aborts
// running tasks.
func (p *Pool) Start(ctx context.Context, workerCount int, handler Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}
	if handler == nil {
		return errors.New("worker handler is nil")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, ctx, handler, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit hands a task to the pool. It blocks while the task buffer is full.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

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
	}
}

// ReceiveResult blocks until a result is available or the pool stops.
func (p *Pool) ReceiveResult() (Result, error) {
	return p.ReceiveResultContext(context.Background())
}

// ReceiveResultContext is ReceiveResult bounded by ctx; it returns ctx.Err()
// when ctx is done first.
func (p *Pool) ReceiveResultContext(ctx context.Context) (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop shuts the pool down:
//  1. mark stopped
//  2. close stopCh so blocked senders give up
//  3. close taskCh once no Submit is mid-send
//  4. wait for workers to finish their current task
//  5. close resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()

	close(p.resultCh)
}

// GetWorkerCount returns the number of started workers
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has succeeded
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
