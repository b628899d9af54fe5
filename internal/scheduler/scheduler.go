// ============================================================================
// Batch Scheduler - chunked dispatch of timestamps to the worker pool
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: Expand a BatchRequest into timestamps and drive them through a
//          fixed worker pool, one chunk at a time
//
// Flow:
//   BatchRequest ──Timestamps()──▶ [t0, t1, ... tN-1]
//                 ──Partition(4)──▶ [[t0..t3], [t4..t7], ...]
//
//   for each chunk:
//     submit every timestamp ──▶ pool (4 workers)
//     await len(chunk) results, each wait bounded by TaskTimeout
//       - wait expires       → ErrTaskTimeout, cancel run, abort batch
//       - task failed        → remember, keep draining the chunk
//     any failure in chunk   → abort batch with aggregated error
//
// Invariants:
//   - chunk k+1 is never submitted before chunk k has fully resolved
//   - at most PoolSize repackagings run at once
//   - outputs written before an abort are left in place
//
// Ledger:
//   Pending ──submit──▶ InFlight ──result──▶ Completed / Failed
//   Timed out tasks are marked Failed with ErrTaskTimeout.
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ChuLiYu/era5grib/internal/ledger"
	"github.com/ChuLiYu/era5grib/internal/metrics"
	"github.com/ChuLiYu/era5grib/internal/worker"
	"github.com/ChuLiYu/era5grib/pkg/types"
)

var log = slog.Default()

// Fixed execution parameters. They are not configurable.
const (
	PoolSize    = 4
	ChunkSize   = 4
	TaskTimeout = 600 * time.Second
)

// Output names and ledger ids stop at the minute.
const minFrequencySeconds = 60

var (
	// ErrTaskTimeout means a timestamp did not finish within TaskTimeout.
	ErrTaskTimeout = errors.New("task timed out")
	// ErrInvalidRequest means the batch request cannot be expanded.
	ErrInvalidRequest = errors.New("invalid batch request")
)

// Repackager produces the GRIB file for one timestamp.
type Repackager interface {
	Repackage(ctx context.Context, ts types.Timestamp, outputDir string) error
}

// Recorder receives scheduling metrics. *metrics.Collector implements it.
type Recorder interface {
	RecordSubmitted()
	RecordCompleted(d time.Duration)
	RecordFailed(d time.Duration)
	RecordTimedOut(n int)
	RecordChunk()
}

var _ Recorder = (*metrics.Collector)(nil)

type nopRecorder struct{}

func (nopRecorder) RecordSubmitted()              {}
func (nopRecorder) RecordCompleted(time.Duration) {}
func (nopRecorder) RecordFailed(time.Duration)    {}
func (nopRecorder) RecordTimedOut(int)            {}
func (nopRecorder) RecordChunk()                  {}

// Config wires the scheduler.
type Config struct {
	OutputDir  string
	Repackager Repackager
	Metrics    Recorder       // optional
	Ledger     *ledger.Ledger // optional, a fresh ledger is created if nil
}

// Scheduler runs one batch.
type Scheduler struct {
	config Config
	ledger *ledger.Ledger
	rec    Recorder

	poolSize    int
	chunkSize   int
	taskTimeout time.Duration
}

// New validates the configuration and returns a Scheduler.
func New(config Config) (*Scheduler, error) {
	if config.OutputDir == "" {
		return nil, errors.New("scheduler: output directory is required")
	}
	if config.Repackager == nil {
		return nil, errors.New("scheduler: repackager is required")
	}

	s := &Scheduler{
		config:      config,
		ledger:      config.Ledger,
		rec:         config.Metrics,
		poolSize:    PoolSize,
		chunkSize:   ChunkSize,
		taskTimeout: TaskTimeout,
	}
	if s.ledger == nil {
		s.ledger = ledger.New()
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	return s, nil
}

// Ledger returns the ledger the scheduler records into.
func (s *Scheduler) Ledger() *ledger.Ledger {
	return s.ledger
}

// Timestamps expands req into Count timestamps, start + i*frequency.
func Timestamps(req types.BatchRequest) ([]types.Timestamp, error) {
	if req.Count < 1 {
		return nil, fmt.Errorf("%w: count must be at least 1, got %d", ErrInvalidRequest, req.Count)
	}
	if req.Count > 1 && req.FrequencySeconds == 0 {
		return nil, fmt.Errorf("%w: frequency 0 repeats the start timestamp", ErrInvalidRequest)
	}
	if req.Count > 1 && abs(req.FrequencySeconds) < minFrequencySeconds {
		return nil, fmt.Errorf("%w: frequency %ds puts two timestamps in the same minute and output file %s<YYYYMMDDHHMM>.t+000",
			ErrInvalidRequest, req.FrequencySeconds, types.OutputPrefix)
	}

	out := make([]types.Timestamp, req.Count)
	for i := range out {
		out[i] = types.NewTimestamp(req.Start.Add(time.Duration(i) * req.Frequency()))
	}
	return out, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Partition splits list into consecutive chunks of at most size elements.
func Partition(list []types.Timestamp, size int) [][]types.Timestamp {
	if size <= 0 || len(list) == 0 {
		return nil
	}
	chunks := make([][]types.Timestamp, 0, (len(list)+size-1)/size)
	for start := 0; start < len(list); start += size {
		end := min(start+size, len(list))
		chunks = append(chunks, list[start:end])
	}
	return chunks
}

// Run repackages every timestamp of req. It returns on the first chunk that
// contains a failure, or immediately on a timeout.
func (s *Scheduler) Run(ctx context.Context, req types.BatchRequest) error {
	list, err := Timestamps(req)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.config.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for _, ts := range list {
		if err := s.ledger.Enqueue(ts); err != nil {
			return fmt.Errorf("enqueue %s: %w", ts.ID(), err)
		}
	}

	chunks := Partition(list, s.chunkSize)

	log.Info("Starting batch",
		"start", req.Start.ISO(),
		"count", req.Count,
		"frequency", req.Frequency(),
		"chunks", len(chunks),
		"workers", s.poolSize,
		"output", s.config.OutputDir)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := worker.NewPool(s.chunkSize)
	if err := pool.Start(runCtx, s.poolSize, s.handle); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	for i, chunk := range chunks {
		if err := s.runChunk(runCtx, pool, i, chunk); err != nil {
			if errors.Is(err, ErrTaskTimeout) || runCtx.Err() != nil {
				// Stop waits for handlers; a stuck one must not block the caller.
				cancel()
				go pool.Stop()
				return err
			}
			pool.Stop()
			return err
		}
	}

	pool.Stop()

	log.Info("Batch completed", "timestamps", len(list))
	return nil
}

func (s *Scheduler) handle(ctx context.Context, task worker.Task) error {
	return s.config.Repackager.Repackage(ctx, task.Timestamp, s.config.OutputDir)
}

func (s *Scheduler) runChunk(ctx context.Context, pool *worker.Pool, index int, chunk []types.Timestamp) error {
	log.Info("Submitting chunk", "chunk", index, "size", len(chunk))

	outstanding := make(map[types.TimestampID]time.Time, len(chunk))
	for _, ts := range chunk {
		if err := s.ledger.MarkInFlight(ts.ID()); err != nil {
			return err
		}
		task := worker.Task{
			ID:        ts.ID(),
			Timestamp: ts,
			Timeout:   s.taskTimeout,
		}
		submitted := time.Now()
		if err := pool.Submit(task); err != nil {
			if merr := s.ledger.MarkFailed(ts.ID(), err, 0); merr != nil {
				log.Debug("Ledger transition skipped", "timestamp", ts.ID(), "error", merr)
			}
			s.failAll(outstanding, err)
			return fmt.Errorf("submit %s: %w", ts.ID(), err)
		}
		outstanding[ts.ID()] = submitted
		s.rec.RecordSubmitted()
	}

	var failures *multierror.Error
	for len(outstanding) > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
		result, err := pool.ReceiveResultContext(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				s.failAll(outstanding, ctx.Err())
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return s.timeout(outstanding)
			}
			s.failAll(outstanding, err)
			return fmt.Errorf("receive result: %w", err)
		}

		if _, ok := outstanding[result.ID]; !ok {
			log.Warn("Ignoring result for unknown timestamp", "timestamp", result.ID)
			continue
		}
		if !result.Success && errors.Is(result.Error, context.DeadlineExceeded) {
			return s.timeout(outstanding)
		}
		delete(outstanding, result.ID)

		if result.Success {
			output := filepath.Join(s.config.OutputDir, result.Timestamp.OutputName())
			if err := s.ledger.MarkCompleted(result.ID, output, result.Duration); err != nil {
				log.Error("Failed to mark completed", "timestamp", result.ID, "error", err)
			}
			s.rec.RecordCompleted(result.Duration)
			log.Info("Timestamp done", "timestamp", result.ID, "duration", result.Duration)
			continue
		}

		if err := s.ledger.MarkFailed(result.ID, result.Error, result.Duration); err != nil {
			log.Error("Failed to mark failed", "timestamp", result.ID, "error", err)
		}
		s.rec.RecordFailed(result.Duration)
		log.Error("Timestamp failed", "timestamp", result.ID, "error", result.Error)
		failures = multierror.Append(failures, fmt.Errorf("%s: %w", result.ID, result.Error))
	}

	if err := failures.ErrorOrNil(); err != nil {
		return fmt.Errorf("chunk %d: %w", index, err)
	}
	s.rec.RecordChunk()
	return nil
}

// timeout marks every outstanding timestamp failed and builds the error.
func (s *Scheduler) timeout(outstanding map[types.TimestampID]time.Time) error {
	ids := make([]string, 0, len(outstanding))
	for id := range outstanding {
		ids = append(ids, string(id))
	}
	slices.Sort(ids)

	s.markFailed(outstanding, ErrTaskTimeout)
	s.rec.RecordTimedOut(len(outstanding))

	log.Error("Task timeout, aborting batch",
		"timeout", s.taskTimeout,
		"outstanding", strings.Join(ids, ","))
	return fmt.Errorf("%w after %s: %s", ErrTaskTimeout, s.taskTimeout, strings.Join(ids, ", "))
}

// failAll abandons every outstanding timestamp and counts each as failed.
func (s *Scheduler) failAll(outstanding map[types.TimestampID]time.Time, cause error) {
	for _, submitted := range outstanding {
		s.rec.RecordFailed(time.Since(submitted))
	}
	s.markFailed(outstanding, cause)
}

func (s *Scheduler) markFailed(outstanding map[types.TimestampID]time.Time, cause error) {
	for id, submitted := range outstanding {
		if err := s.ledger.MarkFailed(id, cause, time.Since(submitted)); err != nil {
			log.Debug("Ledger transition skipped", "timestamp", id, "error", err)
		}
	}
}
