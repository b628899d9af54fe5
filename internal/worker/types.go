package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/era5grib/pkg/types"
)

// Task is one repackaging request handed to a worker.
type Task struct {
	ID        types.TimestampID // ledger identifier
	Timestamp types.Timestamp   // requested date-time
	Timeout   time.Duration     // per-task execution budget
}

// Result is what a worker reports once a task returns.
type Result struct {
	ID        types.TimestampID
	Timestamp types.Timestamp
	Success   bool
	Error     error
	Duration  time.Duration
}

// Handler executes one task. ctx carries the task timeout.
type Handler func(ctx context.Context, task Task) error
