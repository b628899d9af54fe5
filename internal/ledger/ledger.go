// ============================================================================
// Run ledger - per-timestamp status tracking
// ============================================================================
//
// Package: internal/ledger
// File: ledger.go
// Purpose: Track every requested timestamp of a batch through its lifecycle
//
// State machine:
//   Pending
//      ↓ MarkInFlight()
//   InFlight
//      ↓ MarkCompleted() / MarkFailed()
//   Completed / Failed
//
// Data layout:
//   entries map[TimestampID]*Entry - single source of truth
//   order   []TimestampID          - insertion order, for reports
//
// Concurrency: all methods are safe for concurrent use.
// ============================================================================

package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/era5grib/pkg/types"
)

var (
	// ErrDuplicate is returned when a timestamp is enqueued twice
	ErrDuplicate = errors.New("timestamp already in ledger")
	// ErrNotFound is returned for unknown ids
	ErrNotFound = errors.New("timestamp not in ledger")
	// ErrBadTransition is returned when a status change breaks the state machine
	ErrBadTransition = errors.New("invalid status transition")
)

// Entry is the ledger record for one timestamp.
type Entry struct {
	ID        types.TimestampID `json:"id"`
	Timestamp types.Timestamp   `json:"timestamp"`
	Status    types.Status      `json:"status"`
	Output    string            `json:"output,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration_ns,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Ledger records the status of each requested timestamp.
type Ledger struct {
	mu      sync.RWMutex
	entries map[types.TimestampID]*Entry
	order   []types.TimestampID
	now     func() time.Time
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		entries: make(map[types.TimestampID]*Entry),
		now:     time.Now,
	}
}

// Enqueue adds a timestamp in the pending state.
func (l *Ledger) Enqueue(ts types.Timestamp) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := ts.ID()
	if _, exists := l.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	l.entries[id] = &Entry{
		ID:        id,
		Timestamp: ts,
		Status:    types.StatusPending,
		UpdatedAt: l.now(),
	}
	l.order = append(l.order, id)
	return nil
}

// MarkInFlight moves a pending timestamp to in_flight.
func (l *Ledger) MarkInFlight(id types.TimestampID) error {
	return l.transition(id, types.StatusPending, types.StatusInFlight, func(*Entry) {})
}

// MarkCompleted records a successful run and its output path.
func (l *Ledger) MarkCompleted(id types.TimestampID, output string, d time.Duration) error {
	return l.transition(id, types.StatusInFlight, types.StatusCompleted, func(e *Entry) {
		e.Output = output
		e.Duration = d
		e.Error = ""
	})
}

// MarkFailed records a failed or timed out run.
func (l *Ledger) MarkFailed(id types.TimestampID, cause error, d time.Duration) error {
	return l.transition(id, types.StatusInFlight, types.StatusFailed, func(e *Entry) {
		if cause != nil {
			e.Error = cause.Error()
		}
		e.Duration = d
	})
}

func (l *Ledger) transition(id types.TimestampID, from, to types.Status, apply func(*Entry)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.Status != from {
		return fmt.Errorf("%w: %s is %s, want %s", ErrBadTransition, id, e.Status, from)
	}
	e.Status = to
	e.UpdatedAt = l.now()
	apply(e)
	return nil
}

// Get returns a copy of the entry for id.
func (l *Ledger) Get(id types.TimestampID) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns copies of all entries in enqueue order.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.entries[id])
	}
	return out
}

// Stats counts entries per status.
func (l *Ledger) Stats() map[types.Status]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := map[types.Status]int{
		types.StatusPending:   0,
		types.StatusInFlight:  0,
		types.StatusCompleted: 0,
		types.StatusFailed:    0,
	}
	for _, e := range l.entries {
		stats[e.Status]++
	}
	return stats
}

// Len returns the number of tracked timestamps.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
