// ============================================================================
// Run report - JSON summary of one batch
// ============================================================================
//
// Package: internal/report
// File: report.go
// Purpose: Persist the ledger of a finished batch for operators and reruns
//
// Atomic write:
//   1. marshal to <path>.tmp
//   2. os.Rename(<path>.tmp, <path>)
//   A reader sees either the previous report or the new one, never a
//   partial file.
//
// File format (schema_version 1):
//   {
//     "schema_version": 1,
//     "run_id": "...",
//     "request": {"start": ..., "count": 2, "frequency_seconds": 3600},
//     "started_at": ..., "finished_at": ...,
//     "succeeded": true,
//     "stats": {"completed": 2, ...},
//     "entries": [ ... ledger entries in request order ... ]
//   }
// ============================================================================

package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/era5grib/internal/ledger"
	"github.com/ChuLiYu/era5grib/pkg/types"
)

// SchemaVersion is the only report layout Load accepts.
const SchemaVersion = 1

var (
	ErrCorruptedReport     = errors.New("report file is corrupted")
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
	ErrReportNotFound      = errors.New("report file not found")
)

// Report summarizes one batch run.
type Report struct {
	SchemaVersion int                  `json:"schema_version"`
	RunID         string               `json:"run_id,omitempty"`
	Request       types.BatchRequest   `json:"request"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at"`
	Succeeded     bool                 `json:"succeeded"`
	Error         string               `json:"error,omitempty"`
	Stats         map[types.Status]int `json:"stats"`
	Entries       []ledger.Entry       `json:"entries"`
}

// Duration is the wall time of the run.
func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// FromLedger builds the report for a finished run. runErr is the error
// returned by the scheduler, nil on success.
func FromLedger(req types.BatchRequest, l *ledger.Ledger, started, finished time.Time, runErr error) Report {
	r := Report{
		SchemaVersion: SchemaVersion,
		Request:       req,
		StartedAt:     started.UTC(),
		FinishedAt:    finished.UTC(),
		Succeeded:     runErr == nil,
		Stats:         l.Stats(),
		Entries:       l.Entries(),
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	return r
}

// Writer reads and writes the report at Path.
type Writer struct {
	Path string
	mu   sync.Mutex
}

// NewWriter returns a Writer for path.
func NewWriter(path string) *Writer {
	return &Writer{Path: path}
}

// Write stores r atomically, stamping the current schema version.
func (w *Writer) Write(r Report) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	r.SchemaVersion = SchemaVersion

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	tmpPath := w.Path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, w.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}

// Load reads the report back.
func (w *Writer) Load() (Report, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var r Report
	data, err := os.ReadFile(w.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, fmt.Errorf("%w: %s", ErrReportNotFound, w.Path)
		}
		return r, fmt.Errorf("failed to read report: %w", err)
	}

	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if r.SchemaVersion != SchemaVersion {
		return r, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, r.SchemaVersion, SchemaVersion)
	}
	return r, nil
}

// Exists reports whether a report file is present.
func (w *Writer) Exists() bool {
	_, err := os.Stat(w.Path)
	return err == nil
}
