// ============================================================================
// era5grib Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose batch, task and cdo metrics
//
// Metric families (namespace era5grib):
//
//   1. Counters:
//      - tasks_submitted_total
//      - tasks_completed_total
//      - tasks_failed_total
//      - tasks_timed_out_total
//      - chunks_completed_total
//      - tool_invocations_total{operation,outcome}
//      - archive_ambiguous_total
//
//   2. Histogram:
//      - task_duration_seconds  (buckets sized for multi-minute cdo runs)
//
//   3. Gauge:
//      - tasks_in_flight
//
// Exposure:
//   A batch is short-lived, so two sinks are offered:
//   - StartServer: /metrics over HTTP for the lifetime of the run
//   - WriteTextfile: node_exporter textfile collector format, written once
//
// Useful queries:
//   rate(era5grib_tasks_completed_total[5m])
//   histogram_quantile(0.95, era5grib_task_duration_seconds_bucket)
//   sum by (operation) (era5grib_tool_invocations_total{outcome!="ok"})
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/era5grib/internal/cdo"
)

var log = slog.Default()

const namespace = "era5grib"

// Collector holds every era5grib metric.
type Collector struct {
	tasksSubmitted  prometheus.Counter
	tasksCompleted  prometheus.Counter
	tasksFailed     prometheus.Counter
	tasksTimedOut   prometheus.Counter
	chunksCompleted prometheus.Counter
	archiveAmbig    prometheus.Counter
	toolInvocations *prometheus.CounterVec
	taskDuration    prometheus.Histogram
	tasksInFlight   prometheus.Gauge

	gatherer prometheus.Gatherer
}

var _ cdo.Observer = (*Collector)(nil)

// NewCollector creates the metrics and registers them with reg. A nil reg
// gets a fresh private registry. If reg is also a Gatherer it backs Handler.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Timestamps submitted to the worker pool",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Timestamps repackaged successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Timestamps whose repackaging returned an error",
		}),
		tasksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_timed_out_total",
			Help:      "Timestamps still outstanding when the task timeout expired",
		}),
		chunksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_completed_total",
			Help:      "Chunks whose results were all collected",
		}),
		archiveAmbig: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_ambiguous_total",
			Help:      "Archive lookups that matched more than one monthly file",
		}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "cdo invocations by operation and outcome",
		}, []string{"operation", "outcome"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time to repackage one timestamp",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Timestamps currently being repackaged",
		}),
	}

	reg.MustRegister(
		c.tasksSubmitted,
		c.tasksCompleted,
		c.tasksFailed,
		c.tasksTimedOut,
		c.chunksCompleted,
		c.archiveAmbig,
		c.toolInvocations,
		c.taskDuration,
		c.tasksInFlight,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordSubmitted counts a submitted task and raises the in-flight gauge.
func (c *Collector) RecordSubmitted() {
	c.tasksSubmitted.Inc()
	c.tasksInFlight.Inc()
}

// RecordCompleted counts a successful task.
func (c *Collector) RecordCompleted(d time.Duration) {
	c.tasksCompleted.Inc()
	c.taskDuration.Observe(d.Seconds())
	c.tasksInFlight.Dec()
}

// RecordFailed counts a failed task.
func (c *Collector) RecordFailed(d time.Duration) {
	c.tasksFailed.Inc()
	c.taskDuration.Observe(d.Seconds())
	c.tasksInFlight.Dec()
}

// RecordTimedOut counts n tasks abandoned by a timeout.
func (c *Collector) RecordTimedOut(n int) {
	c.tasksTimedOut.Add(float64(n))
	c.tasksInFlight.Sub(float64(n))
}

// RecordChunk counts a fully resolved chunk.
func (c *Collector) RecordChunk() {
	c.chunksCompleted.Inc()
}

// RecordAmbiguous counts an archive lookup with several candidates.
func (c *Collector) RecordAmbiguous() {
	c.archiveAmbig.Inc()
}

// ObserveTool implements cdo.Observer.
func (c *Collector) ObserveTool(op cdo.Operation, outcome cdo.Outcome, _ time.Duration) {
	c.toolInvocations.WithLabelValues(string(op), string(outcome)).Inc()
}

// Handler serves the registry the collector was registered with.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is done.
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown", "error", err)
		}
	}()

	log.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WriteTextfile dumps the collector's registry in the textfile collector
// format. The write is atomic.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.gatherer)
}
