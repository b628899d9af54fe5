package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/era5grib/internal/archive"
	"github.com/ChuLiYu/era5grib/internal/catalog"
	"github.com/ChuLiYu/era5grib/internal/cdo"
	"github.com/ChuLiYu/era5grib/internal/cdo/cdotest"
	"github.com/ChuLiYu/era5grib/internal/metrics"
	"github.com/ChuLiYu/era5grib/internal/repackage"
	"github.com/ChuLiYu/era5grib/pkg/types"
)

var jan1 = types.NewTimestamp(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))

func request(count, freq int) types.BatchRequest {
	return types.BatchRequest{Start: jan1, Count: count, FrequencySeconds: freq}
}

// mockRepackager records calls through testify's mock.
type mockRepackager struct {
	mock.Mock
}

func (m *mockRepackager) Repackage(ctx context.Context, ts types.Timestamp, outputDir string) error {
	args := m.Called(ctx, ts, outputDir)
	return args.Error(0)
}

// funcRepackager adapts a function to Repackager.
type funcRepackager func(ctx context.Context, ts types.Timestamp, outputDir string) error

func (f funcRepackager) Repackage(ctx context.Context, ts types.Timestamp, outputDir string) error {
	return f(ctx, ts, outputDir)
}

func newScheduler(t *testing.T, r Repackager) *Scheduler {
	t.Helper()
	s, err := New(Config{OutputDir: t.TempDir(), Repackager: r})
	require.NoError(t, err)
	return s
}

// ============================================================================
// Timestamp generation and partitioning
// ============================================================================

func TestTimestamps(t *testing.T) {
	list, err := Timestamps(request(3, 3600))
	require.NoError(t, err)
	require.Len(t, list, 3)

	for i, ts := range list {
		assert.True(t, ts.Equal(jan1.Add(time.Duration(i)*time.Hour)), "element %d", i)
		if i > 0 {
			assert.True(t, ts.After(list[i-1].Time))
		}
	}
	assert.Equal(t, "2020-01-01T02:00:00", list[2].ISO())
}

func TestTimestampsCrossMonthAndYear(t *testing.T) {
	start := types.NewTimestamp(time.Date(2019, 12, 31, 18, 0, 0, 0, time.UTC))
	list, err := Timestamps(types.BatchRequest{Start: start, Count: 3, FrequencySeconds: 6 * 3600})
	require.NoError(t, err)
	assert.Equal(t, "201912311800", string(list[0].ID()))
	assert.Equal(t, "202001010000", string(list[1].ID()))
	assert.Equal(t, "202001010600", string(list[2].ID()))
}

func TestTimestampsSingleIgnoresFrequency(t *testing.T) {
	list, err := Timestamps(request(1, 0))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Equal(jan1.Time))
}

func TestTimestampsInvalid(t *testing.T) {
	for _, req := range []types.BatchRequest{
		request(0, 3600), request(-2, 3600), request(2, 0),
		request(2, 30), request(3, 59), request(2, -1),
	} {
		_, err := Timestamps(req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "count=%d freq=%d", req.Count, req.FrequencySeconds)
	}
}

func TestTimestampsSubMinuteFrequency(t *testing.T) {
	_, err := Timestamps(request(2, 30))
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "same minute")

	s := newScheduler(t, funcRepackager(func(context.Context, types.Timestamp, string) error { return nil }))
	assert.ErrorIs(t, s.Run(context.Background(), request(2, 30)), ErrInvalidRequest)
	assert.Zero(t, s.Ledger().Len())

	for _, freq := range []int{60, 90, -60} {
		list, err := Timestamps(request(4, freq))
		require.NoError(t, err, "freq=%d", freq)
		ids := map[types.TimestampID]bool{}
		for _, ts := range list {
			ids[ts.ID()] = true
		}
		assert.Len(t, ids, 4, "freq=%d gives distinct ids", freq)
	}

	_, err = Timestamps(request(1, 30))
	assert.NoError(t, err)
}

func TestExecutionParameters(t *testing.T) {
	assert.Equal(t, 4, PoolSize)
	assert.Equal(t, 4, ChunkSize)
	assert.Equal(t, 600*time.Second, TaskTimeout)

	s := newScheduler(t, funcRepackager(func(context.Context, types.Timestamp, string) error { return nil }))
	assert.Equal(t, PoolSize, s.poolSize)
	assert.Equal(t, ChunkSize, s.chunkSize)
	assert.Equal(t, TaskTimeout, s.taskTimeout)
}

func TestPartition(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 8, 9, 17} {
		list, err := Timestamps(request(n, 3600))
		require.NoError(t, err)

		chunks := Partition(list, ChunkSize)
		assert.Len(t, chunks, (n+ChunkSize-1)/ChunkSize, "n=%d", n)

		var flat []types.Timestamp
		for i, c := range chunks {
			assert.NotEmpty(t, c)
			if i < len(chunks)-1 {
				assert.Len(t, c, ChunkSize)
			}
			flat = append(flat, c...)
		}
		assert.Equal(t, list, flat)
	}

	assert.Nil(t, Partition(nil, 4))
	assert.Nil(t, Partition([]types.Timestamp{jan1}, 0))
}

func TestPartitionFive(t *testing.T) {
	list, _ := Timestamps(request(5, 3600))
	chunks := Partition(list, ChunkSize)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 4)
	assert.Len(t, chunks[1], 1)
}

// ============================================================================
// Construction
// ============================================================================

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Repackager: &mockRepackager{}})
	assert.Error(t, err)
	_, err = New(Config{OutputDir: t.TempDir()})
	assert.Error(t, err)
}

// ============================================================================
// Run
// ============================================================================

func TestRunCallsRepackagerForEveryTimestamp(t *testing.T) {
	m := &mockRepackager{}
	s := newScheduler(t, m)
	m.On("Repackage", mock.Anything, mock.AnythingOfType("types.Timestamp"), s.config.OutputDir).Return(nil)

	require.NoError(t, s.Run(context.Background(), request(6, 3600)))

	m.AssertNumberOfCalls(t, "Repackage", 6)
	stats := s.Ledger().Stats()
	assert.Equal(t, 6, stats[types.StatusCompleted])

	e, ok := s.Ledger().Get("202001010500")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(s.config.OutputDir, "ec_grib_202001010500.t+000"), e.Output)
}

func TestRunCreatesOutputDir(t *testing.T) {
	m := &mockRepackager{}
	m.On("Repackage", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	out := filepath.Join(t.TempDir(), "nested", "grib")

	s, err := New(Config{OutputDir: out, Repackager: m})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background(), request(1, 3600)))
	assert.DirExists(t, out)
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	m := &mockRepackager{}
	s := newScheduler(t, m)

	err := s.Run(context.Background(), request(0, 3600))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	m.AssertNotCalled(t, "Repackage", mock.Anything, mock.Anything, mock.Anything)
}

func TestChunkAwaitedBeforeNextSubmitted(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	s := newScheduler(t, funcRepackager(func(_ context.Context, ts types.Timestamp, _ string) error {
		record("start " + string(ts.ID()))
		time.Sleep(20 * time.Millisecond)
		record("end " + string(ts.ID()))
		return nil
	}))

	require.NoError(t, s.Run(context.Background(), request(5, 3600)))

	index := func(e string) int {
		for i, v := range events {
			if v == e {
				return i
			}
		}
		t.Fatalf("event %q not recorded", e)
		return -1
	}

	last := index("start 202001010400")
	for h := 0; h < 4; h++ {
		end := index(fmt.Sprintf("end 20200101%02d00", h))
		assert.Less(t, end, last, "first chunk must finish before the fifth timestamp starts")
	}
	assert.Len(t, events, 10)
}

func TestConcurrencyBoundedByPoolSize(t *testing.T) {
	var (
		mu            sync.Mutex
		inFlight, peak int
	)
	s := newScheduler(t, funcRepackager(func(context.Context, types.Timestamp, string) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(15 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}))

	require.NoError(t, s.Run(context.Background(), request(12, 3600)))
	assert.LessOrEqual(t, peak, PoolSize)
}

func TestFailureAbortsAfterChunkResolves(t *testing.T) {
	m := &mockRepackager{}
	s := newScheduler(t, m)

	bad := jan1.Add(time.Hour)
	boom := errors.New("cdo merge exited with status 1")
	m.On("Repackage", mock.Anything, mock.MatchedBy(func(ts types.Timestamp) bool { return ts.Equal(bad) }), mock.Anything).Return(boom)
	m.On("Repackage", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	err := s.Run(context.Background(), request(6, 3600))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "202001010100")

	// The first chunk drains fully, the second is never submitted.
	m.AssertNumberOfCalls(t, "Repackage", 4)
	stats := s.Ledger().Stats()
	assert.Equal(t, 3, stats[types.StatusCompleted])
	assert.Equal(t, 1, stats[types.StatusFailed])
	assert.Equal(t, 2, stats[types.StatusPending])
}

func TestFailuresAreAggregated(t *testing.T) {
	s := newScheduler(t, funcRepackager(func(_ context.Context, ts types.Timestamp, _ string) error {
		if ts.Hour()%2 == 0 {
			return fmt.Errorf("field sst: %w", cdo.ErrToolFailed)
		}
		return nil
	}))

	err := s.Run(context.Background(), request(4, 3600))
	require.Error(t, err)
	assert.ErrorIs(t, err, cdo.ErrToolFailed)
	assert.Contains(t, err.Error(), "202001010000")
	assert.Contains(t, err.Error(), "202001010200")
	assert.Contains(t, err.Error(), "2 errors occurred")
}

func TestTimeoutWhenHandlerIgnoresContext(t *testing.T) {
	s := newScheduler(t, funcRepackager(func(_ context.Context, ts types.Timestamp, _ string) error {
		if ts.Hour() == 1 {
			time.Sleep(time.Second)
		}
		return nil
	}))
	s.taskTimeout = 50 * time.Millisecond

	start := time.Now()
	err := s.Run(context.Background(), request(6, 3600))

	assert.ErrorIs(t, err, ErrTaskTimeout)
	assert.Contains(t, err.Error(), "202001010100")
	assert.Less(t, time.Since(start), 900*time.Millisecond, "Run must not wait for the stuck task")

	e, _ := s.Ledger().Get("202001010100")
	assert.Equal(t, types.StatusFailed, e.Status)
	assert.Equal(t, 2, s.Ledger().Stats()[types.StatusPending])
}

func TestTimeoutCancelsTask(t *testing.T) {
	canceled := make(chan struct{})
	s := newScheduler(t, funcRepackager(func(ctx context.Context, _ types.Timestamp, _ string) error {
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}))
	s.taskTimeout = 30 * time.Millisecond

	err := s.Run(context.Background(), request(1, 3600))
	assert.ErrorIs(t, err, ErrTaskTimeout)

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("task context was not cancelled")
	}
}

func TestParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, PoolSize)
	s := newScheduler(t, funcRepackager(func(ctx context.Context, _ types.Timestamp, _ string) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, request(4, 3600)) }()
	<-started
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestParentCancellationReleasesInFlight(t *testing.T) {
	reg := prometheus.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, PoolSize)

	s, err := New(Config{
		OutputDir: t.TempDir(),
		Metrics:   metrics.NewCollector(reg),
		Repackager: funcRepackager(func(ctx context.Context, _ types.Timestamp, _ string) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}),
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, request(4, 3600)) }()
	for i := 0; i < PoolSize; i++ {
		<-started
	}
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	got := gathered(t, reg)
	assert.Equal(t, 0.0, got["era5grib_tasks_in_flight"])
	assert.Equal(t, 4.0, got["era5grib_tasks_failed_total"])
	assert.Equal(t, 4, s.Ledger().Stats()[types.StatusFailed])
}

// gathered sums every counter and gauge in reg by family name.
func gathered(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				got[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				got[mf.GetName()] += m.GetGauge().GetValue()
			}
		}
	}
	return got
}

func TestRunRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	s, err := New(Config{
		OutputDir: t.TempDir(),
		Metrics:   collector,
		Repackager: funcRepackager(func(_ context.Context, ts types.Timestamp, _ string) error {
			if ts.Hour() == 4 {
				return errors.New("bad")
			}
			return nil
		}),
	})
	require.NoError(t, err)

	require.Error(t, s.Run(context.Background(), request(5, 3600)))

	expected := map[string]float64{
		"era5grib_tasks_submitted_total":  5,
		"era5grib_tasks_completed_total":  4,
		"era5grib_tasks_failed_total":     1,
		"era5grib_chunks_completed_total": 1,
		"era5grib_tasks_in_flight":        0,
	}
	got := gathered(t, reg)
	for name, want := range expected {
		assert.Equal(t, want, got[name], name)
	}
}

// ============================================================================
// End-to-end with the fake cdo
// ============================================================================

func TestScenarioTwoHourlyTimestamps(t *testing.T) {
	root := t.TempDir()
	loc := archive.NewLocator(root, archive.FirstMatch)
	for _, f := range catalog.Fields() {
		dir := loc.Dir(f.Level, f.Name, 2020)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, f.Name+"_202001.nc"), []byte(f.Name), 0o644))
	}
	fake := cdotest.New(t, cdotest.Options{})
	out := t.TempDir()

	s, err := New(Config{
		OutputDir:  out,
		Repackager: repackage.New(loc, cdo.NewExec(fake.Path, true), true),
	})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background(), request(2, 3600)))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"ec_grib_202001010000.t+000", "ec_grib_202001010100.t+000"}, names)
}

func BenchmarkRun(b *testing.B) {
	noop := funcRepackager(func(context.Context, types.Timestamp, string) error { return nil })
	out := b.TempDir()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s, err := New(Config{OutputDir: out, Repackager: noop})
		require.NoError(b, err)
		require.NoError(b, s.Run(context.Background(), request(64, 3600)))
	}
}
