// ============================================================================
// era5grib CLI - Command-Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provide the command-line interface using the Cobra framework
//
// Command structure:
//   era5grib --output DIR --start DATETIME [--count N] [--freq SECONDS]
//   ├── fields   print the field catalog
//   └── check    verify cdo and the archive root
//
// Global flags:
//   --config, -c    YAML config (default configs/default.yaml)
//   --env-file      dotenv file loaded before environment overrides
//   --lenient       log cdo failures instead of failing the timestamp
//   --log-level     debug, info, warn or error
//
// Run wiring:
//   Config ──▶ archive.Locator ─┐
//          ──▶ cdo.Exec ────────┼─▶ repackage.Repackager ─▶ scheduler.Scheduler
//          ──▶ metrics.Collector┘                              │
//                                                              ▼
//                                             ledger ─▶ report.Writer (optional)
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/era5grib/internal/archive"
	"github.com/ChuLiYu/era5grib/internal/catalog"
	"github.com/ChuLiYu/era5grib/internal/cdo"
	"github.com/ChuLiYu/era5grib/internal/ledger"
	"github.com/ChuLiYu/era5grib/internal/metrics"
	"github.com/ChuLiYu/era5grib/internal/repackage"
	"github.com/ChuLiYu/era5grib/internal/report"
	"github.com/ChuLiYu/era5grib/internal/scheduler"
	"github.com/ChuLiYu/era5grib/pkg/types"
)

var log = slog.Default()

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configFile string
	envFile    string
	lenient    bool
	logLevel   string
}

// batchOptions are the flags of the root command.
type batchOptions struct {
	output string
	start  string
	count  int
	freq   int
}

// BuildCLI constructs the complete CLI command tree.
func BuildCLI() *cobra.Command {
	g := &globalOptions{}
	b := &batchOptions{}

	rootCmd := &cobra.Command{
		Use:   "era5grib",
		Short: "Repackage ERA5 archive fields into per-timestamp GRIB1 files",
		Long: `era5grib extracts 19 ERA5 reanalysis fields for each requested timestamp
from the monthly archive files, tags them with their ECMWF table 128 codes
and writes one GRIB1 file per timestamp: ec_grib_YYYYMMDDHHMM.t+000.

Timestamps are processed four at a time; a timestamp that takes longer
than 600 seconds aborts the batch.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), g, b)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&g.configFile, "config", "c", defaultConfigPath, "config file path")
	pf.StringVar(&g.envFile, "env-file", "", "dotenv file with ERA5GRIB_* overrides")
	pf.BoolVar(&g.lenient, "lenient", false, "log cdo failures and keep going instead of failing the timestamp")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	f := rootCmd.Flags()
	f.StringVar(&b.output, "output", "", "output directory for GRIB files")
	f.StringVar(&b.start, "start", "", "first timestamp, e.g. 2020-01-01T00:00:00 (UTC)")
	f.IntVar(&b.count, "count", 1, "number of timestamps")
	f.IntVar(&b.freq, "freq", 3600, "seconds between timestamps")
	_ = rootCmd.MarkFlagRequired("output")
	_ = rootCmd.MarkFlagRequired("start")

	rootCmd.AddCommand(buildFieldsCommand())
	rootCmd.AddCommand(buildCheckCommand(g))

	return rootCmd
}

func buildFieldsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fields",
		Short: "Print the packaged field catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printFields(cmd.OutOrStdout())
		},
	}
}

func printFields(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLEVEL\tCODE\tTABLE\tSOURCE")
	for _, f := range catalog.Fields() {
		source := f.Name
		if f.NeedsRename() {
			source = f.SourceName
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", f.Name, f.Level, f.Code, catalog.TableID, source)
	}
	return tw.Flush()
}

func buildCheckCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify that cdo is installed and the archive root is readable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(g)
			if err != nil {
				return err
			}
			return runCheck(cmd.OutOrStdout(), cfg)
		},
	}
}

func runCheck(w io.Writer, cfg *Config) error {
	var result *multierror.Error

	tool := cdo.NewExec(cfg.Tool.Command, cfg.Tool.Strict)
	if path, err := tool.CheckInstalled(); err != nil {
		fmt.Fprintf(w, "cdo:     FAIL %v\n", err)
		result = multierror.Append(result, err)
	} else {
		fmt.Fprintf(w, "cdo:     ok   %s\n", path)
	}

	info, err := os.Stat(cfg.Archive.Root)
	switch {
	case err != nil:
		fmt.Fprintf(w, "archive: FAIL %v\n", err)
		result = multierror.Append(result, fmt.Errorf("archive root: %w", err))
	case !info.IsDir():
		err := fmt.Errorf("archive root %s is not a directory", cfg.Archive.Root)
		fmt.Fprintf(w, "archive: FAIL %v\n", err)
		result = multierror.Append(result, err)
	default:
		fmt.Fprintf(w, "archive: ok   %s\n", cfg.Archive.Root)
	}

	return result.ErrorOrNil()
}

// setup loads the configuration and applies the persistent flags.
func setup(g *globalOptions) (*Config, error) {
	cfg, err := loadConfig(g.configFile, g.envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if g.lenient {
		cfg.Tool.Strict = false
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}

	level, err := parseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	slog.SetLogLoggerLevel(level)
	return cfg, nil
}

func parseStart(s string) (types.Timestamp, error) {
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return types.Timestamp{}, fmt.Errorf("invalid --start %q: %w", s, err)
	}
	return types.NewTimestamp(t), nil
}

func runBatch(ctx context.Context, g *globalOptions, b *batchOptions) error {
	cfg, err := setup(g)
	if err != nil {
		return err
	}

	start, err := parseStart(b.start)
	if err != nil {
		return err
	}
	req := types.BatchRequest{Start: start, Count: b.count, FrequencySeconds: b.freq}
	if _, err := scheduler.Timestamps(req); err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy, err := archive.ParsePolicy(cfg.Archive.Policy)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(prometheus.NewRegistry())

	locator := archive.NewLocator(cfg.Archive.Root, policy)
	locator.OnAmbiguous = func(string, []string) { collector.RecordAmbiguous() }

	tool := cdo.NewExec(cfg.Tool.Command, cfg.Tool.Strict)
	tool.Observer = collector
	path, err := tool.CheckInstalled()
	if err != nil {
		return err
	}
	log.Debug("Using cdo", "path", path)

	led := ledger.New()
	sched, err := scheduler.New(scheduler.Config{
		OutputDir:  b.output,
		Repackager: repackage.New(locator, tool, cfg.Tool.Strict),
		Metrics:    collector,
		Ledger:     led,
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := collector.StartServer(ctx, cfg.Metrics.Addr); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	runID := uuid.NewString()
	log.Info("Starting era5grib",
		"run_id", runID,
		"config", g.configFile,
		"archive", cfg.Archive.Root,
		"strict", cfg.Tool.Strict)

	started := time.Now()
	runErr := sched.Run(ctx, req)
	finished := time.Now()

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}

	if cfg.Report.Path != "" {
		r := report.FromLedger(req, led, started, finished, runErr)
		r.RunID = runID
		w := report.NewWriter(cfg.Report.Path)
		if w.Exists() {
			log.Info("Replacing previous report", "path", cfg.Report.Path)
		}
		if err := w.Write(r); err != nil {
			result = multierror.Append(result, err)
		} else {
			log.Info("Report written", "path", cfg.Report.Path)
		}
	}

	if cfg.Metrics.Textfile != "" {
		if err := collector.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			result = multierror.Append(result, fmt.Errorf("write metrics textfile: %w", err))
		}
	}

	stats := led.Stats()
	log.Info("Run finished",
		"run_id", runID,
		"duration", finished.Sub(started),
		"completed", stats[types.StatusCompleted],
		"failed", stats[types.StatusFailed],
		"pending", stats[types.StatusPending])

	if result == nil {
		return nil
	}
	if len(result.Errors) == 1 {
		return result.Errors[0]
	}
	return result
}

// Execute runs the CLI and maps errors to the process exit status.
func Execute() int {
	cmd := BuildCLI()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "era5grib: %v\n", err)
		if errors.Is(err, scheduler.ErrTaskTimeout) {
			return 2
		}
		return 1
	}
	return 0
}
