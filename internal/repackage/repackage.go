// ============================================================================
// Repackager - one timestamp, nineteen fields, one GRIB1 file
// ============================================================================
//
// Package: internal/repackage
// File: repackage.go
// Purpose: Extract every catalog field for a timestamp from the monthly
//          archive files, tag it and merge the lot into ec_grib_<compact>
//
// Pipeline per field (all paths under a private scratch dir):
//
//   archive/<level>-levels/.../<var>/<YYYY>/*YYYYMM*
//        │ seldate,<iso>
//        ▼
//   <field>_<compact>_<token>.nc
//        │ chname,<source>,<field>       (only when names differ)
//        │ setattribute <field>@code=N, <field>@table=128
//        ▼
//   merge list ──merge──▶ ec_grib_<compact>.nc ──copy -f grb1──▶ <out>/ec_grib_<compact>
//
// Scratch dir:
//   <out>/.era5grib-<uuid>; the first 8 hex digits of the uuid are the run
//   token embedded in every artifact name. Concurrent runs, including two
//   runs of the same timestamp, never share a path.
//
// Failure handling:
//   strict  - the first error aborts; cleanup still runs and a partial
//             output from a failed conversion is removed
//   lenient - the cdo runner swallows tool failures; missing files are
//             logged and the procedure keeps going
//   Archive lookup errors abort in both modes.
// ============================================================================

package repackage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/ChuLiYu/era5grib/internal/archive"
	"github.com/ChuLiYu/era5grib/internal/catalog"
	"github.com/ChuLiYu/era5grib/internal/cdo"
	"github.com/ChuLiYu/era5grib/pkg/types"
)

var log = slog.Default()

const scratchPrefix = ".era5grib-"

// ErrMissingOutput is returned in strict mode when conversion reported
// success but no GRIB file exists.
var ErrMissingOutput = errors.New("repackage: output file not produced")

// Locator resolves the monthly archive file of a field.
type Locator interface {
	Resolve(level catalog.Level, variable string, ts types.Timestamp) (string, error)
}

var _ Locator = (*archive.Locator)(nil)

// Repackager turns one timestamp into one GRIB1 file.
type Repackager struct {
	Fields  []catalog.FieldSpec // nil means catalog.Fields()
	Locator Locator
	Tool    cdo.Runner
	Strict  bool
}

// New returns a Repackager over the full catalog.
func New(locator Locator, tool cdo.Runner, strict bool) *Repackager {
	return &Repackager{
		Fields:  catalog.Fields(),
		Locator: locator,
		Tool:    tool,
		Strict:  strict,
	}
}

// OutputPath is where Repackage writes the GRIB file for ts.
func OutputPath(outputDir string, ts types.Timestamp) string {
	return filepath.Join(outputDir, ts.OutputName())
}

// run holds the per-invocation state.
type run struct {
	*Repackager
	ts        types.Timestamp
	outputDir string
	scratch   string
	token     string
	created   []string
}

// Repackage produces <outputDir>/ec_grib_<compact> for ts. outputDir must
// exist.
func (r *Repackager) Repackage(ctx context.Context, ts types.Timestamp, outputDir string) (err error) {
	if r.Locator == nil || r.Tool == nil {
		return errors.New("repackage: locator and tool are required")
	}

	outputDir, err = filepath.Abs(outputDir)
	if err != nil {
		return fmt.Errorf("repackage: resolve output dir: %w", err)
	}

	id := uuid.New()
	token := id.String()[:8]
	scratch := filepath.Join(outputDir, scratchPrefix+id.String())
	if err := os.Mkdir(scratch, 0o755); err != nil {
		return fmt.Errorf("repackage: create scratch dir: %w", err)
	}

	rn := &run{
		Repackager: r,
		ts:         ts,
		outputDir:  outputDir,
		scratch:    scratch,
		token:      token,
	}

	log.Info("Repackaging timestamp",
		"timestamp", ts.ID(),
		"iso", ts.ISO(),
		"token", token)

	defer func() {
		if cerr := rn.cleanup(); cerr != nil {
			if err != nil {
				err = multierror.Append(err, cerr)
				return
			}
			if r.Strict {
				err = cerr
				return
			}
			log.Warn("Cleanup incomplete", "timestamp", ts.ID(), "error", cerr)
		}
	}()

	return rn.execute(ctx)
}

func (rn *run) execute(ctx context.Context) error {
	compact := rn.ts.Compact()

	fields := rn.Fields
	if fields == nil {
		fields = catalog.Fields()
	}

	merge := make([]string, 0, len(fields))
	for _, f := range fields {
		if err := ctx.Err(); err != nil {
			return err
		}
		artifact, err := rn.extract(ctx, f)
		if err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		merge = append(merge, artifact)
	}

	output := OutputPath(rn.outputDir, rn.ts)
	stale := []string{output, output + ".nc"}
	for _, p := range stale {
		if err := removeIfExists(p); err != nil {
			return fmt.Errorf("remove stale output: %w", err)
		}
	}

	combined := filepath.Join(rn.scratch, types.OutputPrefix+compact+".nc")
	rn.track(combined)
	if _, err := rn.Tool.Merge(ctx, combined, merge...); err != nil {
		return fmt.Errorf("merge: %w", err)
	}

	if _, err := rn.Tool.ToGRIB1(ctx, combined, output); err != nil {
		if rerr := removeIfExists(output); rerr != nil {
			log.Warn("Failed to remove partial output", "path", output, "error", rerr)
		}
		return fmt.Errorf("convert to grib1: %w", err)
	}

	if !exists(output) {
		if rn.Strict {
			return fmt.Errorf("%w: %s", ErrMissingOutput, output)
		}
		log.Warn("Output file not produced", "timestamp", rn.ts.ID(), "path", output)
		return nil
	}

	log.Info("Timestamp repackaged", "timestamp", rn.ts.ID(), "output", output)
	return nil
}

// extract runs seldate, the optional rename and the tagging step for one
// field and returns the artifact path.
func (rn *run) extract(ctx context.Context, f catalog.FieldSpec) (string, error) {
	source, err := rn.Locator.Resolve(f.Level, f.Name, rn.ts)
	if err != nil {
		return "", err
	}

	artifact := filepath.Join(rn.scratch, fmt.Sprintf("%s_%s_%s.nc", f.Name, rn.ts.Compact(), rn.token))
	rn.track(artifact)

	log.Debug("Extracting field",
		"timestamp", rn.ts.ID(),
		"field", f.Name,
		"source", source)

	if _, err := rn.Tool.SelDate(ctx, rn.ts.ISO(), source, artifact); err != nil {
		return "", fmt.Errorf("seldate: %w", err)
	}

	if f.NeedsRename() {
		err := rn.rewrite(artifact, func(tmp string) error {
			_, err := rn.Tool.ChName(ctx, f.SourceName, f.Name, artifact, tmp)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("chname: %w", err)
		}
	}

	err = rn.rewrite(artifact, func(tmp string) error {
		_, err := rn.Tool.SetAttributes(ctx, artifact, tmp,
			cdo.Attribute{Var: f.Name, Key: "code", Value: strconv.Itoa(f.Code)},
			cdo.Attribute{Var: f.Name, Key: "table", Value: strconv.Itoa(catalog.TableID)},
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("setattribute: %w", err)
	}
	return artifact, nil
}

// rewrite lets step write <path>.1 and moves it over path.
func (rn *run) rewrite(path string, step func(tmp string) error) error {
	tmp := path + ".1"
	rn.track(tmp)
	if err := step(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		if rn.Strict {
			return err
		}
		log.Warn("Intermediate file missing, keeping previous artifact",
			"timestamp", rn.ts.ID(),
			"path", tmp,
			"error", err)
	}
	return nil
}

func (rn *run) track(path string) {
	rn.created = append(rn.created, path)
}

// cleanup deletes every tracked artifact that exists, then the scratch dir.
func (rn *run) cleanup() error {
	var result *multierror.Error
	for _, p := range rn.created {
		if err := removeIfExists(p); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := os.RemoveAll(rn.scratch); err != nil {
		result = multierror.Append(result, fmt.Errorf("remove scratch dir: %w", err))
	}
	return result.ErrorOrNil()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeIfExists(path string) error {
	if !exists(path) {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
