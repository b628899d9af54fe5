// ============================================================================
// ERA5 archive locator
// ============================================================================
//
// Package: internal/archive
// File: locator.go
// Purpose: Resolve the monthly netCDF file holding a field for a given month.
//
// Layout:
//   <root>/<single|pressure>-levels/reanalysis/<variable>/<YYYY>/
//     each directory holds one file per month whose name embeds YYYYMM,
//     e.g. skt_era5_oper_sfc_20200101-20200131.nc
//
// Selection policy:
//   - first-match: take the first name (sorted) containing the token and log
//     a warning if there are several.
//   - exactly-one: more than one candidate is an error.
//
// The archive is read-only; nothing here writes to it.
// ============================================================================

package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ChuLiYu/era5grib/internal/catalog"
	"github.com/ChuLiYu/era5grib/pkg/types"
)

var log = slog.Default()

// DefaultRoot is the ERA5 replica on NCI's Gadi.
const DefaultRoot = "/g/data/rt52/era5"

var (
	// ErrNoMonthlyFile means no file in the year directory carries the YYYYMM token.
	ErrNoMonthlyFile = errors.New("archive: no monthly file for requested month")
	// ErrAmbiguousMonthlyFile means several files matched under the exactly-one policy.
	ErrAmbiguousMonthlyFile = errors.New("archive: more than one monthly file matches")
	// ErrUnknownPolicy is returned by ParsePolicy.
	ErrUnknownPolicy = errors.New("archive: unknown selection policy")
)

// Policy decides what happens when several monthly files match.
type Policy string

const (
	FirstMatch Policy = "first-match"
	ExactlyOne Policy = "exactly-one"
)

// ParsePolicy validates a policy name; empty selects FirstMatch.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FirstMatch:
		return FirstMatch, nil
	case ExactlyOne:
		return ExactlyOne, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Locator maps (level, variable, month) to a monthly archive file.
type Locator struct {
	Root   string
	Policy Policy

	// OnAmbiguous, if set, is called each time several candidates match.
	OnAmbiguous func(dir string, matches []string)
}

// NewLocator returns a Locator rooted at root (DefaultRoot if empty).
func NewLocator(root string, policy Policy) *Locator {
	if root == "" {
		root = DefaultRoot
	}
	if policy == "" {
		policy = FirstMatch
	}
	return &Locator{Root: root, Policy: policy}
}

// Dir returns the year directory for a variable.
func (l *Locator) Dir(level catalog.Level, variable string, year int) string {
	return filepath.Join(l.Root, level.String()+"-levels", "reanalysis", variable, fmt.Sprintf("%04d", year))
}

// Candidates lists the files in the year directory whose name contains the
// YYYYMM token of ts, sorted by name. Paths are absolute when Root is.
func (l *Locator) Candidates(level catalog.Level, variable string, ts types.Timestamp) ([]string, error) {
	dir := l.Dir(level, variable, ts.Year())
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("archive: list %s: %w", dir, err)
	}

	token := ts.Month()
	var matches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.Contains(e.Name(), token) {
			matches = append(matches, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// Resolve selects the single monthly file for a field according to the policy.
func (l *Locator) Resolve(level catalog.Level, variable string, ts types.Timestamp) (string, error) {
	matches, err := l.Candidates(level, variable, ts)
	if err != nil {
		return "", err
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s %s %s", ErrNoMonthlyFile, level, variable, ts.Month())
	case 1:
		return matches[0], nil
	}

	dir := l.Dir(level, variable, ts.Year())
	if l.OnAmbiguous != nil {
		l.OnAmbiguous(dir, matches)
	}
	if l.Policy == ExactlyOne {
		return "", fmt.Errorf("%w: %s has %d files for %s", ErrAmbiguousMonthlyFile, dir, len(matches), ts.Month())
	}

	log.Warn("Several monthly files match, using the first",
		"dir", dir,
		"month", ts.Month(),
		"matches", len(matches),
		"selected", filepath.Base(matches[0]))
	return matches[0], nil
}
