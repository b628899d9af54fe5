// ============================================================================
// CDO runner - Climate Data Operators wrapper
// ============================================================================
//
// Package: internal/cdo
// File: cdo.go
// Purpose: Typed, context-aware invocations of the external cdo binary
//
// Operations used by the repackager:
//   SelDate        cdo --eccodes seldate,<iso> <in> <out>
//   ChName         cdo --eccodes chname,<from>,<to> <in> <out>
//   SetAttributes  cdo -setattribute,<v>@<k>=<x> [...] <in> <out>
//   Merge          cdo --eccodes merge <in...> <out>
//   ToGRIB1        cdo --eccodes -f grb1 copy <in> <out>
//
// Modes:
//   strict  - a non-zero exit status is returned as *ExitError
//   lenient - a non-zero exit status is logged and swallowed
//   In both modes a cancelled context or a missing binary is an error.
//
// Every invocation produces a Result (argv, exit code, captured stderr,
// duration) and is reported to the optional Observer.
// ============================================================================

package cdo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

var log = slog.Default()

// DefaultCommand is looked up in PATH on each invocation.
const DefaultCommand = "cdo"

// maxStderr bounds the diagnostic output kept per invocation.
const maxStderr = 8192

var (
	// ErrToolFailed is wrapped by every *ExitError.
	ErrToolFailed = errors.New("cdo: command failed")
	// ErrToolNotFound means the cdo executable could not be started.
	ErrToolNotFound = errors.New("cdo: executable not found")
)

// Operation names a cdo capability.
type Operation string

const (
	OpSelDate      Operation = "seldate"
	OpChName       Operation = "chname"
	OpSetAttribute Operation = "setattribute"
	OpMerge        Operation = "merge"
	OpToGRIB1      Operation = "copy"
)

// Outcome classifies a finished invocation for metrics.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeFailed   Outcome = "failed"   // non-zero exit
	OutcomeError    Outcome = "error"    // could not start
	OutcomeCanceled Outcome = "canceled" // context done
)

// Result describes one finished invocation.
type Result struct {
	Operation Operation
	Args      []string
	ExitCode  int
	Stderr    string
	Duration  time.Duration
}

// Failed reports a non-zero exit status.
func (r Result) Failed() bool { return r.ExitCode != 0 }

// CommandLine returns the invocation as a single shell-like string.
func (r Result) CommandLine() string { return strings.Join(r.Args, " ") }

// ExitError is returned in strict mode when cdo exits non-zero.
type ExitError struct {
	Result Result
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("cdo %s exited with status %d", e.Result.Operation, e.Result.ExitCode)
	if s := strings.TrimSpace(e.Result.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExitError) Unwrap() []error { return []error{ErrToolFailed, e.Err} }

// Attribute is one -setattribute assignment, var@key=value.
type Attribute struct {
	Var   string
	Key   string
	Value string
}

func (a Attribute) String() string { return a.Var + "@" + a.Key + "=" + a.Value }

// Observer receives one call per invocation.
type Observer interface {
	ObserveTool(op Operation, outcome Outcome, d time.Duration)
}

// Runner is the capability the repackager needs from cdo.
type Runner interface {
	SelDate(ctx context.Context, iso, in, out string) (Result, error)
	ChName(ctx context.Context, from, to, in, out string) (Result, error)
	SetAttributes(ctx context.Context, in, out string, attrs ...Attribute) (Result, error)
	Merge(ctx context.Context, out string, ins ...string) (Result, error)
	ToGRIB1(ctx context.Context, in, out string) (Result, error)
}

// Exec runs the real cdo binary.
type Exec struct {
	Command  string // defaults to DefaultCommand
	Strict   bool
	Observer Observer
}

// NewExec returns an Exec for command in the given mode.
func NewExec(command string, strict bool) *Exec {
	return &Exec{Command: command, Strict: strict}
}

func (e *Exec) command() string {
	if e.Command == "" {
		return DefaultCommand
	}
	return e.Command
}

// CheckInstalled resolves the cdo executable in PATH.
func (e *Exec) CheckInstalled() (string, error) {
	path, err := exec.LookPath(e.command())
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrToolNotFound, e.command(), err)
	}
	return path, nil
}

func (e *Exec) SelDate(ctx context.Context, iso, in, out string) (Result, error) {
	return e.run(ctx, OpSelDate, "--eccodes", "seldate,"+iso, in, out)
}

func (e *Exec) ChName(ctx context.Context, from, to, in, out string) (Result, error) {
	return e.run(ctx, OpChName, "--eccodes", "chname,"+from+","+to, in, out)
}

func (e *Exec) SetAttributes(ctx context.Context, in, out string, attrs ...Attribute) (Result, error) {
	if len(attrs) == 0 {
		return Result{Operation: OpSetAttribute}, errors.New("cdo: setattribute needs at least one attribute")
	}
	args := make([]string, 0, len(attrs)+2)
	for _, a := range attrs {
		args = append(args, "-setattribute,"+a.String())
	}
	args = append(args, in, out)
	return e.run(ctx, OpSetAttribute, args...)
}

func (e *Exec) Merge(ctx context.Context, out string, ins ...string) (Result, error) {
	if len(ins) == 0 {
		return Result{Operation: OpMerge}, errors.New("cdo: merge needs at least one input")
	}
	args := append([]string{"--eccodes", "merge"}, ins...)
	args = append(args, out)
	return e.run(ctx, OpMerge, args...)
}

func (e *Exec) ToGRIB1(ctx context.Context, in, out string) (Result, error) {
	return e.run(ctx, OpToGRIB1, "--eccodes", "-f", "grb1", "copy", in, out)
}

func (e *Exec) run(ctx context.Context, op Operation, args ...string) (Result, error) {
	res := Result{
		Operation: op,
		Args:      append([]string{e.command()}, args...),
	}

	cmd := exec.CommandContext(ctx, e.command(), args...)
	stderr := &limitedBuffer{max: maxStderr}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	// Orphaned grandchildren must not keep Wait blocked on the stderr pipe.
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	res.Duration = time.Since(start)
	res.Stderr = stderr.String()

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		e.observe(op, OutcomeCanceled, res.Duration)
		return res, fmt.Errorf("cdo %s: %w", op, ctxErr)
	}

	if err == nil {
		e.observe(op, OutcomeOK, res.Duration)
		return res, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		res.ExitCode = -1
		e.observe(op, OutcomeError, res.Duration)
		return res, fmt.Errorf("%w: %s: %v", ErrToolNotFound, e.command(), err)
	}

	res.ExitCode = exitErr.ExitCode()
	e.observe(op, OutcomeFailed, res.Duration)
	if e.Strict {
		return res, &ExitError{Result: res, Err: err}
	}

	log.Warn("cdo failed, continuing in lenient mode",
		"operation", op,
		"exit_code", res.ExitCode,
		"command", res.CommandLine(),
		"stderr", strings.TrimSpace(res.Stderr))
	return res, nil
}

func (e *Exec) observe(op Operation, outcome Outcome, d time.Duration) {
	if e.Observer != nil {
		e.Observer.ObserveTool(op, outcome, d)
	}
}

// limitedBuffer keeps at most max bytes and silently drops the rest.
type limitedBuffer struct {
	b   strings.Builder
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if remain := l.max - l.b.Len(); remain > 0 {
		if len(p) > remain {
			l.b.Write(p[:remain])
		} else {
			l.b.Write(p)
		}
	}
	return len(p), nil
}

func (l *limitedBuffer) String() string { return l.b.String() }
