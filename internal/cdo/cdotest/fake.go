// Package cdotest provides a fake cdo executable for tests.
//
// The fake is a POSIX shell script. Every invocation appends its argument
// list to a log file, then writes the last argument (the output path) with
// the concatenated contents of every existing input file followed by its own
// argument line. Chained invocations therefore leave a readable history of
// the operations in the final output.
package cdotest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Options tunes the fake.
type Options struct {
	// FailOn makes any invocation whose argument line contains this
	// substring exit with status 1 after printing to stderr.
	FailOn string
	// HangOn makes any invocation containing this substring sleep for a
	// long time instead of producing output.
	HangOn string
	// SkipOutputOn makes matching invocations exit 0 without writing output.
	SkipOutputOn string
}

// Fake is an installed fake cdo script.
type Fake struct {
	Path string // executable to pass as the cdo command
	Log  string // one line per invocation
}

// New writes the fake script into a fresh temp directory.
func New(tb testing.TB, opts Options) *Fake {
	tb.Helper()

	dir := tb.TempDir()
	f := &Fake{
		Path: filepath.Join(dir, "cdo"),
		Log:  filepath.Join(dir, "calls.log"),
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "printf '%%s\\n' \"$*\" >> '%s'\n", f.Log)
	if opts.HangOn != "" {
		fmt.Fprintf(&b, "case \"$*\" in *'%s'*) exec sleep 30;; esac\n", opts.HangOn)
	}
	if opts.FailOn != "" {
		fmt.Fprintf(&b, "case \"$*\" in *'%s'*) echo 'cdo (Abort): simulated failure' >&2; exit 1;; esac\n", opts.FailOn)
	}
	if opts.SkipOutputOn != "" {
		fmt.Fprintf(&b, "case \"$*\" in *'%s'*) exit 0;; esac\n", opts.SkipOutputOn)
	}
	b.WriteString(`for last; do :; done
out="$last"
tmp="$out.fake.$$"
: > "$tmp"
for a in "$@"; do
  if [ "$a" != "$out" ] && [ -f "$a" ]; then cat "$a" >> "$tmp"; fi
done
printf '%s\n' "$*" >> "$tmp"
mv "$tmp" "$out"
`)

	if err := os.WriteFile(f.Path, []byte(b.String()), 0o755); err != nil {
		tb.Fatalf("write fake cdo: %v", err)
	}
	return f
}

// Calls returns the logged argument lines in invocation order.
func (f *Fake) Calls(tb testing.TB) []string {
	tb.Helper()

	file, err := os.Open(f.Log)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		tb.Fatalf("open fake cdo log: %v", err)
	}
	defer file.Close()

	var lines []string
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}
