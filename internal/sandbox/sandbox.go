// Package sandbox executes a script version in an isolated working
// directory under a hard wall-clock timeout.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Status classifies the outcome of one execution attempt.
type Status string

const (
	// StatusSuccess means the script exited 0.
	StatusSuccess Status = "success"
	// StatusFailure means the script exited non-zero.
	StatusFailure Status = "failure"
	// StatusTimeout means the script exceeded the wall-clock limit and
	// was forcibly terminated.
	StatusTimeout Status = "timeout"
)

// MaxCapturedOutput caps each of stdout and stderr per run (1 MiB).
// A runaway print loop should not exhaust memory before the timeout fires.
const MaxCapturedOutput = 1 << 20

// Result is the outcome of a single execution attempt. It is created once
// per run and never mutated afterwards.
type Result struct {
	VersionIdx int
	Status     Status
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
}

// Runner runs script sources as child processes of a single interpreter.
type Runner struct {
	// Interpreter is the binary invoked as "<interpreter> <script>".
	// Defaults to "python3".
	Interpreter string

	// WorkRoot is the parent directory for per-run working directories.
	// Empty means the system temp dir.
	WorkRoot string
}

// NewRunner creates a Runner for the given interpreter ("python3" if empty).
func NewRunner(interpreter string) *Runner {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &Runner{Interpreter: interpreter}
}

// Run writes source to a fresh working directory, executes it under the
// given timeout, and returns a Result. A failing or timed-out script is a
// normal Result, never an error; a non-nil error means an infrastructure
// fault (cannot create the workdir, cannot spawn the interpreter).
//
// The working directory is created per run and removed afterwards, so any
// files the script writes cannot leak into the next attempt.
func (r *Runner) Run(ctx context.Context, source string, timeout time.Duration) (*Result, error) {
	dir, err := os.MkdirTemp(r.WorkRoot, "scriptfix-run-*")
	if err != nil {
		return nil, fmt.Errorf("creating working directory: %w", err)
	}
	defer os.RemoveAll(dir)

	scriptPath := filepath.Join(dir, "script.py")
	if err := os.WriteFile(scriptPath, []byte(source), 0o600); err != nil {
		return nil, fmt.Errorf("writing script: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Interpreter, scriptPath)
	cmd.Dir = dir

	var stdout, stderr limitedBuffer
	stdout.limit = MaxCapturedOutput
	stderr.limit = MaxCapturedOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning %s: %w", r.Interpreter, err)
	}

	waitErr := cmd.Wait()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.Status = StatusTimeout
		res.ExitCode = -1
	case waitErr == nil:
		res.Status = StatusSuccess
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.Status = StatusFailure
			res.ExitCode = exitErr.ExitCode()
		} else {
			// Wait failed for a reason other than the script's exit code.
			return nil, fmt.Errorf("waiting for %s: %w", r.Interpreter, waitErr)
		}
	}

	return res, nil
}

// limitedBuffer captures up to limit bytes and silently discards the rest.
type limitedBuffer struct {
	buf   strings.Builder
	limit int
}

func (w *limitedBuffer) Write(p []byte) (int, error) {
	if w.buf.Len() < w.limit {
		remaining := w.limit - w.buf.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		w.buf.Write(p)
	}
	return len(p), nil
}

func (w *limitedBuffer) String() string { return w.buf.String() }
