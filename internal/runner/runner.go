// Package runner executes task commands through the shell and captures the
// tail of their output.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"golang.org/x/time/rate"
)

// Triggers recorded with each run.
const (
	TriggerSchedule = "schedule"
	TriggerCatchUp  = "catch-up"
	TriggerManual   = "manual"
)

// Request describes one command run.
type Request struct {
	Task      string
	Command   string
	WorkDir   string
	Env       map[string]string
	Timeout   time.Duration
	Trigger   string
	Scheduled time.Time
	// Stdout and Stderr, when set, also receive the full output.
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the outcome of a run. Stdout and Stderr hold at most the
// configured number of trailing bytes.
type Result struct {
	StartedAt       time.Time
	Duration        time.Duration
	ExitCode        int
	Error           string
	Stdout          string
	Stderr          string
	OutputTruncated bool
	// OutputError is the first error from the Request's Stdout or Stderr
	// writer. The command keeps running; later output skips that writer.
	OutputError string
}

// Succeeded reports whether the command exited zero.
func (r *Result) Succeeded() bool {
	return r.Error == "" && r.ExitCode == 0
}

// Options configures a Runner. Zero values take defaults.
type Options struct {
	MaxStartsPerSecond float64
	Burst              int
	OutputBytes        int
	Shell              string
}

// Runner executes shell commands for tasks, throttling how fast commands
// are started.
type Runner struct {
	limiter     *rate.Limiter
	outputBytes int
	shell       string
}

// NewRunner creates a Runner.
func NewRunner(opts Options) *Runner {
	limit := rate.Inf
	if opts.MaxStartsPerSecond > 0 {
		limit = rate.Limit(opts.MaxStartsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	if opts.OutputBytes <= 0 {
		opts.OutputBytes = 64 * 1024
	}
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	return &Runner{
		limiter:     rate.NewLimiter(limit, burst),
		outputBytes: opts.OutputBytes,
		shell:       opts.Shell,
	}
}

// Run executes req.Command with "sh -c". It blocks until the start limiter
// admits the run; the only error returned is ctx ending while waiting.
// Command failures are reported in the Result.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("runner: waiting to start %q: %w", req.Task, err)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.shell, "-c", req.Command)
	cmd.Env = BuildEnv(req)
	cmd.Dir = req.WorkDir

	stdoutBuf := NewRingBuffer(r.outputBytes)
	stderrBuf := NewRingBuffer(r.outputBytes)
	stdout := &teeWriter{primary: stdoutBuf, secondary: req.Stdout}
	stderr := &teeWriter{primary: stderrBuf, secondary: req.Stderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()

	result := &Result{
		StartedAt:       start,
		Duration:        time.Since(start),
		Stdout:          stdoutBuf.String(),
		Stderr:          stderrBuf.String(),
		OutputTruncated: stdoutBuf.Truncated() || stderrBuf.Truncated(),
	}
	if err := errors.Join(stdout.err, stderr.err); err != nil {
		result.OutputError = err.Error()
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.Error = "timeout"
		} else {
			result.Error = err.Error()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
	}

	return result, nil
}

// teeWriter copies output to secondary until secondary fails once. The
// primary ring buffer never fails.
type teeWriter struct {
	primary   io.Writer
	secondary io.Writer
	err       error
}

func (t *teeWriter) Write(p []byte) (int, error) {
	n, err := t.primary.Write(p)
	if t.secondary != nil && t.err == nil {
		if _, werr := t.secondary.Write(p); werr != nil {
			t.err = fmt.Errorf("copying output: %w", werr)
		}
	}
	return n, err
}
