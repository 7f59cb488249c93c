// Package bash runs shell commands, both as the model-facing bash tool and
// as the session's executeBash escape hatch that bypasses the model.
package bash

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultMaxOutput caps captured bytes per stream so a chatty command
// cannot blow up the transcript.
const DefaultMaxOutput = 64000

// Result summarizes one command run. Field names match the RPC bash_end
// payload.
type Result struct {
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"code"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Runner executes commands under /bin/sh -c with bounded output capture.
type Runner struct {
	dir       string
	env       map[string]string
	maxOutput int
}

// Option configures a Runner.
type Option func(*Runner)

// WithDir sets the working directory. Empty means the process cwd.
func WithDir(dir string) Option {
	return func(r *Runner) { r.dir = dir }
}

// WithEnv adds variables on top of the inherited environment.
func WithEnv(env map[string]string) Option {
	return func(r *Runner) { r.env = env }
}

// WithMaxOutput overrides the per-stream capture cap.
func WithMaxOutput(max int) Option {
	return func(r *Runner) { r.maxOutput = max }
}

// NewRunner creates a runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{maxOutput: DefaultMaxOutput}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NotifyFunc receives output snapshots while the command runs. It is called
// from the command's writer goroutines and must be fast.
type NotifyFunc func(stdout, stderr string)

// Run executes one command to completion. Cancellation of ctx kills the
// process; the partial output captured so far is still returned. The
// error return is reserved for setup failures, not command failures: a
// nonzero exit comes back in Result.ExitCode with Error carrying the
// process error text.
func (r *Runner) Run(ctx context.Context, command string, timeout time.Duration, notify NotifyFunc) (Result, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	if r.dir != "" {
		cmd.Dir = r.dir
	}
	if r.env != nil {
		base := os.Environ()
		for k, v := range r.env {
			base = append(base, k+"="+v)
		}
		cmd.Env = base
	}

	stdout := newLimitedBuffer(r.maxOutput)
	stderr := newLimitedBuffer(r.maxOutput)
	if notify != nil {
		onWrite := func() { notify(stdout.String(), stderr.String()) }
		stdout.onWrite = onWrite
		stderr.onWrite = onWrite
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		ExitCode: exitCode(err),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result, nil
}

// limitedBuffer captures up to max bytes and silently discards the rest.
type limitedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	onWrite func()
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.max > 0 && len(b.buf) >= b.max {
		b.mu.Unlock()
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
	} else {
		b.buf = append(b.buf, p...)
	}
	notify := b.onWrite
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
