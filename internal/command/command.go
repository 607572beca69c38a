// Package command runs the external tools a backup shells out to (rsync, tar, gpg,
// chmod, rm) and turns their exit status into checked errors.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/polarfoxDev/anchor/internal/helpers"
)

// Result is what a finished command produced
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes one external command and waits for it
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExitError reports a command that ran but exited non-zero
type ExitError struct {
	Name   string
	Args   []string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s %v exited with code %d", e.Name, e.Args, e.Code)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + helpers.TruncateString(stderr, 512)
	}
	return msg
}

// LineLogger receives command output line by line while the command runs
type LineLogger interface {
	Debug(format string, args ...any)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	// Timeout bounds every command; zero means no limit beyond ctx
	Timeout time.Duration
	// Log receives streamed stdout/stderr lines; may be nil
	Log LineLogger
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	outLines := &lineWriter{logger: r.Log, prefix: name}
	errLines := &lineWriter{logger: r.Log, prefix: name}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = io.MultiWriter(&stdout, outLines)
	cmd.Stderr = io.MultiWriter(&stderr, errLines)
	err := cmd.Run()
	outLines.flush()
	errLines.flush()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Name: name, Args: args, Code: res.ExitCode, Stderr: res.Stderr}
	}
	res.ExitCode = -1
	if ctx.Err() != nil {
		return res, fmt.Errorf("%s %v aborted: %w", name, args, ctx.Err())
	}
	return res, fmt.Errorf("%s %v failed: %w", name, args, err)
}

// lineWriter forwards complete lines to the logger as they arrive
type lineWriter struct {
	logger LineLogger
	prefix string
	mu     sync.Mutex
	buffer []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.logger == nil {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buffer = append(w.buffer, p...)
	for {
		idx := bytes.IndexByte(w.buffer, '\n')
		if idx == -1 {
			break
		}
		line := strings.TrimRight(string(w.buffer[:idx]), "\r")
		// progress output redraws with carriage returns; keep the final state
		if i := strings.LastIndexByte(line, '\r'); i >= 0 {
			line = line[i+1:]
		}
		if line != "" {
			w.logger.Debug("%s: %s", w.prefix, line)
		}
		w.buffer = w.buffer[idx+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.logger == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if line := strings.TrimRight(string(w.buffer), "\r\n"); line != "" {
		w.logger.Debug("%s: %s", w.prefix, line)
	}
	w.buffer = nil
}
