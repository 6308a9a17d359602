// ABOUTME: Runs the deployment scripts and streams their combined output line by line
// ABOUTME: Enforces a timeout and stops the process when the caller goes away

package deploy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"time"
)

// DefaultTimeout bounds a single script run.
const DefaultTimeout = 30 * time.Minute

// Config selects the scripts and their time limit.
type Config struct {
	CertScript string
	SPAScript  string
	Timeout    time.Duration
}

// Result summarizes a finished run.
type Result struct {
	Script   string
	ExitCode int
	TimedOut bool
}

// OK reports whether the script exited zero within its timeout.
func (r Result) OK() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// ErrScriptUnavailable is returned when the selected script cannot be executed.
var ErrScriptUnavailable = errors.New("script not found or not executable")

// Runner executes deployment scripts.
type Runner struct {
	cfg    Config
	grace  time.Duration
	logger *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, grace: 5 * time.Second, logger: logger.With("component", "deploy")}
}

// Script returns the script selected for the deployment kind.
func (r *Runner) Script(isSPA bool) string {
	if isSPA {
		return r.cfg.SPAScript
	}
	return r.cfg.CertScript
}

// Stream runs the selected script with args and copies its combined output to w
// as it is produced, flushing after each line when w supports it. The stream
// always ends with a status line. A cancelled ctx kills the process and returns
// ctx's error; a timeout is reported in the stream and in Result.
func (r *Runner) Stream(ctx context.Context, w io.Writer, isSPA bool, args []string) (Result, error) {
	script := r.Script(isSPA)
	res := Result{Script: script, ExitCode: -1}

	if !executable(script) {
		r.logger.Error("deployment script unavailable", "script", script)
		_, _ = fmt.Fprintf(w, "ERROR: script not found or not executable: %s\n", script)
		flush(w)
		return res, fmt.Errorf("%w: %s", ErrScriptUnavailable, script)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	pr, pw, err := os.Pipe()
	if err != nil {
		return res, fmt.Errorf("creating output pipe: %w", err)
	}
	defer pr.Close()

	cmd := exec.CommandContext(runCtx, script, args...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		return res, fmt.Errorf("starting %s: %w", script, err)
	}
	pw.Close()
	r.logger.Info("deployment script started", "script", script, "args", args, "pid", cmd.Process.Pid)

	copied := make(chan error, 1)
	go func() { copied <- copyLines(w, pr) }()

	waitErr := cmd.Wait()

	// Background children may inherit the pipe and keep it open after the
	// script exits; stop relaying after a grace period.
	var copyErr error
	select {
	case copyErr = <-copied:
	case <-time.After(r.grace):
		pr.Close()
		copyErr = <-copied
	}

	switch {
	case ctx.Err() != nil:
		r.logger.Warn("deployment script cancelled", "script", script, "error", ctx.Err())
		return res, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		secs := int(r.cfg.Timeout / time.Second)
		r.logger.Error("deployment script timed out", "script", script, "timeout_seconds", secs)
		_, _ = fmt.Fprintf(w, "\n--- ERROR: script timeout after %d seconds ---\n", secs)
		flush(w)
		return res, nil
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("waiting for %s: %w", script, waitErr)
	}
	if copyErr != nil {
		r.logger.Warn("output relay failed", "script", script, "error", copyErr)
	}

	res.ExitCode = cmd.ProcessState.ExitCode()
	r.logger.Info("deployment script finished", "script", script, "exit_code", res.ExitCode)
	_, _ = fmt.Fprintf(w, "\n--- Process exited with code %d ---\n", res.ExitCode)
	flush(w)
	return res, nil
}

func copyLines(w io.Writer, r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				// keep draining so the child never blocks on a full pipe
				_, _ = io.Copy(io.Discard, br)
				return werr
			}
			flush(w)
		}
		if err == io.EOF || errors.Is(err, os.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func flush(w io.Writer) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func executable(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
