// ABOUTME: Reference agent loop that polls for jobs, runs them and reports the outcome
// ABOUTME: Backs off on server errors and can be woken early by job notifications

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-dispatch/internal/client"
	"github.com/2389/coven-dispatch/internal/deploy"
	"github.com/2389/coven-dispatch/internal/ledger"
)

// DefaultMaxOutput caps the output reported for one job.
const DefaultMaxOutput = 256 << 10

// Config tunes a Poller.
type Config struct {
	Interval  time.Duration
	AppsBase  string // where .env files from bundles are written
	MaxOutput int
}

type outcome struct {
	status string
	output string
}

// Poller runs the jobs assigned to one agent.
type Poller struct {
	client  *client.Client
	runner  *deploy.Runner
	cfg     Config
	backoff *Backoff
	wake    chan struct{}
	logger  *slog.Logger

	// outcomes that could not be reported yet, retried before the next poll
	unreported map[string]outcome
}

// NewPoller creates a poller. c must carry the agent token.
func NewPoller(c *client.Client, runner *deploy.Runner, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:     c,
		runner:     runner,
		cfg:        cfg,
		backoff:    NewBackoff(time.Second, 5*time.Minute, 2.0),
		wake:       make(chan struct{}, 1),
		logger:     logger.With("component", "worker"),
		unreported: make(map[string]outcome),
	}
}

// Wake asks the loop to poll now. It never blocks.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("polling for jobs", "interval", p.cfg.Interval)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := p.backoff.Next()
			p.logger.Error("poll failed", "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		p.backoff.Reset()

		select {
		case <-ctx.Done():
			p.logger.Info("polling stopped")
			return nil
		case <-p.wake:
			p.logger.Debug("woken by notification")
		case <-ticker.C:
		}
	}
}

// PollOnce flushes pending reports, fetches the pending jobs and runs them in
// order.
func (p *Poller) PollOnce(ctx context.Context) error {
	if err := p.flushReports(ctx); err != nil {
		return err
	}

	jobs, err := p.client.PollJobs(ctx)
	if err != nil {
		return fmt.Errorf("polling jobs: %w", err)
	}

	for _, job := range jobs {
		if _, done := p.unreported[job.JobID]; done {
			continue
		}
		out, err := p.runJob(ctx, job)
		if err != nil {
			return err
		}
		p.unreported[job.JobID] = out
		if err := p.flushReports(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) flushReports(ctx context.Context) error {
	for jobID, out := range p.unreported {
		err := p.client.Report(ctx, jobID, out.status, out.output)
		switch {
		case err == nil:
		case client.StatusOf(err) >= 400 && client.StatusOf(err) < 500:
			// the server will never accept this report
			p.logger.Warn("dropping rejected report", "job_id", jobID, "error", err)
		default:
			return fmt.Errorf("reporting job %s: %w", jobID, err)
		}
		delete(p.unreported, jobID)
	}
	return nil
}

// runJob executes one job. The returned error is only set when ctx ended
// before an outcome was known.
func (p *Poller) runJob(ctx context.Context, job ledger.Job) (outcome, error) {
	logger := p.logger.With("job_id", job.JobID)
	logger.Info("running job", "args", job.Args, "is_spa", job.IsSPA)

	if len(job.Args) == 0 {
		return outcome{ledger.StatusFailed, "job has no arguments"}, nil
	}

	if job.EnvToken != "" {
		path, err := p.writeBundle(ctx, job)
		if err != nil {
			if ctx.Err() != nil {
				return outcome{}, ctx.Err()
			}
			logger.Error("preparing env bundle failed", "error", err)
			return outcome{ledger.StatusFailed, err.Error()}, nil
		}
		logger.Info("wrote env file", "path", path)
	}

	buf := newTailBuffer(p.cfg.MaxOutput)
	res, err := p.runner.Stream(ctx, buf, job.IsSPA, job.Args)
	switch {
	case errors.Is(err, deploy.ErrScriptUnavailable):
		return outcome{ledger.StatusFailed, buf.String()}, nil
	case err != nil:
		return outcome{}, err
	}

	status := ledger.StatusDone
	if !res.OK() {
		status = ledger.StatusFailed
	}
	logger.Info("job finished", "status", status, "exit_code", res.ExitCode, "timed_out", res.TimedOut)
	return outcome{status, buf.String()}, nil
}

// writeBundle fetches the job's env bundle and writes it as the app's .env.
func (p *Poller) writeBundle(ctx context.Context, job ledger.Job) (string, error) {
	payload, err := p.client.DownloadEnv(ctx, job.EnvToken)
	if err != nil {
		return "", fmt.Errorf("downloading env bundle: %w", err)
	}
	env, err := deploy.ParseEnv(payload)
	if err != nil {
		return "", err
	}
	path, err := deploy.EnvFilePath(p.cfg.AppsBase, job.Args[0])
	if err != nil {
		return "", err
	}
	if err := deploy.WriteEnvFile(path, env); err != nil {
		return "", err
	}
	return path, nil
}
