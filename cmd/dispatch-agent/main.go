// ABOUTME: Reference deployment agent: registers, polls for jobs, runs the scripts and reports
// ABOUTME: Usage: dispatch-agent [-env /etc/dispatch-agent.env] [-once]

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389/coven-dispatch/internal/client"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/deploy"
	"github.com/2389/coven-dispatch/internal/logging"
	"github.com/2389/coven-dispatch/internal/notify"
	"github.com/2389/coven-dispatch/internal/worker"
)

var version = "dev"

func main() {
	envFile := flag.String("env", "", "env file to load before reading DISPATCH_* variables")
	once := flag.Bool("once", false, "poll a single time and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.LoadAgent(files...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.New(os.Stdout, logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *once, logger); err != nil {
		logger.Error("agent stopped", "error", err)
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AgentConfig, once bool, logger *slog.Logger) error {
	logger.Info("starting dispatch-agent", "version", version, "server", cfg.ServerURL, "hostname", cfg.Hostname)

	c := client.New(cfg.ServerURL)
	id, err := worker.EnsureIdentity(ctx, c, cfg, logger)
	if err != nil {
		return err
	}
	c.SetAgentToken(id.AgentToken)

	runner := deploy.NewRunner(deploy.Config{
		CertScript: cfg.CertScript,
		SPAScript:  cfg.SPAScript,
		Timeout:    cfg.Timeout,
	}, logger)
	poller := worker.NewPoller(c, runner, worker.Config{
		Interval: cfg.PollInterval,
		AppsBase: cfg.AppsBase,
	}, logger)

	if once {
		return poller.PollOnce(ctx)
	}

	if cfg.NATSURL != "" {
		if id.AgentID == "" {
			logger.Warn("agent id unknown, not subscribing to job events (set DISPATCH_AGENT_ID)")
		} else {
			events, err := notify.DialNATS(notify.NATSConfig{
				URL:            cfg.NATSURL,
				Token:          cfg.NATSToken,
				SubjectPrefix:  cfg.NATSPrefix,
				ConnectionName: "dispatch-agent-" + id.AgentID,
				MaxReconnect:   -1,
			}, logger)
			if err != nil {
				// polling still works without events
				logger.Warn("job events unavailable", "error", err)
			} else {
				defer events.Close()
				if _, err := events.SubscribeJobs(id.AgentID, func(ev notify.Event) {
					logger.Debug("job event", "job_id", ev.JobID)
					poller.Wake()
				}); err != nil {
					logger.Warn("subscribing to job events failed", "error", err)
				}
			}
		}
	}

	return poller.Run(ctx)
}
