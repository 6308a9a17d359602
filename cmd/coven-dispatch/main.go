// ABOUTME: Entry point for the coven-dispatch control plane
// ABOUTME: Serves the coordination API and offers admin subcommands over the same protocol

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/client"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/deploy"
	"github.com/2389/coven-dispatch/internal/gateway"
	"github.com/2389/coven-dispatch/internal/ledger"
	"github.com/2389/coven-dispatch/internal/logging"
	"github.com/2389/coven-dispatch/internal/registry"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                       _ _                 _       _
  ___ _____   _____ _ __           __| (_)___ _ __   __ _| |_ ___| |__
 / __/ _ \ \ / / _ \ '_ \ _____  / _' | / __| '_ \ / _' | __/ __| '_ \
| (_| (_) \ V /  __/ | | |_____|| (_| | \__ \ |_) | (_| | || (__| | | |
 \___\___/ \_/ \___|_| |_|       \__,_|_|___/ .__/ \__,_|\__\___|_| |_|
                                            |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin)
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "jobs":
		err = runJobs(ctx, args)
	case "create-job":
		err = runCreateJob(ctx, args, os.Stdout)
	case "upload-env":
		err = runUploadEnv(ctx, args, os.Stdin, os.Stdout)
	case "deploy":
		err = runDeploy(ctx, args, os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: coven-dispatch <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Start the dispatch server")
	fmt.Println("  init                                Create a new config file interactively")
	fmt.Println("  token [--subject NAME] [--ttl DUR]  Mint an admin JWT")
	fmt.Println("  health                              Check server health")
	fmt.Println("  agents                              List registered agents")
	fmt.Println("  jobs [--agent ID] [--status S]      List jobs")
	fmt.Println("  create-job --agent ID [--spa] [--env-token T | --env-file F] REPO [DOMAIN]")
	fmt.Println("                                      Queue a deployment for an agent")
	fmt.Println("  upload-env FILE|-                   Store a JSON env bundle, print its token")
	fmt.Println("  deploy --repo URL [--domain D] [--spa] [--env-file F]")
	fmt.Println("                                      Deploy on the server host, streaming output")
	fmt.Println("  version                             Print the version")
}

// loadConfig reads the config, falling back to defaults only when the
// default location is used and has no file.
func loadConfig() (*config.Config, string, error) {
	path := config.Path()
	cfg, err := config.Load(path, os.Getenv("DISPATCH_CONFIG") == "")
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closer := logging.New(os.Stdout, logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	defer closer.Close()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	status := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	status("Config", configPath)
	status("HTTP", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		status("gRPC", cfg.Server.GRPCAddr+" (health)")
	}
	status("Storage", cfg.Storage.Backend+" "+cfg.Storage.Path)
	status("Scripts", cfg.Deploy.CertScript+", "+cfg.Deploy.SPAScript)
	if cfg.NATS.Enabled {
		status("NATS", cfg.NATS.URL)
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Tailscale:")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.InsecureAdmin && !cfg.Auth.AdminConfigured() {
		yellow.Println("    ! admin endpoints are open to anyone (insecure_admin)")
	}
	fmt.Println()

	logger.Info("starting coven-dispatch",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"storage", cfg.Storage.Path,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// serverURL is where CLI commands reach the server. DISPATCH_URL wins.
func serverURL(cfg *config.Config) string {
	if u := os.Getenv("DISPATCH_URL"); u != "" {
		return u
	}
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// adminToken picks the CLI credential: DISPATCH_ADMIN_TOKEN, the static
// token, or a short-lived JWT minted from jwt_secret.
func adminToken(cfg *config.Config) (string, error) {
	if t := os.Getenv("DISPATCH_ADMIN_TOKEN"); t != "" {
		return t, nil
	}
	if cfg.Auth.AdminToken != "" {
		return cfg.Auth.AdminToken, nil
	}
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return "", err
		}
		return verifier.Generate("coven-dispatch-cli", 5*time.Minute)
	}
	return "", nil
}

func adminClient() (*client.Client, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	token, err := adminToken(cfg)
	if err != nil {
		return nil, fmt.Errorf("preparing admin credential: %w", err)
	}
	return client.New(serverURL(cfg), client.WithAdminToken(token)), nil
}

func runHealth(ctx context.Context) error {
	c, err := adminClient()
	if err != nil {
		return err
	}
	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	ready, err := c.Ready(ctx)
	if err != nil {
		return fmt.Errorf("not ready: %w", err)
	}

	color.New(color.FgGreen).Print("healthy")
	fmt.Printf(" (%s)\n", ready)
	return nil
}

func runAgents(ctx context.Context) error {
	c, err := adminClient()
	if err != nil {
		return err
	}
	agents, err := c.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Agents")
	cyan.Println("  ------")

	if agents.Len() == 0 {
		fmt.Println("  (no agents)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tHOSTNAME\tIP\tSSH\tLAST SEEN")
	fmt.Fprintln(w, "  --\t--------\t--\t---\t---------")
	agents.Range(func(id string, a registry.Agent) bool {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			id, a.Hostname, orDash(a.IP), orDash(truncate(a.SSHFingerprint, 24)), formatUnix(a.LastSeen))
		return true
	})
	w.Flush()
	fmt.Println()
	return nil
}

func runJobs(ctx context.Context, args []string) error {
	var agentID, status string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--agent", "-a":
			if i+1 >= len(args) {
				return fmt.Errorf("--agent requires a value")
			}
			agentID = args[i+1]
			i++
		case "--status", "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("--status requires a value")
			}
			status = args[i+1]
			i++
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	c, err := adminClient()
	if err != nil {
		return err
	}
	jobs, err := c.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}

	selected := jobs.Filter(func(j ledger.Job) bool {
		return (agentID == "" || j.AgentID == agentID) && (status == "" || j.Status == status)
	})

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Jobs")
	cyan.Println("  ----")

	if len(selected) == 0 {
		fmt.Println("  (no jobs)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tAGENT\tSTATUS\tARGS\tUPDATED")
	fmt.Fprintln(w, "  --\t-----\t------\t----\t-------")
	for _, j := range selected {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			j.JobID, truncate(j.AgentID, 12), j.Status,
			truncate(strings.Join(j.Args, " "), 48), formatUnix(j.Updated))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func runCreateJob(ctx context.Context, args []string, out io.Writer) error {
	var req client.CreateJobRequest
	var envFile string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--agent" || arg == "-a":
			if i+1 >= len(args) {
				return fmt.Errorf("--agent requires a value")
			}
			req.AgentID = args[i+1]
			i++
		case arg == "--env-token":
			if i+1 >= len(args) {
				return fmt.Errorf("--env-token requires a value")
			}
			req.EnvToken = args[i+1]
			i++
		case arg == "--env-file":
			if i+1 >= len(args) {
				return fmt.Errorf("--env-file requires a value")
			}
			envFile = args[i+1]
			i++
		case arg == "--spa":
			req.IsSPA = true
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			req.Args = append(req.Args, arg)
		}
	}

	if req.AgentID == "" {
		return fmt.Errorf("usage: create-job --agent <id> [--spa] [--env-token T | --env-file F] <repo_url> [domain]")
	}
	if req.EnvToken != "" && envFile != "" {
		return fmt.Errorf("--env-token and --env-file are mutually exclusive")
	}

	c, err := adminClient()
	if err != nil {
		return err
	}

	if envFile != "" {
		payload, err := os.ReadFile(envFile)
		if err != nil {
			return fmt.Errorf("reading env file: %w", err)
		}
		req.EnvToken, err = c.UploadEnv(ctx, payload)
		if err != nil {
			return fmt.Errorf("uploading env bundle: %w", err)
		}
	}

	jobID, err := c.CreateJob(ctx, req)
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, color.GreenString("  Job queued"))
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Job:    %s\n", jobID)
	fmt.Fprintf(out, "  Agent:  %s\n", req.AgentID)
	if req.EnvToken != "" {
		fmt.Fprintf(out, "  Env:    %s\n", req.EnvToken)
	}
	fmt.Fprintln(out)
	return nil
}

func runUploadEnv(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: upload-env <file.json | ->")
	}

	var payload []byte
	var err error
	if args[0] == "-" {
		payload, err = io.ReadAll(in)
	} else {
		payload, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("reading env bundle: %w", err)
	}

	c, err := adminClient()
	if err != nil {
		return err
	}
	token, err := c.UploadEnv(ctx, payload)
	if err != nil {
		return fmt.Errorf("uploading env bundle: %w", err)
	}

	// token alone on stdout so scripts can capture it
	fmt.Fprintln(out, token)
	return nil
}

func runDeploy(ctx context.Context, args []string, out io.Writer) error {
	var req client.DeployRequest
	var envFile string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case (arg == "--repo" || arg == "--domain" || arg == "--env-file") && i+1 >= len(args):
			return fmt.Errorf("%s requires a value", arg)
		case arg == "--repo":
			req.RepoURL = args[i+1]
			i++
		case arg == "--domain":
			req.Domain = args[i+1]
			i++
		case arg == "--env-file":
			envFile = args[i+1]
			i++
		case arg == "--spa":
			req.IsSPA = true
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if req.RepoURL == "" {
		return fmt.Errorf("usage: deploy --repo <url> [--domain D] [--spa] [--env-file F]")
	}

	if envFile != "" {
		data, err := os.ReadFile(envFile)
		if err != nil {
			return fmt.Errorf("reading env file: %w", err)
		}
		req.Env, err = deploy.ParseEnv(data)
		if err != nil {
			return err
		}
	}

	c, err := adminClient()
	if err != nil {
		return err
	}
	return c.Deploy(ctx, req, out)
}

func runToken(args []string) error {
	subject := "admin"
	ttl := 30 * 24 * time.Hour
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--subject" && i+1 < len(args):
			subject = args[i+1]
			i++
		case strings.HasPrefix(arg, "--subject="):
			subject = strings.TrimPrefix(arg, "--subject=")
		case arg == "--ttl" && i+1 < len(args):
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid ttl: %w", err)
			}
			ttl = d
			i++
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	fmt.Println()
	green.Println("  Admin token created")
	fmt.Println()
	cyan.Println("  Subject:  " + subject)
	if ttl > 0 {
		cyan.Println("  Expires:  " + time.Now().Add(ttl).UTC().Format("Jan 02, 2006 15:04 MST"))
	} else {
		cyan.Println("  Expires:  never")
	}
	fmt.Println()
	fmt.Println("  Token (keep this secret!):")
	fmt.Println()
	fmt.Println("  " + token)
	fmt.Println()
	return nil
}

func runInit(in io.Reader) error {
	reader := bufio.NewReader(in)

	fmt.Println("coven-dispatch configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaults := config.Default()

	outputFile := prompt(reader, "Config file path", config.Path())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", defaults.Server.HTTPAddr)

	fmt.Println("\n--- Storage Configuration ---")
	backend := prompt(reader, "Storage backend (file/sqlite)", defaults.Storage.Backend)
	storagePath := prompt(reader, "Storage path", defaults.Storage.Path)

	fmt.Println("\n--- Deployment Scripts ---")
	certScript := prompt(reader, "Cert deployment script", defaults.Deploy.CertScript)
	spaScript := prompt(reader, "SPA deployment script", defaults.Deploy.SPAScript)
	appsBase := prompt(reader, "Apps base directory", defaults.Deploy.AppsBase)

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname string
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "coven-dispatch")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", defaults.Logging.Level)
	logFormat := prompt(reader, "Log format (text/json)", defaults.Logging.Format)

	adminSecret, err := randomHex(24)
	if err != nil {
		return fmt.Errorf("generating admin token: %w", err)
	}
	jwtSecret, err := randomHex(32)
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# coven-dispatch configuration\n")
	cfg.WriteString("# Generated by coven-dispatch init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n\n", httpAddr))

	cfg.WriteString("storage:\n")
	cfg.WriteString(fmt.Sprintf("  backend: %q\n", backend))
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", storagePath))

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  admin_token: %q\n", adminSecret))
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n\n", jwtSecret))

	cfg.WriteString("deploy:\n")
	cfg.WriteString(fmt.Sprintf("  cert_script: %q\n", certScript))
	cfg.WriteString(fmt.Sprintf("  spa_script: %q\n", spaScript))
	cfg.WriteString(fmt.Sprintf("  apps_base: %q\n", appsBase))
	cfg.WriteString("  timeout: \"30m\"\n\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
	}
	cfg.WriteString("\n")

	cfg.WriteString("nats:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString(fmt.Sprintf("  url: %q\n\n", defaults.NATS.URL))

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// holds secrets
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  coven-dispatch serve")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).Format("Jan 02 15:04")
}
