package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/client"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/gateway"
)

func TestServerURL(t *testing.T) {
	t.Setenv("DISPATCH_URL", "")
	cfg := config.Default()

	cfg.Server.HTTPAddr = ":8000"
	if got := serverURL(cfg); got != "http://127.0.0.1:8000" {
		t.Errorf("serverURL = %q", got)
	}

	cfg.Server.HTTPAddr = "10.0.0.2:9000"
	if got := serverURL(cfg); got != "http://10.0.0.2:9000" {
		t.Errorf("serverURL = %q", got)
	}

	t.Setenv("DISPATCH_URL", "https://dispatch.example.com")
	if got := serverURL(cfg); got != "https://dispatch.example.com" {
		t.Errorf("serverURL = %q, want env override", got)
	}
}

func TestAdminToken(t *testing.T) {
	t.Setenv("DISPATCH_ADMIN_TOKEN", "")
	cfg := config.Default()
	cfg.Auth.AdminToken = "static"

	got, err := adminToken(cfg)
	if err != nil || got != "static" {
		t.Fatalf("adminToken = %q, %v", got, err)
	}

	cfg.Auth.AdminToken = ""
	cfg.Auth.JWTSecret = strings.Repeat("k", 32)
	got, err = adminToken(cfg)
	if err != nil {
		t.Fatalf("adminToken: %v", err)
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		t.Fatal(err)
	}
	if sub, err := verifier.Verify(got); err != nil || sub != "coven-dispatch-cli" {
		t.Errorf("minted token verify = %q, %v", sub, err)
	}

	t.Setenv("DISPATCH_ADMIN_TOKEN", "from-env")
	if got, _ := adminToken(cfg); got != "from-env" {
		t.Errorf("adminToken = %q, want env override", got)
	}
}

func TestRunInit_WritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coven", "dispatch.yaml")
	in := strings.NewReader(path + "\n:9100\n\n" + t.TempDir() + "\n")

	if err := runInit(in); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	cfg, err := config.Load(path, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPAddr != ":9100" {
		t.Errorf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if !cfg.Auth.AdminConfigured() {
		t.Error("expected a generated admin credential")
	}
	if cfg.Deploy.Timeout != 30*time.Minute {
		t.Errorf("Timeout = %v", cfg.Deploy.Timeout)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("SHA256:abcdefghijklmnop", 10); got != "SHA256:..." {
		t.Errorf("truncate = %q", got)
	}
}

const cliAdminToken = "cli-test-admin"

type cliServer struct {
	admin    *client.Client
	appsBase string
}

// startCLIServer writes a config file, serves a gateway from it and points the
// CLI at both through the environment.
func startCLIServer(t *testing.T, certScript string) *cliServer {
	t.Helper()
	dir := t.TempDir()
	appsBase := filepath.Join(dir, "apps")
	path := filepath.Join(dir, "dispatch.yaml")
	yaml := fmt.Sprintf(`server:
  http_addr: "127.0.0.1:0"
storage:
  path: %q
auth:
  admin_token: %q
deploy:
  cert_script: %q
  apps_base: %q
`, filepath.Join(dir, "data"), cliAdminToken, certScript, appsBase)
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DISPATCH_CONFIG", path)
	t.Setenv("DISPATCH_ADMIN_TOKEN", "")
	cfg, err := config.Load(path, false)
	require.NoError(t, err)

	gw, err := gateway.New(cfg, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	t.Setenv("DISPATCH_URL", srv.URL)

	return &cliServer{
		admin:    client.New(srv.URL, client.WithAdminToken(cliAdminToken)),
		appsBase: appsBase,
	}
}

func TestRunCreateJob_UploadsEnvFile(t *testing.T) {
	srv := startCLIServer(t, "/nonexistent")
	ctx := context.Background()

	reg, err := client.New(os.Getenv("DISPATCH_URL")).Register(ctx, client.RegisterRequest{Hostname: "vps-1"})
	require.NoError(t, err)

	envFile := filepath.Join(t.TempDir(), "env.json")
	require.NoError(t, os.WriteFile(envFile, []byte(`{"DB_URL":"postgres://db"}`), 0o600))

	var out bytes.Buffer
	err = runCreateJob(ctx, []string{"--agent", reg.AgentID, "--spa", "--env-file", envFile,
		"https://github.com/acme/site.git", "site.com"}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Job queued")

	jobs, err := srv.admin.ListJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, jobs.Len())
	job, _ := jobs.Get(jobs.Keys()[0])
	assert.Equal(t, reg.AgentID, job.AgentID)
	assert.Equal(t, []string{"https://github.com/acme/site.git", "site.com"}, job.Args)
	assert.True(t, job.IsSPA)
	assert.True(t, strings.HasPrefix(job.EnvToken, "env_"))

	agent := client.New(os.Getenv("DISPATCH_URL"), client.WithAgentToken(reg.AgentToken))
	payload, err := agent.DownloadEnv(ctx, job.EnvToken)
	require.NoError(t, err)
	assert.JSONEq(t, `{"DB_URL":"postgres://db"}`, string(payload))
}

func TestRunCreateJob_Errors(t *testing.T) {
	startCLIServer(t, "/nonexistent")
	ctx := context.Background()

	err := runCreateJob(ctx, []string{"https://x/y.git"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "usage")

	err = runCreateJob(ctx, []string{"--agent", "a", "--env-token", "env_x", "--env-file", "f"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "mutually exclusive")

	err = runCreateJob(ctx, []string{"--agent", "ghost", "https://x/y.git"}, &bytes.Buffer{})
	assert.Equal(t, http.StatusNotFound, client.StatusOf(err))
}

func TestRunUploadEnv(t *testing.T) {
	startCLIServer(t, "/nonexistent")
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runUploadEnv(ctx, []string{"-"}, strings.NewReader(`{"K":"v"}`), &out))
	token := strings.TrimSpace(out.String())
	assert.True(t, strings.HasPrefix(token, "env_"), token)

	err := runUploadEnv(ctx, []string{"-"}, strings.NewReader("not json"), &bytes.Buffer{})
	assert.Equal(t, http.StatusBadRequest, client.StatusOf(err))

	err = runUploadEnv(ctx, nil, strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorContains(t, err, "usage")
}

func TestRunDeploy_StreamsAndWritesEnv(t *testing.T) {
	script := filepath.Join(t.TempDir(), "deploy.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"deploying $1 to $2\"\n"), 0o755))
	srv := startCLIServer(t, script)

	envFile := filepath.Join(t.TempDir(), "env.json")
	require.NoError(t, os.WriteFile(envFile, []byte(`{"PORT":8080}`), 0o600))

	var out bytes.Buffer
	err := runDeploy(context.Background(), []string{"--repo", "https://github.com/acme/shop.git",
		"--domain", "shop.example.com", "--env-file", envFile}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "deploying https://github.com/acme/shop.git to shop.example.com")
	assert.Contains(t, out.String(), "--- Process exited with code 0 ---")

	data, err := os.ReadFile(filepath.Join(srv.appsBase, "shop", ".env"))
	require.NoError(t, err)
	assert.Equal(t, "PORT=\"8080\"\n", string(data))
}

func TestRunDeploy_Errors(t *testing.T) {
	startCLIServer(t, "/nonexistent")

	err := runDeploy(context.Background(), []string{"--domain", "x.com"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "usage")

	err = runDeploy(context.Background(), []string{"--repo"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "requires a value")

	envFile := filepath.Join(t.TempDir(), "env.json")
	require.NoError(t, os.WriteFile(envFile, []byte(`["not","an","object"]`), 0o600))
	err = runDeploy(context.Background(), []string{"--repo", "https://x/y.git", "--env-file", envFile}, &bytes.Buffer{})
	assert.Error(t, err)
}
