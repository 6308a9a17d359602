// ABOUTME: Environment configuration for the dispatch-agent binary
// ABOUTME: Reads DISPATCH_* variables, loading a .env file first when present

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// AgentConfig configures a polling agent.
type AgentConfig struct {
	ServerURL     string
	AgentID       string
	Token         string
	PollInterval  time.Duration
	StateFile     string // where a freshly registered identity is kept
	Hostname      string
	SSHPubkeyFile string

	CertScript string
	SPAScript  string
	AppsBase   string
	Timeout    time.Duration

	NATSURL    string
	NATSToken  string
	NATSPrefix string

	LogLevel string
	LogFile  string
}

// LoadAgent reads agent settings from the environment. envFiles are loaded in
// order before falling back to ./.env; variables already set are kept.
func LoadAgent(envFiles ...string) (*AgentConfig, error) {
	_ = godotenv.Load(envFiles...)

	host, _ := os.Hostname()
	cfg := &AgentConfig{
		ServerURL:     getenv("DISPATCH_URL", "http://127.0.0.1:8000"),
		AgentID:       os.Getenv("DISPATCH_AGENT_ID"),
		Token:         os.Getenv("DISPATCH_AGENT_TOKEN"),
		PollInterval:  10 * time.Second,
		StateFile:     getenv("DISPATCH_AGENT_STATE", "/var/lib/dispatch-agent/identity.json"),
		Hostname:      getenv("DISPATCH_HOSTNAME", host),
		SSHPubkeyFile: os.Getenv("DISPATCH_SSH_PUBKEY_FILE"),
		CertScript:    getenv("DEPLOY_CERT_SCRIPT", "/opt/vps-deployment/deploy_app_with_certs.sh"),
		SPAScript:     getenv("DEPLOY_SPA_SCRIPT", "/opt/vps-deployment/deploy-spa-app.sh"),
		AppsBase:      getenv("APPS_BASE", "/opt/vps-deployment/apps"),
		Timeout:       1800 * time.Second,
		NATSURL:       os.Getenv("DISPATCH_NATS_URL"),
		NATSToken:     os.Getenv("DISPATCH_NATS_TOKEN"),
		NATSPrefix:    getenv("DISPATCH_NATS_PREFIX", "dispatch"),
		LogLevel:      getenv("DISPATCH_LOG_LEVEL", "info"),
		LogFile:       os.Getenv("DISPATCH_LOG_FILE"),
	}

	if v := os.Getenv("DISPATCH_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("DISPATCH_POLL_INTERVAL %q: %w", v, err)
		}
		cfg.PollInterval = d
	}
	if v := os.Getenv("DEFAULT_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("DEFAULT_TIMEOUT %q: %w", v, err)
		}
		cfg.Timeout = time.Duration(secs) * time.Second
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("DISPATCH_URL is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("DISPATCH_POLL_INTERVAL must be positive")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
