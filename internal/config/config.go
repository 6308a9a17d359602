// ABOUTME: Configuration loading and parsing for coven-dispatch
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, .env files and legacy env overrides

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config represents the complete coven-dispatch configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Deploy    DeployConfig    `yaml:"deploy" toml:"deploy"`
	NATS      NATSConfig      `yaml:"nats" toml:"nats"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // optional gRPC health endpoint
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// StorageConfig selects the document store
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"` // "file" or "sqlite"
	Path    string `yaml:"path" toml:"path"`       // directory for file, database file for sqlite
}

// AuthConfig holds admin credential configuration
type AuthConfig struct {
	AdminToken    string `yaml:"admin_token" toml:"admin_token"`
	JWTSecret     string `yaml:"jwt_secret" toml:"jwt_secret"`
	InsecureAdmin bool   `yaml:"insecure_admin" toml:"insecure_admin"`
}

// AdminConfigured reports whether any admin credential is configured.
func (a AuthConfig) AdminConfigured() bool {
	return a.AdminToken != "" || a.JWTSecret != ""
}

// DeployConfig holds the deployment script settings
type DeployConfig struct {
	CertScript string        `yaml:"cert_script" toml:"cert_script"`
	SPAScript  string        `yaml:"spa_script" toml:"spa_script"`
	AppsBase   string        `yaml:"apps_base" toml:"apps_base"`
	Timeout    time.Duration `yaml:"-" toml:"-"`

	// Raw string value for unmarshaling
	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// NATSConfig holds job event publishing configuration
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	URL           string `yaml:"url" toml:"url"`
	Token         string `yaml:"token" toml:"token"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"` // optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: ":8000"},
		Storage: StorageConfig{
			Backend: BackendFile,
			Path:    "/var/lib/orch_b",
		},
		Deploy: DeployConfig{
			CertScript: "/opt/vps-deployment/deploy_app_with_certs.sh",
			SPAScript:  "/opt/vps-deployment/deploy-spa-app.sh",
			AppsBase:   "/opt/vps-deployment/apps",
			Timeout:    1800 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "dispatch",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Path returns the config file location.
// Priority: DISPATCH_CONFIG env var > XDG_CONFIG_HOME/coven/dispatch.yaml > ~/.config/coven/dispatch.yaml
func Path() string {
	if envPath := os.Getenv("DISPATCH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "dispatch.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "dispatch.yaml")
}

// Load reads a configuration file and returns a parsed, validated Config.
// A .env file in the working directory is loaded first. If path does not exist
// and allowMissing is set, defaults plus environment overrides are used.
// Files ending in .toml are parsed as TOML, everything else as YAML.
func Load(path string, allowMissing bool) (*Config, error) {
	_ = godotenv.Load() // a missing .env is fine

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && allowMissing:
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := decode(path, expandEnvVars(string(data)), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func decode(path, data string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(data, cfg)
		return err
	}
	return yaml.Unmarshal([]byte(data), cfg)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnvOverrides honors the environment variables older deployments are
// configured with. They win over the file.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("ADMIN_API_TOKEN"); v != "" {
		cfg.Auth.AdminToken = v
	}
	if v := os.Getenv("DISPATCH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("ORCH_B_STORAGE"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("DEPLOY_CERT_SCRIPT"); v != "" {
		cfg.Deploy.CertScript = v
	}
	if v := os.Getenv("DEPLOY_SPA_SCRIPT"); v != "" {
		cfg.Deploy.SPAScript = v
	}
	if v := os.Getenv("APPS_BASE"); v != "" {
		cfg.Deploy.AppsBase = v
	}
	if v := os.Getenv("DEFAULT_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DEFAULT_TIMEOUT %q: %w", v, err)
		}
		cfg.Deploy.Timeout = time.Duration(secs) * time.Second
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Storage.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.Storage.Backend)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if !c.Auth.AdminConfigured() && !c.Auth.InsecureAdmin {
		// deployments that relied on an unset ADMIN_API_TOKEN meaning open admin land here
		return fmt.Errorf("auth.admin_token or auth.jwt_secret is required: admin endpoints are no longer open " +
			"when ADMIN_API_TOKEN is unset; set ADMIN_API_TOKEN, or auth.insecure_admin: true to keep the old open behavior")
	}

	if c.Deploy.Timeout <= 0 {
		return fmt.Errorf("deploy.timeout must be positive")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Deploy.TimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Deploy.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing deploy.timeout %q: %w", cfg.Deploy.TimeoutRaw, err)
		}
		cfg.Deploy.Timeout = d
	}
	return nil
}
