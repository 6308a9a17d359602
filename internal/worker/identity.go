// ABOUTME: Agent identity bootstrap: configured token, saved state file, or fresh registration
// ABOUTME: A freshly issued token is persisted so restarts keep the same agent id

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/2389/coven-dispatch/internal/client"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/store"
)

// Identity is the agent's credential as issued by the server.
type Identity struct {
	ServerURL  string `json:"server_url"`
	AgentID    string `json:"agent_id"`
	AgentToken string `json:"agent_token"`
	Registered int64  `json:"registered"`
}

// LoadIdentity reads a saved identity. A missing file returns an error
// matching os.ErrNotExist.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parsing identity %s: %w", path, err)
	}
	if id.AgentToken == "" {
		return nil, fmt.Errorf("identity %s has no token", path)
	}
	return &id, nil
}

// SaveIdentity writes id atomically with owner-only permissions.
func SaveIdentity(path string, id *Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, data, 0o600)
}

// EnsureIdentity resolves the agent credential. A token in cfg wins, then a
// saved identity for the same server, and otherwise the agent registers and
// saves the result to cfg.StateFile.
func EnsureIdentity(ctx context.Context, c *client.Client, cfg *config.AgentConfig, logger *slog.Logger) (*Identity, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Token != "" {
		return &Identity{ServerURL: cfg.ServerURL, AgentID: cfg.AgentID, AgentToken: cfg.Token}, nil
	}

	if cfg.StateFile != "" {
		id, err := LoadIdentity(cfg.StateFile)
		switch {
		case err == nil && id.ServerURL == cfg.ServerURL:
			logger.Info("using saved identity", "agent_id", id.AgentID, "state_file", cfg.StateFile)
			return id, nil
		case err == nil:
			logger.Warn("saved identity belongs to another server, registering again",
				"saved_server", id.ServerURL, "server", cfg.ServerURL)
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	req := client.RegisterRequest{
		Hostname: cfg.Hostname,
		Meta: map[string]any{
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
		},
	}
	if cfg.SSHPubkeyFile != "" {
		key, err := os.ReadFile(cfg.SSHPubkeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading ssh public key: %w", err)
		}
		req.SSHPubkey = strings.TrimSpace(string(key))
	}

	resp, err := c.Register(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("registering agent: %w", err)
	}

	id := &Identity{
		ServerURL:  cfg.ServerURL,
		AgentID:    resp.AgentID,
		AgentToken: resp.AgentToken,
		Registered: time.Now().Unix(),
	}
	if cfg.StateFile != "" {
		if err := SaveIdentity(cfg.StateFile, id); err != nil {
			return nil, fmt.Errorf("saving identity: %w", err)
		}
	}
	logger.Info("registered agent", "agent_id", id.AgentID, "hostname", cfg.Hostname)
	return id, nil
}
