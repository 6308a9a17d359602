// ABOUTME: Agent registry assigning identities and bearer tokens to deployment agents
// ABOUTME: Persists the agent table as one document and authenticates tokens by scan

package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-dispatch/internal/store"
)

// Registry errors
var (
	ErrMissingToken  = errors.New("missing agent token")
	ErrInvalidToken  = errors.New("invalid agent token")
	ErrAgentNotFound = errors.New("agent not found")
	ErrMissingHost   = errors.New("hostname required")
)

// Agent is one registered deployment target.
type Agent struct {
	AgentID        string         `json:"agent_id"`
	Token          string         `json:"token"`
	Hostname       string         `json:"hostname"`
	IP             string         `json:"ip"`
	SSHPubkey      string         `json:"ssh_pubkey"`
	SSHFingerprint string         `json:"ssh_fingerprint,omitempty"`
	Meta           map[string]any `json:"meta"`
	Created        int64          `json:"created"`
	LastSeen       int64          `json:"last_seen"`
}

// RegisterParams are the caller-supplied, informational agent fields.
type RegisterParams struct {
	Hostname  string
	IP        string
	SSHPubkey string
	Meta      map[string]any
}

// Registry manages the agent table.
type Registry struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a registry backed by s.
func New(s *store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		logger: logger.With("component", "registry"),
		now:    time.Now,
	}
}

// Register creates a new agent and returns its id and bearer token.
// The token is not retrievable through any other call except the admin listing.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (agentID, token string, err error) {
	if strings.TrimSpace(p.Hostname) == "" {
		return "", "", ErrMissingHost
	}

	agentID = uuid.New().String()
	token = newToken()
	now := r.now().Unix()

	meta := p.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	agent := Agent{
		AgentID:   agentID,
		Token:     token,
		Hostname:  p.Hostname,
		IP:        p.IP,
		SSHPubkey: p.SSHPubkey,
		Meta:      meta,
		Created:   now,
		LastSeen:  now,
	}
	if p.SSHPubkey != "" {
		fp, fpErr := Fingerprint(p.SSHPubkey)
		if fpErr != nil {
			r.logger.Warn("ssh_pubkey is not a valid authorized key, storing verbatim", "hostname", p.Hostname, "error", fpErr)
		} else {
			agent.SSHFingerprint = fp
		}
	}

	agents := store.NewTable[Agent]()
	err = r.store.Update(ctx, store.KeyAgents, agents, func() error {
		agents.Set(agentID, agent)
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("saving agent: %w", err)
	}

	r.logger.Info("agent registered", "agent_id", agentID, "hostname", p.Hostname, "ip", p.IP)
	return agentID, token, nil
}

// Authenticate maps a bearer token to its agent id. The first match wins.
func (r *Registry) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}

	agents := store.NewTable[Agent]()
	if err := r.store.Load(ctx, store.KeyAgents, agents); err != nil {
		return "", err
	}

	var agentID string
	agents.Range(func(id string, a Agent) bool {
		if a.Token == token {
			agentID = id
			return false
		}
		return true
	})
	if agentID == "" {
		return "", ErrInvalidToken
	}
	return agentID, nil
}

// Touch records that the agent was just seen.
func (r *Registry) Touch(ctx context.Context, agentID string) error {
	agents := store.NewTable[Agent]()
	return r.store.Update(ctx, store.KeyAgents, agents, func() error {
		a, ok := agents.Get(agentID)
		if !ok {
			return ErrAgentNotFound
		}
		a.LastSeen = r.now().Unix()
		agents.Set(agentID, a)
		return nil
	})
}

// Exists reports whether agentID is registered.
func (r *Registry) Exists(ctx context.Context, agentID string) (bool, error) {
	agents := store.NewTable[Agent]()
	if err := r.store.Load(ctx, store.KeyAgents, agents); err != nil {
		return false, err
	}
	return agents.Has(agentID), nil
}

// Get returns a single agent record.
func (r *Registry) Get(ctx context.Context, agentID string) (*Agent, error) {
	agents := store.NewTable[Agent]()
	if err := r.store.Load(ctx, store.KeyAgents, agents); err != nil {
		return nil, err
	}
	a, ok := agents.Get(agentID)
	if !ok {
		return nil, ErrAgentNotFound
	}
	return &a, nil
}

// List returns every agent, tokens included.
func (r *Registry) List(ctx context.Context) (*store.Table[Agent], error) {
	agents := store.NewTable[Agent]()
	if err := r.store.Load(ctx, store.KeyAgents, agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// Fingerprint returns the SHA256 fingerprint of an authorized_keys formatted key.
func Fingerprint(pubkey string) (string, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubkey))
	if err != nil {
		return "", fmt.Errorf("parsing public key: %w", err)
	}
	return ssh.FingerprintSHA256(key), nil
}

// newToken returns 32 hex characters of randomness.
func newToken() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
