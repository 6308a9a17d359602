// ABOUTME: Env bundle broker storing opaque JSON payloads under generated tokens
// ABOUTME: Download access is derived from the job ledger on every request

package bundle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/2389/coven-dispatch/internal/store"
)

// TokenPrefix distinguishes bundle tokens from agent tokens.
const TokenPrefix = "env_"

// Broker errors
var (
	ErrInvalidPayload = errors.New("bundle payload must be valid JSON")
	ErrInvalidToken   = errors.New("invalid env token")
	ErrNotAuthorized  = errors.New("no pending job for this agent references the env token")
	ErrBundleNotFound = errors.New("env bundle not found")
)

var validToken = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// JobIndex answers whether a pending job of agentID references envToken.
type JobIndex interface {
	HasPendingReference(ctx context.Context, agentID, envToken string) (bool, error)
}

// Broker stores and releases env bundles.
type Broker struct {
	store  *store.Store
	jobs   JobIndex
	logger *slog.Logger
}

// New creates a broker.
func New(s *store.Store, jobs JobIndex, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:  s,
		jobs:   jobs,
		logger: logger.With("component", "bundle"),
	}
}

// Upload persists payload and returns its token.
func (b *Broker) Upload(ctx context.Context, payload []byte) (string, error) {
	if !json.Valid(payload) {
		return "", ErrInvalidPayload
	}

	id := uuid.New()
	token := TokenPrefix + hex.EncodeToString(id[:])
	if err := b.store.PutBlob(ctx, Key(token), payload); err != nil {
		return "", fmt.Errorf("saving bundle: %w", err)
	}

	b.logger.Info("env bundle uploaded", "env_token", token, "bytes", len(payload))
	return token, nil
}

// Download returns the payload for envToken if agentID has a pending job
// referencing it. Authorization is checked before existence.
func (b *Broker) Download(ctx context.Context, envToken, agentID string) (json.RawMessage, error) {
	if !validToken.MatchString(envToken) {
		return nil, ErrInvalidToken
	}

	ok, err := b.jobs.HasPendingReference(ctx, agentID, envToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		b.logger.Warn("env bundle download denied", "env_token", envToken, "agent_id", agentID)
		return nil, ErrNotAuthorized
	}

	data, err := b.store.GetBlob(ctx, Key(envToken))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading bundle: %w", err)
	}

	b.logger.Debug("env bundle released", "env_token", envToken, "agent_id", agentID)
	return json.RawMessage(data), nil
}

// Key is the store key holding a bundle.
func Key(envToken string) string {
	return "envs/" + envToken
}
