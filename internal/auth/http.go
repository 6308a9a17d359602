// ABOUTME: HTTP middleware enforcing admin and agent credentials
// ABOUTME: Rejections are JSON {"error": ...} bodies with status 403

package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Credential headers
const (
	HeaderAdminToken = "X-Admin-Token"
	HeaderAgentToken = "X-Agent-Token"
)

// ErrAdminRequired is returned when an admin credential is missing or wrong.
var ErrAdminRequired = errors.New("invalid admin token")

// AdminConfig configures the admin gate.
type AdminConfig struct {
	Token    string
	Verifier TokenVerifier
	Insecure bool
}

// Open reports whether admin requests are let through without a credential.
func (c AdminConfig) Open() bool {
	return c.Token == "" && c.Verifier == nil && c.Insecure
}

// Admin authenticates admin credentials.
type Admin struct {
	cfg    AdminConfig
	logger *slog.Logger
}

// NewAdmin creates an admin gate.
func NewAdmin(cfg AdminConfig, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{cfg: cfg, logger: logger.With("component", "auth")}
}

// Check returns the admin identity for a presented credential.
func (a *Admin) Check(presented string) (*Identity, error) {
	if a.cfg.Open() {
		return &Identity{Kind: KindAdmin, ID: "insecure"}, nil
	}
	if presented == "" {
		return nil, ErrAdminRequired
	}
	if a.cfg.Token != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(a.cfg.Token)) == 1 {
		return &Identity{Kind: KindAdmin, ID: "static"}, nil
	}
	if a.cfg.Verifier != nil {
		sub, err := a.cfg.Verifier.Verify(presented)
		if err == nil {
			return &Identity{Kind: KindAdmin, ID: sub}, nil
		}
		a.logger.Debug("admin jwt rejected", "error", err)
	}
	return nil, ErrAdminRequired
}

// RequireAdmin rejects requests without a valid admin credential.
func RequireAdmin(a *Admin) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Check(r.Header.Get(HeaderAdminToken))
			if err != nil {
				a.logger.Warn("admin request rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
				writeError(w, http.StatusForbidden, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// AgentAuthenticator maps an agent bearer token to an agent id.
type AgentAuthenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// IsCredentialError classifies an authenticator error as a credential
// rejection rather than an internal failure.
type IsCredentialError func(error) bool

// RequireAgent resolves the agent token and attaches the agent identity.
// Credential errors yield 403; any other failure yields 500.
func RequireAgent(agents AgentAuthenticator, isCredential IsCredentialError, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agentID, err := agents.Authenticate(r.Context(), AgentToken(r))
			if err != nil {
				if isCredential != nil && isCredential(err) {
					logger.Warn("agent request rejected", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
					writeError(w, http.StatusForbidden, err.Error())
					return
				}
				logger.Error("agent authentication failed", "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			id := &Identity{Kind: KindAgent, ID: agentID}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// AgentToken extracts the agent token from X-Agent-Token or a Bearer header.
func AgentToken(r *http.Request) string {
	if tok := r.Header.Get(HeaderAgentToken); tok != "" {
		return tok
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

func extractBearerToken(authHeader string) string {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
