// ABOUTME: Request identity carried through handlers via context
// ABOUTME: Provides WithIdentity/FromContext for admin and agent callers

package auth

import (
	"context"
)

// Identity kinds
const (
	KindAdmin = "admin"
	KindAgent = "agent"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	Kind string // KindAdmin or KindAgent
	ID   string // agent id, or the admin token subject ("static" / "insecure" for non-JWT access)
}

type identityKey struct{}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the request identity, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// AgentID returns the authenticated agent id, or "" for non-agent callers.
func AgentID(ctx context.Context) string {
	id := FromContext(ctx)
	if id == nil || id.Kind != KindAgent {
		return ""
	}
	return id.ID
}
