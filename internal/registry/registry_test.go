// ABOUTME: Tests for agent registration, token authentication and liveness tracking
// ABOUTME: Uses the in-memory store backend

package registry

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-dispatch/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(store.NewMemoryStore(), nil)
}

func TestRegister_ReturnsDistinctIdentities(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id1, tok1, err := r.Register(ctx, RegisterParams{Hostname: "h1"})
	require.NoError(t, err)
	id2, tok2, err := r.Register(ctx, RegisterParams{Hostname: "h1"})
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.NotEqual(t, tok1, tok2)
	assert.Len(t, tok1, 32)

	got1, err := r.Authenticate(ctx, tok1)
	require.NoError(t, err)
	assert.Equal(t, id1, got1)

	got2, err := r.Authenticate(ctx, tok2)
	require.NoError(t, err)
	assert.Equal(t, id2, got2)
}

func TestRegister_RequiresHostname(t *testing.T) {
	r := newTestRegistry(t)
	_, _, err := r.Register(context.Background(), RegisterParams{Hostname: "  "})
	assert.ErrorIs(t, err, ErrMissingHost)
}

func TestRegister_DefaultsAndTimestamps(t *testing.T) {
	r := newTestRegistry(t)
	fixed := time.Unix(1700000000, 0)
	r.now = func() time.Time { return fixed }

	id, tok, err := r.Register(context.Background(), RegisterParams{Hostname: "h1", IP: "10.0.0.1"})
	require.NoError(t, err)

	a, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, tok, a.Token)
	assert.Equal(t, "10.0.0.1", a.IP)
	assert.NotNil(t, a.Meta)
	assert.Equal(t, fixed.Unix(), a.Created)
	assert.Equal(t, fixed.Unix(), a.LastSeen)
}

func TestRegister_RecordsSSHFingerprint(t *testing.T) {
	r := newTestRegistry(t)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))

	id, _, err := r.Register(context.Background(), RegisterParams{Hostname: "h1", SSHPubkey: authorized})
	require.NoError(t, err)

	a, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ssh.FingerprintSHA256(sshPub), a.SSHFingerprint)
	assert.Equal(t, authorized, a.SSHPubkey)
}

func TestRegister_InvalidSSHKeyStoredVerbatim(t *testing.T) {
	r := newTestRegistry(t)

	id, _, err := r.Register(context.Background(), RegisterParams{Hostname: "h1", SSHPubkey: "not-a-key"})
	require.NoError(t, err)

	a, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "not-a-key", a.SSHPubkey)
	assert.Empty(t, a.SSHFingerprint)
}

func TestAuthenticate_Errors(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = r.Authenticate(ctx, "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTouch_UpdatesLastSeen(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	start := time.Unix(1700000000, 0)
	r.now = func() time.Time { return start }
	id, _, err := r.Register(ctx, RegisterParams{Hostname: "h1"})
	require.NoError(t, err)

	later := start.Add(time.Minute)
	r.now = func() time.Time { return later }
	require.NoError(t, r.Touch(ctx, id))

	a, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, start.Unix(), a.Created)
	assert.Equal(t, later.Unix(), a.LastSeen)
}

func TestTouch_UnknownAgent(t *testing.T) {
	r := newTestRegistry(t)
	assert.ErrorIs(t, r.Touch(context.Background(), "nope"), ErrAgentNotFound)
}

func TestList_InsertionOrder(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	var ids []string
	for _, h := range []string{"a", "b", "c"} {
		id, _, err := r.Register(ctx, RegisterParams{Hostname: h})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	agents, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids, agents.Keys())

	ok, err := r.Exists(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, ok)
}
