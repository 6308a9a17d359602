// ABOUTME: Tests for gateway wiring, health endpoints and shutdown
// ABOUTME: Builds gateways over the in-memory store

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/store"
)

const testAdminToken = "admin-secret"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Storage.Path = t.TempDir()
	cfg.Auth.AdminToken = testAdminToken
	cfg.Deploy.AppsBase = filepath.Join(t.TempDir(), "apps")
	return cfg
}

func newTestGateway(t *testing.T, mutate ...func(*config.Config)) *Gateway {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	gw, err := newGateway(cfg, store.NewMemoryStore(), nil, nil)
	require.NoError(t, err)
	return gw
}

func TestHealth(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (0 agents)", rec.Body.String())
}

func TestReady_CorruptStore(t *testing.T) {
	backend := store.NewMemoryBackend()
	require.NoError(t, backend.Put(context.Background(), store.KeyAgents, []byte("{broken")))
	gw, err := newGateway(testConfig(t), store.New(backend, nil), nil, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNew_FileBackend(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, gw.Shutdown(context.Background()))
}

func TestNew_SQLiteBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendSQLite
	cfg.Storage.Path = filepath.Join(t.TempDir(), "dispatch.db")

	gw, err := New(cfg, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"hostname":"h1"}`))
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, gw.Shutdown(context.Background()))
}

func TestNew_RejectsShortJWTSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"
	_, err := newGateway(cfg, store.NewMemoryStore(), nil, nil)
	assert.Error(t, err)
}

func TestRun_ServesUntilCanceled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	gw, err := newGateway(cfg, store.NewMemoryStore(), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, gw.grpcServer)

	resp, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err := resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	key, err = resolveTailscaleAuthKey("tskey-cfg")
	require.NoError(t, err)
	assert.Equal(t, "tskey-cfg", key)
}
