package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pageflowhq/pageflow/internal/collab"
	"github.com/pageflowhq/pageflow/internal/config"
	"github.com/pageflowhq/pageflow/internal/events"
	"github.com/pageflowhq/pageflow/internal/ingest"
	"github.com/pageflowhq/pageflow/internal/objstore"
	"github.com/pageflowhq/pageflow/internal/store"
	"github.com/pageflowhq/pageflow/internal/stream"
	"github.com/pageflowhq/pageflow/internal/worker"
)

func newTestServer(t *testing.T, st store.Store) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		DispatchTimeout: config.DefaultDispatchTimeout,
		Heartbeat:       config.DefaultHeartbeat,
		StreamLifetime:  config.DefaultStreamLifetime,
		SSERetryMillis:  config.DefaultSSERetryMillis,
		MaxUploadBytes:  config.DefaultMaxUploadBytes,
		MaxTitleLen:     config.DefaultMaxTitleLen,
		HealthTimeout:   config.DefaultHealthTimeout,
	}
	bus := events.NewMemoryBus(64)
	t.Cleanup(func() { _ = bus.Close() })

	engine := worker.NewEngine(st, bus, 0, 1)
	svc := worker.NewService(st, bus, engine)
	hub := collab.NewHub(bus)
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	srv := httptest.NewServer(NewRouter(Deps{
		Store:  st,
		Ingest: ingest.NewHandler(st, objstore.NewMemory(), svc, cfg),
		Stream: stream.NewHandler(st, bus, cfg),
		Hub:    hub,
		Cfg:    cfg,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, store.NewMemory())

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// deadStore simulates an unreachable database.
type deadStore struct {
	store.Store
}

func (d *deadStore) Ping(ctx context.Context) error {
	return errors.New("connection refused")
}

func TestHealth_DatabaseDown(t *testing.T) {
	srv := newTestServer(t, &deadStore{Store: store.NewMemory()})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, store.NewMemory())

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDocumentRoutesRequireIdentity(t *testing.T) {
	srv := newTestServer(t, store.NewMemory())

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/documents/upload"},
		{http.MethodDelete, "/documents/some-id"},
		{http.MethodGet, "/documents/some-id/progress"},
	} {
		req, err := http.NewRequest(tc.method, srv.URL+tc.path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestProgressRouteWired(t *testing.T) {
	srv := newTestServer(t, store.NewMemory())

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/documents/unknown/progress", nil)
	require.NoError(t, err)
	req.Header.Set(ingest.UserHeader, "u1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
