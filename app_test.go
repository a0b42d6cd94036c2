package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pliu/chatty/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApp(t *testing.T) (*app, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.Default()
	cfg.Database.DSN = ":memory:"
	cfg.Redis.Addr = mr.Addr()
	cfg.Broker.Kind = "memory"
	cfg.Media.Dir = t.TempDir()
	cfg.Auth.CookieSecret = "test-secret"
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	go a.hub.Run()
	return a, mr
}

func TestHealth(t *testing.T) {
	a, mr := testApp(t)
	srv := httptest.NewServer(a.server.Handler)
	defer srv.Close()
	defer a.shutdown(context.Background())

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mr.Close()
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["database"])
	assert.Equal(t, "unavailable", body["redis"])
}

func TestRoutesWired(t *testing.T) {
	a, _ := testApp(t)
	srv := httptest.NewServer(a.server.Handler)
	defer srv.Close()
	defer a.shutdown(context.Background())

	for path, want := range map[string]int{
		"/metrics":       http.StatusOK,
		"/cache/stats":   http.StatusOK,
		"/auth/me":       http.StatusUnauthorized,
		"/chatrooms":     http.StatusUnauthorized,
		"/media/missing": http.StatusNotFound,
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
	}
}

func TestShutdownReleasesBackends(t *testing.T) {
	a, _ := testApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.shutdown(ctx))
	assert.Error(t, a.store.Ping(ctx))
	assert.Error(t, a.redis.Ping(ctx).Err())
}

func TestNewBrokerRejectsUnknownKind(t *testing.T) {
	_, err := newBroker(config.BrokerConfig{Kind: "kafka"}, nil, slog.Default())
	assert.ErrorContains(t, err, "kafka")
}
