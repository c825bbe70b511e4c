package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/server/engine"
	"github.com/iudanet/fieldsync/internal/server/handlers"
	"github.com/iudanet/fieldsync/internal/server/storage/sqlite"
	"github.com/iudanet/fieldsync/pkg/api"
)

var testJWT = handlers.JWTConfig{
	Secret:         []byte("server-test-secret-0123456789"),
	Issuer:         "fieldsync",
	AccessTokenTTL: time.Hour,
}

func setupServer(t *testing.T, rateLimit int) *Server {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sm, err := engine.New(ctx, engine.Config{
		Logger: logger,
		Store:  db,
		Roles:  map[string]engine.Role{"driver": {EntityTypes: []string{"orders"}}},
		Types:  []engine.EntityType{{Name: "orders"}},
	})
	require.NoError(t, err)

	s := New(Config{
		Logger:          logger,
		Engine:          sm,
		Addr:            "127.0.0.1:0",
		Version:         "test",
		JWT:             testJWT,
		RateLimit:       rateLimit,
		RateLimitWindow: time.Minute,
	})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func bearer(t *testing.T, actor, device string) string {
	t.Helper()
	token, _, err := handlers.GenerateAccessToken(testJWT, actor, device, "")
	require.NoError(t, err)
	return "Bearer " + token
}

func send(t *testing.T, h http.Handler, method, target, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, r)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_Routes(t *testing.T) {
	s := setupServer(t, 0)
	h := s.Handler()
	auth := bearer(t, "driver-1", "device-1")

	w := send(t, h, http.MethodGet, HealthPath, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = send(t, h, http.MethodPost, "/sync/driver", "", api.StreamSyncRequest{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = send(t, h, http.MethodPost, "/sync/driver", auth, api.StreamSyncRequest{
		OfflineOperations: []api.OfflineOperation{{
			ID:        "op-1",
			Endpoint:  "orders",
			Method:    http.MethodPost,
			Data:      json.RawMessage(`{"ref":"A-1"}`),
			Timestamp: 1,
		}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = send(t, h, http.MethodGet, "/sync/orders", auth, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var delta api.Response[api.DeltaResponse]
	require.NoError(t, json.NewDecoder(w.Body).Decode(&delta))
	assert.Len(t, delta.Data.Items, 1)

	w = send(t, h, http.MethodGet, "/sync/conflicts", auth, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = send(t, h, http.MethodDelete, "/sync/orders/x", auth, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = send(t, h, http.MethodGet, "/elsewhere", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_RateLimitPerDevice(t *testing.T) {
	s := setupServer(t, 2)
	h := s.Handler()

	a := bearer(t, "driver-1", "device-a")
	b := bearer(t, "driver-2", "device-b")

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, send(t, h, http.MethodGet, "/sync/orders", a, nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, send(t, h, http.MethodGet, "/sync/orders", a, nil).Code)
	assert.Equal(t, http.StatusOK, send(t, h, http.MethodGet, "/sync/orders", b, nil).Code)

	// health is never limited
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, send(t, h, http.MethodGet, HealthPath, "", nil).Code)
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	s := setupServer(t, 0)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	url := "http://" + ln.Addr().String() + HealthPath
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-done)
}
