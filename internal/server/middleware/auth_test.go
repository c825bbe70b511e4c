package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/server/handlers"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJWTConfig() handlers.JWTConfig {
	return handlers.JWTConfig{
		Secret:         []byte("test-secret-key"),
		Issuer:         "fieldsync-test",
		AccessTokenTTL: 15 * time.Minute,
	}
}

// identityHandler checks the claims the middleware put in the context.
func identityHandler(t *testing.T, wantActor, wantDevice, wantRole string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, ok := handlers.GetActorID(r.Context())
		require.True(t, ok, "actor should be in context")
		assert.Equal(t, wantActor, actorID)

		deviceID, ok := handlers.GetDeviceID(r.Context())
		require.True(t, ok, "device should be in context")
		assert.Equal(t, wantDevice, deviceID)

		assert.Equal(t, wantRole, handlers.GetRole(r.Context()))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func TestAuthMiddleware_Success(t *testing.T) {
	cfg := testJWTConfig()

	token, expiresIn, err := handlers.GenerateAccessToken(cfg, "driver-7", "device-42", "driver")
	require.NoError(t, err)
	assert.Equal(t, int64(900), expiresIn)

	handler := AuthMiddleware(setupTestLogger(), cfg)(identityHandler(t, "driver-7", "device-42", "driver"))

	req := httptest.NewRequest(http.MethodPost, "/sync/driver", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	cfg := testJWTConfig()

	valid, _, err := handlers.GenerateAccessToken(cfg, "driver-7", "device-42", "")
	require.NoError(t, err)

	expiredCfg := cfg
	expiredCfg.AccessTokenTTL = -time.Minute
	expired, _, err := handlers.GenerateAccessToken(expiredCfg, "driver-7", "device-42", "")
	require.NoError(t, err)

	otherSecret := cfg
	otherSecret.Secret = []byte("another-secret")
	forged, _, err := handlers.GenerateAccessToken(otherSecret, "driver-7", "device-42", "")
	require.NoError(t, err)

	otherIssuer := cfg
	otherIssuer.Issuer = "someone-else"
	foreign, _, err := handlers.GenerateAccessToken(otherIssuer, "driver-7", "device-42", "")
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, handlers.CustomClaims{
		ActorID:  "driver-7",
		DeviceID: "device-42",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    cfg.Issuer,
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz"},
		{name: "no token", header: "Bearer "},
		{name: "garbage token", header: "Bearer not.a.jwt"},
		{name: "token without scheme", header: valid},
		{name: "expired", header: "Bearer " + expired},
		{name: "wrong secret", header: "Bearer " + forged},
		{name: "wrong issuer", header: "Bearer " + foreign},
		{name: "alg none", header: "Bearer " + noneAlg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := AuthMiddleware(setupTestLogger(), cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(http.MethodGet, "/sync/orders", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.False(t, called)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		})
	}
}

func TestAuthMiddleware_LowercaseScheme(t *testing.T) {
	cfg := testJWTConfig()
	token, _, err := handlers.GenerateAccessToken(cfg, "a1", "d1", "")
	require.NoError(t, err)

	handler := AuthMiddleware(setupTestLogger(), cfg)(identityHandler(t, "a1", "d1", ""))

	req := httptest.NewRequest(http.MethodGet, "/sync/orders", nil)
	req.Header.Set("Authorization", "bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGenerateAccessToken_RequiresIdentity(t *testing.T) {
	_, _, err := handlers.GenerateAccessToken(testJWTConfig(), "", "device-1", "")
	assert.Error(t, err)
	_, _, err = handlers.GenerateAccessToken(testJWTConfig(), "actor-1", "", "")
	assert.Error(t, err)
}
