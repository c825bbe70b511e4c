package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/server/handlers"
)

func jsonLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// requestLines returns the "HTTP request" records written to buf.
func requestLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if rec["msg"] == "HTTP request" {
			out = append(out, rec)
		}
	}
	return out
}

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		handler        http.HandlerFunc
		name           string
		method         string
		path           string
		expectedLevel  string
		expectedStatus int
	}{
		{
			name:   "delta pull",
			method: http.MethodGet,
			path:   "/sync/orders",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"success":true}`))
			},
			expectedLevel:  "INFO",
			expectedStatus: http.StatusOK,
		},
		{
			name:   "unknown role",
			method: http.MethodPost,
			path:   "/sync/pilot",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			expectedLevel:  "WARN",
			expectedStatus: http.StatusNotFound,
		},
		{
			name:   "storage failure",
			method: http.MethodPost,
			path:   "/sync/driver",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			expectedLevel:  "ERROR",
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler := LoggingMiddleware(jsonLogger(&buf))(tt.handler)

			req := httptest.NewRequest(tt.method, tt.path+"?cursor=secret", nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			lines := requestLines(t, &buf)
			require.Len(t, lines, 1)
			assert.Equal(t, tt.expectedLevel, lines[0]["level"])
			assert.Equal(t, tt.method, lines[0]["method"])
			assert.Equal(t, tt.path, lines[0]["path"])
			assert.InDelta(t, tt.expectedStatus, lines[0]["status"], 0)
			assert.NotContains(t, buf.String(), "secret")
			assert.NotContains(t, lines[0], "device_id")
		})
	}
}

func TestLoggingMiddleware_RecordsDevice(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf)
	cfg := testJWTConfig()

	token, _, err := handlers.GenerateAccessToken(cfg, "actor-1", "device-9", "")
	require.NoError(t, err)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := LoggingMiddleware(logger)(AuthMiddleware(logger, cfg)(inner))

	req := httptest.NewRequest(http.MethodGet, "/sync/conflicts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	lines := requestLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "device-9", lines[0]["device_id"])
	assert.NotContains(t, buf.String(), token)
}

func TestLoggingMiddleware_CapturesResponseMetrics(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"success":true,"data":{"items":[]}}`)

	handler := LoggingMiddleware(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		_, _ = w.Write(body)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sync/orders", nil))

	lines := requestLines(t, &buf)
	require.Len(t, lines, 1)
	assert.InDelta(t, len(body), lines[0]["bytes_written"], 0)
	assert.GreaterOrEqual(t, lines[0]["duration_ms"], float64(5))
}

func TestLoggingWithSkip(t *testing.T) {
	var buf bytes.Buffer
	handler := LoggingWithSkip(jsonLogger(&buf), []string{"/health"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, requestLines(t, &buf))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sync/orders", nil))
	assert.Len(t, requestLines(t, &buf), 1)
}

func TestResponseWriter_CapturesStatusCode(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusConflict)
	n, err := rw.Write([]byte("conflict"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusConflict, rw.statusCode)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, int64(n), rw.written)
}
