package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trust      bool
		forwarded  string
		remoteAddr string
		want       string
	}{
		{name: "forwarded ignored by default", forwarded: "1.2.3.4, 10.0.0.1", remoteAddr: "10.0.0.2:5555", want: "10.0.0.2"},
		{name: "forwarded first hop when trusted", trust: true, forwarded: "1.2.3.4, 10.0.0.1", remoteAddr: "10.0.0.2:5555", want: "1.2.3.4"},
		{name: "trusted but header empty", trust: true, forwarded: " , 10.0.0.1", remoteAddr: "10.0.0.2:5555", want: "10.0.0.2"},
		{name: "remote addr without port", remoteAddr: "192.168.1.7:41000", want: "192.168.1.7"},
		{name: "remote addr bare", remoteAddr: "192.168.1.8", want: "192.168.1.8"},
		{name: "nothing", want: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}

			var got string
			handler := ClientIPMiddleware(tt.trust, http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				got = ClientIP(r)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), r)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClientIP_WithoutMiddlewareIgnoresForwarded(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.2:5555"
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	assert.Equal(t, "10.0.0.2", ClientIP(r))
}

func TestRecoverMiddleware(t *testing.T) {
	handler := RecoverMiddleware(NewNoopLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alerts", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestRequestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, slog.LevelInfo)

	handler := RequestLoggingMiddleware(logger, SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "1.2.3.4:9999"
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "http_request", line["message"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "/login", line["path"])
	assert.Equal(t, float64(http.StatusTeapot), line["status"])
	assert.Equal(t, "1.2.3.4", line["ip"])
	assert.Contains(t, line, "timestamp")
}

func TestRequestLoggingMiddleware_RequestID(t *testing.T) {
	var seen string
	handler := RequestLoggingMiddleware(NewNoopLogger(), http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/alerts", nil)
	req.Header.Set(RequestIDHeader, "edge-123")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "edge-123", seen)
	assert.Equal(t, "edge-123", rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alerts", nil))
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "edge-123", seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}
