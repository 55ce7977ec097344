package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := make(map[attribute.Key]string)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestTracingMiddleware_Redaction(t *testing.T) {
	rec := recordSpans(t)

	var seenAuth string
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("OK"))
	})

	handler := TracingMiddleware(true)(testHandler)

	req := httptest.NewRequest("GET", "/download/abc123", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("X-API-Key", "sensitive-key")
	req.Header.Set("Range", "bytes=0-99")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPartialContent, w.Code)
	// The middleware must not alter the request itself.
	assert.Equal(t, "Bearer secret-token", seenAuth)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "Download", spans[0].Name())

	attrs := spanAttrs(spans[0])
	assert.Equal(t, "[REDACTED]", attrs["http.request.header.authorization"])
	assert.Equal(t, "[REDACTED]", attrs["http.request.header.x-api-key"])
	assert.Equal(t, "[REDACTED]", attrs["sealvault.content_id"])
	assert.Equal(t, "bytes=0-99", attrs["http.request.header.range"])
	assert.Equal(t, "download", attrs["sealvault.route"])
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
}

func TestTracingMiddleware_NoRedaction(t *testing.T) {
	rec := recordSpans(t)

	handler := TracingMiddleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	req := httptest.NewRequest("GET", "/download/abc123", nil)
	req.Header.Set("Authorization", "Bearer secret-token")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "Bearer secret-token", attrs["http.request.header.authorization"])
	assert.Equal(t, "abc123", attrs["sealvault.content_id"])
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestClassifyPath(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		route     string
		contentID string
	}{
		{"download", "/download/abc", "download", "abc"},
		{"download with subpath", "/download/abc/file.mp4", "download", "abc/file.mp4"},
		{"manifest", "/api/v1/manifests/abc", "manifest", "abc"},
		{"upload events", "/api/v1/uploads/job-1/events", "upload_events", "job-1"},
		{"upload", "/api/v1/files", "upload", ""},
		{"session", "/api/v1/session", "session", ""},
		{"health", "/health", "", ""},
		{"empty path", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, id := classifyPath(tt.path)
			assert.Equal(t, tt.route, route)
			assert.Equal(t, tt.contentID, id)
		})
	}
}

func TestGetSpanName(t *testing.T) {
	tests := []struct {
		name   string
		method string
		route  string
		want   string
	}{
		{"download GET", "GET", "download", "Download"},
		{"download HEAD", "HEAD", "download", "Download HEAD"},
		{"manifest", "GET", "manifest", "InspectManifest"},
		{"upload", "POST", "upload", "Upload"},
		{"upload wrong method", "GET", "upload", "HTTP GET"},
		{"session PUT", "PUT", "session", "StoreSession"},
		{"session DELETE", "DELETE", "session", "Logout"},
		{"events", "GET", "upload_events", "UploadEvents"},
		{"unknown route", "GET", "", "HTTP GET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getSpanName(tt.method, tt.route))
		})
	}
}

func TestGetRemoteAddr(t *testing.T) {
	tests := []struct {
		name string
		req  *http.Request
		want string
	}{
		{
			name: "X-Forwarded-For single IP",
			req: func() *http.Request {
				req := httptest.NewRequest("GET", "/", nil)
				req.Header.Set("X-Forwarded-For", "192.168.1.1")
				req.RemoteAddr = "127.0.0.1:1234"
				return req
			}(),
			want: "192.168.1.1",
		},
		{
			name: "X-Forwarded-For multiple IPs",
			req: func() *http.Request {
				req := httptest.NewRequest("GET", "/", nil)
				req.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.1")
				req.RemoteAddr = "127.0.0.1:1234"
				return req
			}(),
			want: "192.168.1.1",
		},
		{
			name: "X-Real-IP",
			req: func() *http.Request {
				req := httptest.NewRequest("GET", "/", nil)
				req.Header.Set("X-Real-IP", "192.168.1.1")
				req.RemoteAddr = "127.0.0.1:1234"
				return req
			}(),
			want: "192.168.1.1",
		},
		{
			name: "fallback to RemoteAddr",
			req: func() *http.Request {
				req := httptest.NewRequest("GET", "/", nil)
				req.RemoteAddr = "127.0.0.1:1234"
				return req
			}(),
			want: "127.0.0.1:1234",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getRemoteAddr(tt.req))
		})
	}
}
