package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware wraps handlers with OpenTelemetry tracing.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer("sealvault")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			route, contentID := classifyPath(r.URL.Path)

			spanName := getSpanName(r.Method, route)
			ctx, span := tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPScheme(r.URL.Scheme),
					semconv.HTTPTarget(r.URL.Path),
					semconv.HTTPURL(r.URL.String()),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)

			if route != "" {
				span.SetAttributes(attribute.String("sealvault.route", route))
			}
			if contentID != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("sealvault.content_id", "[REDACTED]"))
				} else {
					span.SetAttributes(attribute.String("sealvault.content_id", contentID))
				}
			}

			if r.URL.RawQuery != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("http.query", "[REDACTED]"))
				} else {
					span.SetAttributes(attribute.String("http.query", r.URL.RawQuery))
				}
			}

			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{
				ResponseWriter: w,
				span:           span,
			}

			r = r.WithContext(ctx)

			defer func() {
				if rw.statusCode == 0 {
					rw.statusCode = http.StatusOK
				}
				span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))

				if rw.statusCode >= 400 {
					span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
				} else {
					span.SetStatus(codes.Ok, "")
				}

				span.End()
			}()

			next.ServeHTTP(rw, r)
		})
	}
}

// classifyPath maps a request path to a route name and the content id it
// addresses, if any.
func classifyPath(path string) (route, contentID string) {
	switch {
	case strings.HasPrefix(path, "/download/"):
		return "download", strings.TrimPrefix(path, "/download/")
	case strings.HasPrefix(path, "/api/v1/manifests/"):
		return "manifest", strings.TrimPrefix(path, "/api/v1/manifests/")
	case strings.HasPrefix(path, "/api/v1/uploads/"):
		id := strings.TrimPrefix(path, "/api/v1/uploads/")
		id, _, _ = strings.Cut(id, "/")
		return "upload_events", id
	case path == "/api/v1/files":
		return "upload", ""
	case path == "/api/v1/session":
		return "session", ""
	}
	return "", ""
}

// getSpanName generates a span name from the HTTP method and route.
func getSpanName(method, route string) string {
	switch route {
	case "download":
		if method == http.MethodHead {
			return "Download HEAD"
		}
		return "Download"
	case "manifest":
		return "InspectManifest"
	case "upload_events":
		return "UploadEvents"
	case "upload":
		if method == http.MethodPost {
			return "Upload"
		}
	case "session":
		switch method {
		case http.MethodPut:
			return "StoreSession"
		case http.MethodDelete:
			return "Logout"
		}
	}
	return "HTTP " + method
}

// getRemoteAddr extracts the real remote address, handling X-Forwarded-For and X-Real-IP
func getRemoteAddr(r *http.Request) string {
	// Check X-Real-IP first (single IP, more trusted than X-Forwarded-For)
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	return r.RemoteAddr
}

// addHeadersToSpan adds relevant headers to the span, redacting sensitive ones
func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	safeHeaders := []string{
		"content-type",
		"content-length",
		"accept",
		"accept-encoding",
		"cache-control",
		"if-none-match",
		"range",
		"x-request-id",
		"x-upload-id",
	}

	sensitiveHeaders := []string{
		"authorization",
		"cookie",
		"x-api-key",
		"x-session-token",
		"x-forwarded-for", // Already handled separately
		"x-real-ip",       // Already handled separately
	}

	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}

	for _, header := range sensitiveHeaders {
		if value := headers.Get(header); value != "" {
			if redactSensitive {
				value = "[REDACTED]"
			}
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
}

// tracingResponseWriter wraps http.ResponseWriter to capture status code for tracing
type tracingResponseWriter struct {
	http.ResponseWriter
	span       trace.Span
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *tracingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *tracingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusSwitchingProtocols
	}
	return http.NewResponseController(w.ResponseWriter).Hijack()
}
