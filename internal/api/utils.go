package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/kenneth/sealvault/internal/middleware"
)

// getClientIP extracts the client IP address from the request.
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// X-Forwarded-For can contain multiple IPs, take the first one
		ip, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(ip)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}

	return "unknown"
}

// getRequestID returns the id assigned by the request id middleware, or the
// caller's header when the middleware is not installed.
func getRequestID(r *http.Request) string {
	if rid := middleware.RequestIDFromContext(r.Context()); rid != "" {
		return rid
	}
	return r.Header.Get(middleware.RequestIDHeader)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
