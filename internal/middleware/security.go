package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// Decrypted content is rendered inline from the gateway origin, so it is
	// sandboxed and may not load or run anything.
	downloadCSP = "default-src 'none'; img-src 'self' data:; media-src 'self'; style-src 'unsafe-inline'; sandbox"
	apiCSP      = "default-src 'none'; frame-ancestors 'none'"
)

// SecurityHeadersMiddleware adds security headers to all responses.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
			h.Set("Cross-Origin-Opener-Policy", "same-origin")
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			if requestClass(r) == classDownload {
				h.Set("Content-Security-Policy", downloadCSP)
				h.Set("Cross-Origin-Resource-Policy", "same-origin")
			} else {
				h.Set("Content-Security-Policy", apiCSP)
				h.Set("X-Frame-Options", "DENY")
			}

			next.ServeHTTP(w, r)
		})
	}
}

const (
	classDownload = "download"
	classUpload   = "upload"
	classAPI      = "api"
)

func requestClass(r *http.Request) string {
	switch {
	case strings.HasPrefix(r.URL.Path, "/download/"):
		return classDownload
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/files":
		return classUpload
	default:
		return classAPI
	}
}

// RejectObserver is told about every request the limiter turns away.
type RejectObserver interface {
	RecordRateLimited(class string)
}

// RateLimiter is a per-client token bucket. Each client holds up to limit
// tokens, refilled continuously at limit per window.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*tokenBucket
	limit    float64
	window   time.Duration
	perToken time.Duration
	idle     time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	logger   *logrus.Logger
	observer RejectObserver
	now      func() time.Time
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a rate limiter and starts its idle-client sweeper.
func NewRateLimiter(limit int, window time.Duration, logger *logrus.Logger) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		clients:  make(map[string]*tokenBucket),
		limit:    float64(limit),
		window:   window,
		perToken: window / time.Duration(limit),
		idle:     window * 2,
		stop:     make(chan struct{}),
		logger:   logger,
		now:      time.Now,
	}
	go rl.sweep()
	return rl
}

// SetObserver registers o for rejected requests.
func (rl *RateLimiter) SetObserver(o RejectObserver) {
	rl.mu.Lock()
	rl.observer = o
	rl.mu.Unlock()
}

// A client idle for two windows has a full bucket again, so forgetting it
// changes nothing.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, b := range rl.clients {
				if now.Sub(b.last) > rl.idle {
					delete(rl.clients, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// Stop stops the sweeper. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Allow takes one token for key.
func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.take(key)
	return ok
}

// take returns whether a token was available and, if not, how long until
// one will be.
func (rl *RateLimiter) take(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.clients[key]
	if !ok {
		b = &tokenBucket{tokens: rl.limit, last: now}
		rl.clients[key] = b
	}

	b.tokens = math.Min(rl.limit, b.tokens+float64(now.Sub(b.last))/float64(rl.perToken))
	b.last = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, time.Duration((1 - b.tokens) * float64(rl.perToken))
}

func (rl *RateLimiter) clientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// getClientKey extracts a key to identify the client (IP address).
func getClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// probePaths are never rate limited so orchestrators can always reach them.
var probePaths = map[string]bool{"/health": true, "/ready": true, "/live": true}

// RateLimitMiddleware creates a middleware that enforces rate limiting.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if probePaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			clientKey := getClientKey(r)
			ok, wait := limiter.take(clientKey)
			if !ok {
				class := requestClass(r)
				limiter.logger.WithFields(logrus.Fields{
					"client": clientKey,
					"path":   r.URL.Path,
					"class":  class,
				}).Warn("Rate limit exceeded")

				limiter.mu.Lock()
				obs := limiter.observer
				limiter.mu.Unlock()
				if obs != nil {
					obs.RecordRateLimited(class)
				}

				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				w.Header().Set("X-Error-Code", "SlowDown")
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
