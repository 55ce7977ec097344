package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kenneth/sealvault/internal/metrics"
)

// MetricsMiddleware records one HTTP metric per request, labeled by the
// matched route template so content ids do not become label values.
func MetricsMiddleware(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()

			rw := wrapResponseWriter(w)
			defer func() {
				m.RecordHTTPRequest(r.Method, routeTemplate(r), rw.statusCode, time.Since(start), rw.bytesWritten)
			}()

			next.ServeHTTP(rw, r)
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
