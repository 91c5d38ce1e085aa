// Package middleware provides the HTTP middleware shared by the service
// routers: bearer authentication, internal service-token authentication,
// request logging with trace IDs, metrics, and edge rate limiting.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/stridehq/stride/internal/auth"
	serrors "github.com/stridehq/stride/internal/errors"
	"github.com/stridehq/stride/internal/logging"
	"github.com/stridehq/stride/internal/metrics"
)

// Header names used on internal calls.
const (
	ServiceTokenHeader   = "X-Service-Token"
	TraceIDHeader        = "X-Trace-ID"
	IdempotencyKeyHeader = "Idempotency-Key"
)

type contextKey string

const subjectKey contextKey = "subject"

// SubjectFrom extracts the authenticated subject placed by Auth.
func SubjectFrom(ctx context.Context) (auth.Subject, bool) {
	sub, ok := ctx.Value(subjectKey).(auth.Subject)
	return sub, ok
}

// Auth validates the bearer credential on every request except the listed
// skip paths (ping, health, metrics). Failure is terminal: a 401 response,
// never a retry.
func Auth(verifier auth.Verifier, skipPaths ...string) mux.MiddlewareFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				respondError(w, serrors.Unauthorized("missing authorization header"))
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				respondError(w, serrors.Unauthorized("authorization header must be of type bearer"))
				return
			}

			subject, err := verifier.Verify(parts[1])
			if err != nil {
				respondError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceAuth guards internal endpoints with the shared service token.
func ServiceAuth(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.Header.Get(ServiceTokenHeader) != token {
				respondError(w, serrors.Unauthorized("missing or invalid service token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Logging logs each request and propagates the trace ID through the context
// and the response.
func Logging(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get(TraceIDHeader)
			if traceID == "" {
				traceID = logging.NewTraceID()
			}
			ctx := logging.WithTraceID(r.Context(), traceID)
			w.Header().Set(TraceIDHeader, traceID)

			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			logger.WithContext(ctx).WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.status,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("request served")
		})
	}
}

// Metrics records request counts, latency and in-flight gauge, using the mux
// route template as the path label to keep cardinality bounded.
func Metrics(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.IncrementInFlight()
			defer m.DecrementInFlight()

			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			m.RecordHTTPRequest(r.Method, path, strconv.Itoa(wrapped.status), time.Since(start))
		})
	}
}

// RateLimit applies a process-wide token bucket at the edge.
func RateLimit(perSecond float64, burst int) mux.MiddlewareFunc {
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func respondError(w http.ResponseWriter, err error) {
	se, ok := err.(*serrors.ServiceError)
	if !ok {
		se = serrors.Internal(err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(se.HTTPStatus())
	_ = json.NewEncoder(w).Encode(se)
}
