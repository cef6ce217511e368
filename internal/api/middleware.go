// SPDX-License-Identifier: MIT

package api

import (
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/stemscribe/stemscribe/internal/log"
	"github.com/stemscribe/stemscribe/internal/metrics"
	"github.com/stemscribe/stemscribe/internal/model"
)

const headerRequestID = "X-Request-ID"

// recoverer keeps a panicking handler from taking the process down: the
// panic is logged with its stack and answered with an internal_error
// envelope. http.ErrAbortHandler is the net/http sentinel for a client that
// went away mid-stream; it is not a failure and is re-raised for the server
// to swallow.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				logger := log.WithComponentFromContext(r.Context(), "api")
				logger.Debug().
					Str("event", "http.client_aborted").
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("client aborted request")
				panic(rec)
			}
			logger := log.WithComponentFromContext(r.Context(), "api")
			logger.Error().
				Str("event", "http.panic").
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered in handler")
			writeTaskError(w, model.Internalf("internal server error"))
		}()
		next.ServeHTTP(w, r)
	})
}

// requestID assigns every request a correlation id, reusing the client's
// X-Request-ID when present, and echoes it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(headerRequestID, rid)
		ctx := log.ContextWithRequestID(r.Context(), rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// securityHeaders adds the baseline response headers. HSTS is set only when
// the request arrived over TLS, directly or behind a terminating proxy.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			w.Header().Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// otelHTTP wraps the router with OpenTelemetry server spans and trace
// context propagation. Health and metrics probes are not traced.
func otelHTTP(next http.Handler) http.Handler {
	return otelhttp.NewHandler(
		next,
		"stemscribe-api",
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
		otelhttp.WithFilter(shouldTrace),
		otelhttp.WithSpanNameFormatter(spanName),
	)
}

func shouldTrace(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/readyz", "/metrics":
		return false
	}
	return true
}

func spanName(_ string, r *http.Request) string {
	return r.Method + " " + r.URL.Path
}

// statusWriter captures the status code and byte count for the metrics and
// logging middlewares.
type statusWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.status = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.WriteHeader(http.StatusOK)
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += n
	return n, err
}

// metricsMiddleware records request counts and latency. The path label uses
// the chi route pattern, not the raw URL, so ids do not explode cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// logRequests emits one structured line per request.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Info().
			Str("event", "http.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Int("bytes", sw.bytes).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("request handled")
	})
}

// rateLimiter enforces a per-IP sliding window sized so the sustained rate
// is rps with burst headroom. Rejections use the error envelope; 429 keeps
// the bad_request code, which has no dedicated taxonomy entry.
func rateLimiter(rps, burst int) func(http.Handler) http.Handler {
	window := time.Second
	if rps > 0 && burst > rps {
		window = time.Duration(float64(burst) / float64(rps) * float64(time.Second))
	}
	if burst < 1 {
		burst = 1
	}
	return httprate.Limit(
		burst,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, model.NewTaskError(model.CodeBadRequest, "rate limit exceeded"))
		}),
	)
}

// requireAuth enforces bearer auth on the /v2 routes when a token is
// configured. A missing credential is unauthorized, a wrong one forbidden;
// the comparison is constant time.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg().APIToken
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		got := bearerToken(r)
		if got == "" {
			logger := log.WithComponentFromContext(r.Context(), "auth")
			logger.Warn().
				Str("event", "auth.missing_token").
				Str("path", r.URL.Path).
				Msg("authorization header missing")
			writeTaskError(w, model.NewTaskError(model.CodeUnauthorized, "authorization required"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logger := log.WithComponentFromContext(r.Context(), "auth")
			logger.Warn().
				Str("event", "auth.invalid_token").
				Str("path", r.URL.Path).
				Msg("invalid api token")
			writeTaskError(w, model.NewTaskError(model.CodeForbidden, "invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[len("Bearer "):])
}
