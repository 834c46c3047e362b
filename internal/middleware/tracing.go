package middleware

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/tracing"
)

// TracingMiddleware opens a server span per request, echoes the trace id
// and writes one access log line.
type TracingMiddleware struct {
	logger *zap.Logger
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware(logger *zap.Logger) *TracingMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TracingMiddleware{logger: logger}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusWriter) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *statusWriter) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack supports websocket upgrades behind this middleware.
func (s *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	if s.status == 0 {
		s.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

type routeKey struct{}

// RecordRoute wraps a ServeMux nested behind other middleware so the
// matched pattern reaches the tracing middleware.
func RecordRoute(mux http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
		if holder, ok := r.Context().Value(routeKey{}).(*string); ok && *holder == "" {
			*holder = r.Pattern
		}
	})
}

// Middleware returns the HTTP middleware function
func (tm *TracingMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		parent := propagation.TraceContext{}.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracing.StartSpan(parent, "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		traceID := ""
		if sc := span.SpanContext(); sc.IsValid() {
			traceID = sc.TraceID().String()
		} else if id, _, _, ok := tracing.ParseTraceparent(r.Header.Get("traceparent")); ok {
			traceID = id
		} else if id := r.Header.Get("X-Request-ID"); id != "" {
			traceID = id
		} else {
			traceID = uuid.NewString()
		}
		w.Header().Set("X-Trace-ID", traceID)

		sw := &statusWriter{ResponseWriter: w}
		var route string
		req := r.WithContext(context.WithValue(ctx, routeKey{}, &route))
		next.ServeHTTP(sw, req)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		if route == "" {
			route = req.Pattern
		}
		if route == "" {
			route = "unmatched"
		}
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)
		metrics.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
		tm.logger.Debug("Request served",
			zap.String("trace_id", traceID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
