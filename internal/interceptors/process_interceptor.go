package interceptors

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// ProcessInfo identifies the hub process an outgoing call is made for.
type ProcessInfo struct {
	ProcessID string
	TenantID  string
	Attempt   int
}

type processKey struct{}

// WithProcess attaches process metadata to ctx for outgoing calls.
func WithProcess(ctx context.Context, info ProcessInfo) context.Context {
	return context.WithValue(ctx, processKey{}, info)
}

// ProcessFromContext returns the metadata set by WithProcess.
func ProcessFromContext(ctx context.Context) (ProcessInfo, bool) {
	info, ok := ctx.Value(processKey{}).(ProcessInfo)
	return info, ok && info.ProcessID != ""
}

// ProcessHTTPRoundTripper adds process metadata to outgoing HTTP requests
type ProcessHTTPRoundTripper struct {
	base http.RoundTripper
}

// NewProcessHTTPRoundTripper creates a new HTTP interceptor that adds process metadata
func NewProcessHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &ProcessHTTPRoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper and injects process headers
func (p *ProcessHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	info, ok := ProcessFromContext(req.Context())
	if !ok {
		return p.base.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	req.Header.Set("X-Process-ID", info.ProcessID)
	if info.TenantID != "" {
		req.Header.Set("X-Tenant-ID", info.TenantID)
	}
	if info.Attempt > 0 {
		req.Header.Set("X-Attempt", strconv.Itoa(info.Attempt))
	}
	return p.base.RoundTrip(req)
}

// LoggingUnaryServerInterceptor logs every unary call served by the hub's
// gRPC endpoint at debug level, and failures at warn.
func LoggingUnaryServerInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			logger.Warn("gRPC call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("gRPC call", fields...)
		}
		return resp, err
	}
}
