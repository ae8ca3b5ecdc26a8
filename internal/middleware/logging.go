package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

type logCtxKey int

const (
	ctxKeyRequestID logCtxKey = iota
	ctxKeyLogger
)

// RequestIDFromContext returns the request ID stamped by the logging
// middleware, if any.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID).(string)
	return id, ok
}

// LoggerFromContext returns the request-scoped logger, or slog.Default()
// outside a request.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKeyLogger).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// tagRequest mints a request ID, derives a logger carrying it, and stores
// both on the context. Every logging middleware funnels through here so
// HTTP and gRPC requests get identical treatment.
func tagRequest(ctx context.Context, base *slog.Logger) (context.Context, *slog.Logger) {
	id := newRequestID()
	logger := base.With(slog.String("request_id", id))
	ctx = context.WithValue(ctx, ctxKeyRequestID, id)
	ctx = context.WithValue(ctx, ctxKeyLogger, logger)
	return ctx, logger
}

func newRequestID() string {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(raw[:])
}

// statusRecorder captures the status code a handler writes. The first
// WriteHeader wins; an implicit Write counts as 200.
type statusRecorder struct {
	http.ResponseWriter
	status    int
	committed bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.committed {
		sr.status = code
		sr.committed = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.committed {
		sr.status = http.StatusOK
		sr.committed = true
	}
	return sr.ResponseWriter.Write(b)
}

// Unwrap keeps http.ResponseController working through the wrapper.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// HTTPRequestLogging logs a started/completed line pair per request, tagged
// with a request ID that is also available to handlers via the context.
func HTTPRequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, reqLogger := tagRequest(r.Context(), logger)

			reqLogger.InfoContext(ctx, "request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r.WithContext(ctx))

			reqLogger.InfoContext(ctx, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", recorder.status),
				slog.Float64("duration_ms", millisecondsSince(start)),
			)
		})
	}
}

// UnaryRequestLoggingInterceptor is the gRPC counterpart of
// HTTPRequestLogging for unary calls. The status code logged is the
// numeric gRPC code.
func UnaryRequestLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, reqLogger := tagRequest(ctx, logger)

		reqLogger.InfoContext(ctx, "request started",
			slog.String("method", info.FullMethod),
		)

		start := time.Now()
		resp, err := handler(ctx, req)

		reqLogger.InfoContext(ctx, "request completed",
			slog.String("method", info.FullMethod),
			slog.Int("status_code", int(status.Code(err))),
			slog.Float64("duration_ms", millisecondsSince(start)),
		)

		return resp, err
	}
}

// StreamRequestLoggingInterceptor logs stream lifecycles the same way the
// unary interceptor logs calls.
func StreamRequestLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, reqLogger := tagRequest(ss.Context(), logger)

		reqLogger.InfoContext(ctx, "stream started",
			slog.String("method", info.FullMethod),
		)

		start := time.Now()
		err := handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})

		reqLogger.InfoContext(ctx, "stream completed",
			slog.String("method", info.FullMethod),
			slog.Int("status_code", int(status.Code(err))),
			slog.Float64("duration_ms", millisecondsSince(start)),
		)

		return err
	}
}

func millisecondsSince(start time.Time) float64 {
	return float64(time.Since(start).Nanoseconds()) / 1e6
}
