package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	// ContextKeyViewerID carries the viewer instance id across request scopes.
	ContextKeyViewerID contextKey = "viewer_id"
	// ContextKeyStreamCode carries the stream code of the active viewing session.
	ContextKeyStreamCode contextKey = "stream_code"
)

// WithRequestScope stamps the viewer id and stream code onto the
// context so downstream request logs and spans carry them.
func WithRequestScope(ctx context.Context, viewerID, streamCode string) context.Context {
	if viewerID != "" {
		ctx = context.WithValue(ctx, ContextKeyViewerID, viewerID)
	}
	if streamCode != "" {
		ctx = context.WithValue(ctx, ContextKeyStreamCode, streamCode)
	}
	return ctx
}

// RequestScope returns the viewer id and stream code stamped on the
// context, empty when absent.
func RequestScope(ctx context.Context) (viewerID, streamCode string) {
	viewerID, _ = ctx.Value(ContextKeyViewerID).(string)
	streamCode, _ = ctx.Value(ContextKeyStreamCode).(string)
	return viewerID, streamCode
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext adds viewer and stream fields from the context, when present.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	if viewerID, ok := ctx.Value(ContextKeyViewerID).(string); ok && viewerID != "" {
		fields = append(fields, zap.String("viewer_id", viewerID))
	}
	if streamCode, ok := ctx.Value(ContextKeyStreamCode).(string); ok && streamCode != "" {
		fields = append(fields, zap.String("stream_code", streamCode))
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// WithError adds error to logger
func (cl *ContextLogger) WithError(err error) *zap.Logger {
	return cl.logger.With(zap.Error(err))
}

// LogRequest logs an outbound HTTP request with context
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, durationMs int64) {
	cl.WithContext(ctx).Debug("api_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Int64("duration_ms", durationMs),
	)
}
