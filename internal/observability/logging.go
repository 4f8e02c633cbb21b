package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/statusflow/internal/config"
	"github.com/pitabwire/statusflow/model"
)

type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: store outages, relay disconnects, unhandled panics, 5xx responses
//   - warn:  rejected transitions, open circuit breaker, failed notifications
//   - info:  entity created, status transitioned, definitions loaded
//   - debug: subscription churn, capability cache activity, request payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"service": "statusflow"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with RequestContext fields.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// Customer contact details and payment references never reach the logs.
var defaultSensitiveFields = map[string]bool{
	"customer_phone":   true,
	"customer_address": true,
	"delivery_address": true,
	"image_url":        true,
	"reference":        true,
	"password":         true,
	"token":            true,
	"authorization":    true,
}

// RedactFields returns a copy of fields with sensitive keys replaced by
// "[REDACTED]". Keys are matched case-insensitively; extra extends the
// default set. Nested maps and slices of maps are walked.
func RedactFields(fields map[string]any, extra ...string) map[string]any {
	if fields == nil {
		return nil
	}
	redactSet := make(map[string]bool, len(defaultSensitiveFields)+len(extra))
	for k := range defaultSensitiveFields {
		redactSet[k] = true
	}
	for _, f := range extra {
		redactSet[strings.ToLower(f)] = true
	}
	return redact(fields, redactSet)
}

func redact(fields map[string]any, redactSet map[string]bool) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if redactSet[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			out[k] = redact(nested, redactSet)
		case []any:
			items := make([]any, len(nested))
			for i, item := range nested {
				if m, ok := item.(map[string]any); ok {
					items[i] = redact(m, redactSet)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}
