// Package logging provides structured logging with trace propagation for the relay.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	// TraceIDKey is the context key carrying the request trace id.
	TraceIDKey contextKey = "trace_id"
	// SignerKey is the context key carrying the EIP-712 signer of the request.
	SignerKey contextKey = "signer"
)

// Logger wraps logrus with service metadata and context-aware helpers.
type Logger struct {
	*logrus.Logger
	service string
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// New creates a logger for the named service.
// level is a logrus level name; format is "json" or "text".
func New(service, level, format string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.EqualFold(format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}

	return &Logger{Logger: l, service: service}
}

// Default returns a process-wide logger used where no logger was injected.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = New("microcredit-relay", "info", "json")
	})
	return defaultLogger
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	l := New("test", "panic", "json")
	l.SetOutput(io.Discard)
	return l
}

// Service returns the service name attached to every entry.
func (l *Logger) Service() string {
	return l.service
}

// WithContext returns an entry carrying the service name and any trace metadata in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if ctx == nil {
		return entry
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if signer := GetSigner(ctx); signer != "" {
		entry = entry.WithField("signer", signer)
	}
	return entry
}

func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Debug(msg)
}

func (l *Logger) Info(ctx context.Context, msg string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Info(msg)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Warn(msg)
}

func (l *Logger) Error(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}

// LogRequest records one completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	switch {
	case status >= 500:
		entry.Error("request failed")
	case status >= 400:
		entry.Warn("request rejected")
	default:
		entry.Info("request completed")
	}
}

// LogSecurityEvent records rate-limit hits, rejected origins and similar events.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).WithField("security_event", event).Warn("security event")
}

// NewTraceID returns a fresh random trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores the trace id in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID extracts the trace id from ctx.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSigner stores the request signer address in ctx.
func WithSigner(ctx context.Context, signer string) context.Context {
	return context.WithValue(ctx, SignerKey, signer)
}

// GetSigner extracts the request signer from ctx.
func GetSigner(ctx context.Context) string {
	if v, ok := ctx.Value(SignerKey).(string); ok {
		return v
	}
	return ""
}
