// Package logging provides structured logging with trace/execution id
// support, built on logrus.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried through the engine.
type ContextKey string

const (
	// TraceIDKey is the context key for the request trace id.
	TraceIDKey ContextKey = "trace_id"
	// ExecutionIDKey is the context key for the active Execution id.
	ExecutionIDKey ContextKey = "execution_id"
	// ServiceKey is the context key for the owning component name.
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with the fields this engine threads through
// the Command Gateway, the Supervisor, the Wave Runner and the Job Poller.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a Logger for the given component name.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv builds a logger from LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext returns an entry carrying the service name plus any
// trace/execution id found on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if executionID, ok := ctx.Value(ExecutionIDKey).(string); ok && executionID != "" {
		entry = entry.WithField("execution_id", executionID)
	}
	return entry
}

// WithField returns an entry carrying the service name plus one field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, key: value})
}

// WithFields returns an entry carrying the service name plus the given
// fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError returns an entry carrying the service name plus the error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "error": err.Error()})
}

// NewTraceID generates a fresh trace id.
func NewTraceID() string { return uuid.New().String() }

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithExecutionID attaches an execution id to ctx.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, executionID)
}

// GetExecutionID retrieves the execution id from ctx, if present.
func GetExecutionID(ctx context.Context) string {
	if v, ok := ctx.Value(ExecutionIDKey).(string); ok {
		return v
	}
	return ""
}

// LogTransition logs an Execution or WaveExecution status transition.
// This is operational visibility only — the audit log append is the
// durable record of the same event.
func (l *Logger) LogTransition(ctx context.Context, executionID string, from, to string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"execution_id": executionID,
		"from":         from,
		"to":           to,
	}).Info("status transition")
}

// LogAWSCall logs one DRS/EC2 call envelope.
func (l *Logger) LogAWSCall(ctx context.Context, method string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"aws_method":  method,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("aws call failed")
		return
	}
	entry.Debug("aws call completed")
}

// LogCommand logs a command accept/reject decision.
func (l *Logger) LogCommand(ctx context.Context, kind, executionID string, accepted bool, reason string) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"command_kind": kind,
		"execution_id": executionID,
		"accepted":     accepted,
	})
	if !accepted {
		entry = entry.WithField("rejected_reason", reason)
	}
	entry.Info("command evaluated")
}
