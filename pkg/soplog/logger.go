package soplog

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CVDpl/go-soplog/internal/common"
)

// DefaultLogger implements common.Logger on top of logrus with JSON output.
type DefaultLogger struct {
	entry *logrus.Entry
}

// NewDefaultLogger creates a new default logger at info level.
func NewDefaultLogger() common.Logger {
	return NewDefaultLoggerWithLevel(common.LogLevelInfo)
}

// NewDefaultLoggerWithLevel creates a logger with a specific log level.
func NewDefaultLoggerWithLevel(level common.LogLevel) common.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	l.SetLevel(logrusLevel(level))
	return &DefaultLogger{entry: logrus.NewEntry(l)}
}

// NewLogrusLogger adapts an existing logrus logger.
func NewLogrusLogger(l logrus.FieldLogger) common.Logger {
	return &DefaultLogger{entry: l.WithFields(logrus.Fields{})}
}

func logrusLevel(level common.LogLevel) logrus.Level {
	switch level {
	case common.LogLevelDebug:
		return logrus.DebugLevel
	case common.LogLevelWarn:
		return logrus.WarnLevel
	case common.LogLevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *DefaultLogger) Debug(msg string, fields ...interface{}) {
	l.with(fields).Debug(msg)
}

func (l *DefaultLogger) Info(msg string, fields ...interface{}) {
	l.with(fields).Info(msg)
}

func (l *DefaultLogger) Warn(msg string, fields ...interface{}) {
	l.with(fields).Warn(msg)
}

func (l *DefaultLogger) Error(msg string, fields ...interface{}) {
	l.with(fields).Error(msg)
}

// with turns alternating key/value pairs into logrus fields. A trailing key
// without a value is dropped.
func (l *DefaultLogger) with(fields []interface{}) *logrus.Entry {
	if len(fields) < 2 {
		return l.entry
	}
	f := make(logrus.Fields, len(fields)/2)
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprint(fields[i])
		}
		f[key] = fields[i+1]
	}
	return l.entry.WithFields(f)
}

// WithFields returns a logger with additional persistent fields.
func (l *DefaultLogger) WithFields(fields map[string]interface{}) common.Logger {
	return &DefaultLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// LoggerWithContext wraps a logger with contextual information.
type LoggerWithContext struct {
	logger common.Logger
	fields map[string]interface{}
}

// WithContext adds contextual fields to a logger.
func WithContext(logger common.Logger, fields map[string]interface{}) common.Logger {
	if logger == nil {
		logger = NewDefaultLogger()
	}

	// merge into an existing wrapper instead of nesting
	if lwc, ok := logger.(*LoggerWithContext); ok {
		merged := make(map[string]interface{}, len(lwc.fields)+len(fields))
		for k, v := range lwc.fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		return &LoggerWithContext{logger: lwc.logger, fields: merged}
	}

	return &LoggerWithContext{logger: logger, fields: fields}
}

func (l *LoggerWithContext) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, l.mergeFields(fields...)...)
}

func (l *LoggerWithContext) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, l.mergeFields(fields...)...)
}

func (l *LoggerWithContext) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, l.mergeFields(fields...)...)
}

func (l *LoggerWithContext) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, l.mergeFields(fields...)...)
}

func (l *LoggerWithContext) mergeFields(fields ...interface{}) []interface{} {
	result := make([]interface{}, 0, len(fields)+len(l.fields)*2)
	for k, v := range l.fields {
		result = append(result, k, v)
	}
	return append(result, fields...)
}

// LogError is a helper to log an error with context.
func LogError(logger common.Logger, msg string, err error, fields ...interface{}) {
	allFields := append([]interface{}{"error", err.Error()}, fields...)
	logger.Error(msg, allFields...)
}

// LogLatency is a helper to log operation latency.
func LogLatency(logger common.Logger, operation string, start time.Time, fields ...interface{}) {
	duration := time.Since(start)
	allFields := append([]interface{}{
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	}, fields...)

	if duration > time.Second {
		logger.Warn(fmt.Sprintf("slow operation: %s", operation), allFields...)
	} else {
		logger.Debug(fmt.Sprintf("operation completed: %s", operation), allFields...)
	}
}
