// Package logging adapts zap to the es.Logger interface the executor's components log through.
package logging

import (
	"context"
	"fmt"

	"github.com/getpup/pupsourcing/es"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements es.Logger on a *zap.Logger.
type ZapLogger struct {
	logger *zap.Logger
}

var _ es.Logger = (*ZapLogger)(nil)

// NewZapLogger wraps logger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

// NewZap builds a zap logger. Development loggers write human-readable console output.
func NewZap(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Zap returns the wrapped logger.
func (l *ZapLogger) Zap() *zap.Logger {
	return l.logger
}

func (l *ZapLogger) Debug(ctx context.Context, msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, Fields(keyvals...)...)
}

func (l *ZapLogger) Info(ctx context.Context, msg string, keyvals ...interface{}) {
	l.logger.Info(msg, Fields(keyvals...)...)
}

func (l *ZapLogger) Error(ctx context.Context, msg string, keyvals ...interface{}) {
	l.logger.Error(msg, Fields(keyvals...)...)
}

// Fields converts alternating keys and values into zap fields.
// Errors become zap.Error fields; a trailing key without a value is kept under "!BADKEY".
func Fields(keyvals ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 == len(keyvals) {
			fields = append(fields, zap.Any("!BADKEY", keyvals[i]))
			break
		}

		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}

		switch v := keyvals[i+1].(type) {
		case error:
			fields = append(fields, zap.NamedError(key, v))
		case fmt.Stringer:
			fields = append(fields, zap.Stringer(key, v))
		default:
			fields = append(fields, zap.Any(key, v))
		}
	}
	return fields
}
