package core

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggerKey struct{}

var (
	logLevel   = zap.NewAtomicLevelAt(zap.InfoLevel)
	baseLogger = newBaseLogger()
)

func newBaseLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = logLevel
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// SetLogLevel changes the level of every logger handed out by WithDefaultLogger.
func SetLogLevel(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	logLevel.SetLevel(lvl)
	return nil
}

// SetLogger replaces the process logger. Tests use it with zaptest or zap.NewNop.
func SetLogger(l *zap.Logger) {
	baseLogger = l
}

// WithDefaultLogger attaches a logger tagged with reqId to the context.
func WithDefaultLogger(parent context.Context, reqId string) context.Context {
	return context.WithValue(parent, loggerKey{}, baseLogger.Sugar().With("req_id", reqId))
}

func logger(ctx context.Context) *zap.SugaredLogger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok {
			return l
		}
	}
	return baseLogger.Sugar()
}

func Infof(ctx context.Context, tpl string, args ...any) {
	logger(ctx).Infof(tpl, args...)
}

func Warnf(ctx context.Context, tpl string, args ...any) {
	logger(ctx).Warnf(tpl, args...)
}

func Errorf(ctx context.Context, tpl string, args ...any) {
	logger(ctx).Errorf(tpl, args...)
}

func Debugf(ctx context.Context, tpl string, args ...any) {
	logger(ctx).Debugf(tpl, args...)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = baseLogger.Sync()
}
