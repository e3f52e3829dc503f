// Package logging builds the engine's structured zap logger and bridges
// it into the OpenTelemetry log pipeline.
package logging

import (
	"fmt"
	"os"
	"strings"

	"jet_trader/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts zap to the core.ILogger key/value calling style used
// throughout the engine.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger builds a logger at the given severity. Entries below WARN
// go to stdout, WARN and above to stderr, and everything is mirrored into
// the OTel log bridge so exporters see the same stream.
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(levelStr))
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", levelStr, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	belowWarn := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= level && l < zapcore.WarnLevel
	})
	warnPlus := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= level && l >= zapcore.WarnLevel
	})

	tee := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), belowWarn),
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), warnPlus),
		otelzap.NewCore("jet_trader", otelzap.WithLoggerProvider(global.GetLoggerProvider())),
	)

	return &ZapLogger{
		logger: zap.New(tee, zap.AddCaller(), zap.AddCallerSkip(1)),
	}, nil
}

// toZapFields maps alternating key/value pairs onto zap fields. A trailing
// key without a value is kept under a marker key rather than dropped, so
// the call-site mistake shows up in output instead of vanishing.
func toZapFields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, (len(kv)+1)/2)
	for len(kv) >= 2 {
		key, ok := kv[0].(string)
		if !ok {
			key = fmt.Sprint(kv[0])
		}
		out = append(out, zap.Any(key, kv[1]))
		kv = kv[2:]
	}
	if len(kv) == 1 {
		out = append(out, zap.Any("(dangling)", kv[0]))
	}
	return out
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Fatal(msg string, fields ...interface{}) {
	l.logger.Fatal(msg, toZapFields(fields)...)
}

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zf...)}
}

// Sync flushes buffered entries. Syncing stdout fails on some platforms;
// callers at shutdown may ignore the error.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
