// Package logging provides the structured logger every manager, transport,
// and engine in this module is constructed with.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the calling convention used throughout this module: structured
// key/value pairs on every call site, no bare Printf-style logging.
type Logger interface {
	Debugw(msg string, kv ...interface{})
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	With(kv ...interface{}) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New builds a development-friendly logger writing to stderr.
func New() Logger {
	l, _ := zap.NewDevelopment()
	return &zapLogger{s: l.Sugar()}
}

// NewProduction builds a JSON logger. When logFilePath is non-empty, output
// is routed through a rotating lumberjack writer instead of stderr.
func NewProduction(logFilePath string) (Logger, error) {
	if logFilePath == "" {
		l, err := zap.NewProduction()
		if err != nil {
			return nil, err
		}
		return &zapLogger{s: l.Sugar()}, nil
	}

	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	})
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), writer, zap.InfoLevel)
	return &zapLogger{s: zap.New(core).Sugar()}, nil
}

func (z *zapLogger) Debugw(msg string, kv ...interface{}) { z.s.Debugw(msg, kv...) }
func (z *zapLogger) Infow(msg string, kv ...interface{})  { z.s.Infow(msg, kv...) }
func (z *zapLogger) Warnw(msg string, kv ...interface{})  { z.s.Warnw(msg, kv...) }
func (z *zapLogger) Errorw(msg string, kv ...interface{}) { z.s.Errorw(msg, kv...) }
func (z *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{s: z.s.With(kv...)}
}

// Noop returns a Logger that discards everything, for tests that don't care.
func Noop() Logger {
	return &zapLogger{s: zap.NewNop().Sugar()}
}
