package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggerKey struct{}

func NewContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey{}, logger)
}

func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(LoggerKey{}).(*zap.Logger); ok {
		return logger
	}
	return New(zap.DebugLevel, "", false)
}

type fileOptionFunc func(*lumberjack.Logger)

// WithRotation keeps at most maxFiles old log files of maxSizeMB each.
// maxFiles of 0 keeps every file.
func WithRotation(maxFiles, maxSizeMB int) fileOptionFunc {
	return func(l *lumberjack.Logger) {
		l.MaxBackups = maxFiles
		if maxSizeMB > 0 {
			l.MaxSize = maxSizeMB
		}
	}
}

// New builds a logger writing to stdout at level and, when logFileName is
// set, to a rotating file at debug level.
func New(level zapcore.LevelEnabler, logFileName string, json bool, opts ...fileOptionFunc) *zap.Logger {
	var encoder zapcore.Encoder
	if json {
		encoder = zapcore.NewJSONEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)}

	if logFileName != "" {
		fileLogger := &lumberjack.Logger{
			Filename: logFileName,
			MaxSize:  500,
			MaxAge:   28,
			Compress: true,
		}
		for _, opt := range opts {
			opt(fileLogger)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(fileLogger), zap.DebugLevel))
	}

	return zap.New(zapcore.NewTee(cores...))
}
