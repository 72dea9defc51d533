package logger

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	UserIDKey    contextKey = "user_id"
)

var (
	globalLogger *Logger
	initOnce     sync.Once
)

// Logger is a zap logger that enriches every entry with ctx values.
type Logger struct {
	zapLogger *zap.Logger
}

func Init(levelStr string, asJSON bool) error {
	initOnce.Do(func() {
		encoderCfg := buildEncoderConfig()

		var encoder zapcore.Encoder
		if asJSON {
			encoder = zapcore.NewJSONEncoder(encoderCfg)
		} else {
			encoder = zapcore.NewConsoleEncoder(encoderCfg)
		}

		core := zapcore.NewCore(
			encoder,
			zapcore.AddSync(os.Stdout),
			parseLevel(levelStr),
		)

		globalLogger = &Logger{zapLogger: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))}
	})

	return nil
}

func buildEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
}

func Sync() error {
	if globalLogger != nil {
		return globalLogger.zapLogger.Sync()
	}
	return nil
}

// With returns a child logger carrying fields. Its methods are called
// directly, one frame closer to the caller than the package helpers.
func With(fields ...zap.Field) *Logger {
	if globalLogger == nil {
		return &Logger{zapLogger: zap.NewNop()}
	}
	return &Logger{zapLogger: globalLogger.zapLogger.WithOptions(zap.AddCallerSkip(-1)).With(fields...)}
}

func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func Debug(ctx context.Context, message string, fields ...zap.Field) {
	if globalLogger != nil {
		globalLogger.Debug(ctx, message, fields...)
	}
}

func Info(ctx context.Context, message string, fields ...zap.Field) {
	if globalLogger != nil {
		globalLogger.Info(ctx, message, fields...)
	}
}

func Warn(ctx context.Context, message string, fields ...zap.Field) {
	if globalLogger != nil {
		globalLogger.Warn(ctx, message, fields...)
	}
}

func Error(ctx context.Context, message string, fields ...zap.Field) {
	if globalLogger != nil {
		globalLogger.Error(ctx, message, fields...)
	}
}

func (l *Logger) Debug(ctx context.Context, message string, fields ...zap.Field) {
	l.zapLogger.Debug(message, append(fieldsFromContext(ctx), fields...)...)
}

func (l *Logger) Info(ctx context.Context, message string, fields ...zap.Field) {
	l.zapLogger.Info(message, append(fieldsFromContext(ctx), fields...)...)
}

func (l *Logger) Warn(ctx context.Context, message string, fields ...zap.Field) {
	l.zapLogger.Warn(message, append(fieldsFromContext(ctx), fields...)...)
}

func (l *Logger) Error(ctx context.Context, message string, fields ...zap.Field) {
	l.zapLogger.Error(message, append(fieldsFromContext(ctx), fields...)...)
}

func fieldsFromContext(ctx context.Context) []zap.Field {
	var fields []zap.Field

	if requestID, found := ctx.Value(RequestIDKey).(string); found && requestID != "" {
		fields = append(fields, zap.String(string(RequestIDKey), requestID))
	}

	if userID, found := ctx.Value(UserIDKey).(string); found && userID != "" {
		fields = append(fields, zap.String(string(UserIDKey), userID))
	}

	return fields
}

func parseLevel(levelString string) zapcore.Level {
	switch strings.ToLower(levelString) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
