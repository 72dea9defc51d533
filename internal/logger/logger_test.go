package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestWith_BeforeInit(t *testing.T) {
	l := With(zap.String("component", "test"))
	assert.NotPanics(t, func() {
		l.Info(context.Background(), "discarded")
		Error(context.Background(), "discarded")
	})
}

func TestFieldsFromContext(t *testing.T) {
	ctx := ContextWithUserID(ContextWithRequestID(context.Background(), "req-1"), "42")

	fields := fieldsFromContext(ctx)
	assert.Equal(t, []zap.Field{
		zap.String(string(RequestIDKey), "req-1"),
		zap.String(string(UserIDKey), "42"),
	}, fields)

	assert.Empty(t, fieldsFromContext(context.Background()))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}
