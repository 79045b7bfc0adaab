package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func withObservedGlobal(t *testing.T) *observer.ObservedLogs {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	prev := globalLogger
	globalLogger = zap.New(core)
	t.Cleanup(func() { globalLogger = prev })
	return logs
}

func TestWithContextAttachesRunFields(t *testing.T) {
	logs := withObservedGlobal(t)

	ctx := context.WithValue(context.Background(), RunIDKey, "20260830T120000Z")
	ctx = context.WithValue(ctx, JobKey, "kpi_delta")

	WithContext(ctx).Info("run started")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "20260830T120000Z", fields["run_id"])
	assert.Equal(t, "kpi_delta", fields["job"])
}

func TestWithContextEmptyContext(t *testing.T) {
	logs := withObservedGlobal(t)

	WithContext(context.Background()).Info("bare")

	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].ContextMap())
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := newLogger(Config{Level: "shouting", Encoding: "json"})
	require.Error(t, err)
}
