package logger

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type testSink struct {
	writes [][]byte
}

func (s *testSink) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	s.writes = append(s.writes, buf)
	return len(p), nil
}

func TestGetLevelFromEnv(t *testing.T) {
	tests := []struct {
		name          string
		envValue      string
		expectedLevel LogLevel
	}{
		{"trace level", "trace", LevelTrace},
		{"info level", "info", LevelInfo},
		{"warning alias", "warning", LevelWarn},
		{"uppercase error", "ERROR", LevelError},
		{"none", "none", LevelNone},
		{"empty string", "", LevelDebug},
		{"invalid value", "invalid", LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvLogLevel, tt.envValue)
			assert.Equal(t, tt.expectedLevel, GetLevelFromEnv())
		})
	}
}

func TestParseLevel(t *testing.T) {
	level, ok := ParseLevel(" Warn ")
	assert.True(t, ok)
	assert.Equal(t, LevelWarn, level)

	_, ok = ParseLevel("loud")
	assert.False(t, ok)

	assert.Equal(t, "info", LevelInfo.String())
}

func TestJSONLogEntryString(t *testing.T) {
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(JSONLogEntry{Message: "hello"}.String()), &parsed))
	assert.Equal(t, "hello", parsed["message"])
	assert.Equal(t, "INFO", parsed["severity"])
}

func TestJSONLoggerSink(t *testing.T) {
	sink := &testSink{}
	log := NewJSONLoggerWithSink(sink, LevelInfo)

	log.Debug("dropped")
	log.WithPrefix("[cache]").With(map[string]interface{}{"key": "a"}).Warn("value %s", "corrupt")

	require.Len(t, sink.writes, 1)
	var entry JSONLogEntry
	require.NoError(t, json.Unmarshal(sink.writes[0], &entry))
	assert.Equal(t, "WARNING", entry.Severity)
	assert.Equal(t, "value corrupt", entry.Message)
	assert.Equal(t, "cache", entry.Component)
	assert.Equal(t, "a", entry.Metadata["key"])
}

func TestJSONLoggerComponentFromMetadata(t *testing.T) {
	sink := &testSink{}
	log := NewJSONLoggerWithSink(sink, LevelTrace).With(map[string]interface{}{"component": "worker"})
	log.Info("started")

	require.Len(t, sink.writes, 1)
	var entry JSONLogEntry
	require.NoError(t, json.Unmarshal(sink.writes[0], &entry))
	assert.Equal(t, "worker", entry.Component)
	assert.Empty(t, entry.Metadata)
}

func TestJSONLoggerTraceContext(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1, 2, 3},
		SpanID:  trace.SpanID{4, 5, 6},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	sink := &testSink{}
	log := NewJSONLoggerWithSink(sink, LevelInfo)
	log.WithContext(ctx).Info("delivered")
	log.Info("untraced")

	require.Len(t, sink.writes, 2)
	var entry JSONLogEntry
	require.NoError(t, json.Unmarshal(sink.writes[0], &entry))
	assert.Equal(t, sc.TraceID().String(), entry.TraceID)
	assert.Equal(t, sc.SpanID().String(), entry.SpanID)

	entry = JSONLogEntry{}
	require.NoError(t, json.Unmarshal(sink.writes[1], &entry))
	assert.Empty(t, entry.TraceID)
}

func TestConsoleLoggerSinkStripsColor(t *testing.T) {
	sink := &testSink{}
	log := NewConsoleLogger(LevelNone)
	log.SetSink(sink, LevelDebug)

	assert.False(t, log.IsLevelEnabled(LevelTrace))
	assert.True(t, log.IsLevelEnabled(LevelDebug))

	log.WithPrefix("[queue]").Info("popped %d", 3)
	require.Len(t, sink.writes, 1)
	line := string(sink.writes[0])
	assert.Contains(t, line, "[INFO ] [queue] popped 3")
	assert.False(t, strings.Contains(line, "\033["))
}

func TestNopLogger(t *testing.T) {
	log := NewNopLogger()
	assert.False(t, log.IsLevelEnabled(LevelError))
	log.Error("nothing happens")
}

func TestTestLoggerSharesRecord(t *testing.T) {
	root := NewTestLogger()
	child := WithKV(root, "key", "value")

	child.Info("hello %s", "world")
	root.Warn("careful")

	logs := root.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, "INFO", logs[0].Severity)
	assert.Equal(t, "hello %s", logs[0].Message)
	assert.Equal(t, []interface{}{"world"}, logs[0].Arguments)
	assert.Equal(t, "value", logs[0].Metadata["key"])
	assert.Equal(t, "WARNING", logs[1].Severity)
	assert.Len(t, root.Find("careful"), 1)
}

func TestTestLoggerStack(t *testing.T) {
	first := NewTestLogger()
	second := NewTestLogger()
	first.Stack(second).Error("boom")

	assert.Len(t, first.Logs(), 1)
	assert.Len(t, second.Logs(), 1)
}
