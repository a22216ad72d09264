package logging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// newObservedLogger returns a Logger backed by an in-memory observer core.
func newObservedLogger(level zapcore.Level) (Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return NewLoggerFromCore(core), logs
}

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		cfg := LogConfig{Level: LevelInfo, Format: format}
		l, err := NewLogger(cfg)
		require.NoError(t, err, "format %q", format)
		assert.NotNil(t, l)
	}
}

func TestNewLogger_InvalidOutputPath(t *testing.T) {
	cfg := LogConfig{
		Level:       LevelInfo,
		OutputPaths: []string{"/nonexistent-dir-xyz/and/deeper/log.out"},
	}
	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, parseLevel(tc.in), "level %q", tc.in)
	}
}

func TestLogger_EmitsFields(t *testing.T) {
	l, logs := newObservedLogger(zapcore.DebugLevel)

	l.Info("note coded",
		String("note_id", "n-123"),
		Int("codes", 4),
		Bool("corrected", true),
		Float64("duration_ms", 12.5),
		Duration("elapsed", 250*time.Millisecond),
		Strings("derived", []string{"31653", "31628"}),
	)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "note coded", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "n-123", fields["note_id"])
	assert.Equal(t, int64(4), fields["codes"])
	assert.Equal(t, true, fields["corrected"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	l, logs := newObservedLogger(zapcore.WarnLevel)

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")
	l.Error("kept")

	assert.Equal(t, 2, logs.Len())
}

func TestErr_NilAndNonNil(t *testing.T) {
	assert.Equal(t, Field{Key: "error", Value: "<nil>"}, Err(nil))

	e := errors.New("boom")
	f := Err(e)
	assert.Equal(t, "error", f.Key)
	assert.Equal(t, "boom", f.Value)
}

func TestWith_DoesNotMutateParent(t *testing.T) {
	parent, logs := newObservedLogger(zapcore.InfoLevel)
	child := parent.With(String("component", "assembler"))

	parent.Info("from parent")
	child.Info("from child")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.NotContains(t, entries[0].ContextMap(), "component")
	assert.Equal(t, "assembler", entries[1].ContextMap()["component"])
}

func TestNamed_NestsNames(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewLoggerFromCore(core).Named("pipeline").Named("assembler")

	l.Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "pipeline.assembler", entries[0].LoggerName)
}

func TestNopLogger_IsInertAndChainable(t *testing.T) {
	l := NewNopLogger()
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x")
	assert.NoError(t, l.Sync())
	assert.NotNil(t, l.With(String("a", "b")).Named("c"))
}

func TestDefault_SetAndGet(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	core, logs := observer.New(zapcore.InfoLevel)
	replacement := NewLoggerFromCore(core)

	SetDefault(replacement)
	Default().Info("through default")
	assert.Equal(t, 1, logs.Len())

	// nil must be ignored, not installed.
	SetDefault(nil)
	assert.NotNil(t, Default())
}

func TestToZapFields_FallbackToAny(t *testing.T) {
	fields := toZapFields([]Field{Any("payload", map[string]int{"a": 1})})
	require.Len(t, fields, 1)
	assert.Equal(t, "payload", fields[0].Key)
}
