package xlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTest = errors.New("test error")

func newJSONLogger(t *testing.T) (LoggerWithLevel, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, cleanup, err := New().SetOutput(&buf).SetFormat("json").SetLevel(LevelDebug).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_Levels(t *testing.T) {
	l, buf := newJSONLogger(t)
	ctx := context.Background()

	l.Debug(ctx, "d")
	l.Info(ctx, "i")
	l.Warn(ctx, "w")
	l.Error(ctx, "e", Err(errTest))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 4)
	assert.Equal(t, "DEBUG", lines[0]["level"])
	assert.Equal(t, "ERROR", lines[3]["level"])
	assert.Equal(t, "test error", lines[3][KeyError])
}

func TestLogger_DynamicLevel(t *testing.T) {
	l, buf := newJSONLogger(t)
	ctx := context.Background()

	l.SetLevel(LevelWarn)
	assert.Equal(t, LevelWarn, l.GetLevel())
	assert.False(t, l.Enabled(ctx, LevelInfo))

	l.Info(ctx, "hidden")
	l.Warn(ctx, "shown")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])
}

func TestLogger_WithAndGroup(t *testing.T) {
	l, buf := newJSONLogger(t)

	child := l.With(Component("limiter")).WithGroup("req")
	child.Info(context.Background(), "x", Method("GET"))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "limiter", lines[0][KeyComponent])
	req, ok := lines[0]["req"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "GET", req[KeyMethod])

	assert.Same(t, l, l.With())
	assert.Same(t, l, l.WithGroup(""))
}

func TestLogger_RequestIDFromContext(t *testing.T) {
	l, buf := newJSONLogger(t)

	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, ctx, WithRequestID(ctx, ""))

	l.Info(ctx, "with id")
	l.Info(nil, "nil ctx") //nolint:staticcheck // nil ctx 兜底

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "req-1", lines[0][KeyRequestID])
	assert.NotContains(t, lines[1], KeyRequestID)
}

func TestBuilder_Errors(t *testing.T) {
	_, _, err := New().SetFormat("xml").Build()
	require.Error(t, err)

	_, _, err = New().SetLevelString("loud").Build()
	require.Error(t, err)

	_, _, err = New().SetRotation(filepath.Join(t.TempDir(), "a.log"), nil).SetFormat("").Build()
	require.NoError(t, err)
}

func TestBuilder_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	l, cleanup, err := New().SetRotation(path).Build()
	require.NoError(t, err)

	l.Info(context.Background(), "to file")
	require.NoError(t, cleanup())
	require.NoError(t, cleanup())
	assert.FileExists(t, path)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug": LevelDebug, "INFO": LevelInfo, "": LevelInfo,
		" warning ": LevelWarn, "error": LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("nope")
	assert.ErrorIs(t, err, ErrUnknownLevel)

	text, err := LevelWarn.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "warn", string(text))
	assert.Equal(t, "WARN", LevelWarn.String())
}

func TestDefaultAndSlog(t *testing.T) {
	d := Default()
	require.NotNil(t, d)
	assert.Same(t, d, Default())

	l, buf := newJSONLogger(t)
	SetDefault(l)
	t.Cleanup(func() { SetDefault(d) })
	SetDefault(nil)
	assert.Same(t, l, Default())

	Slog(l).Info("from slog", slog.Int("n", 1))
	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.InDelta(t, 1.0, lines[0]["n"], 0)

	Discard().Error(context.Background(), "nothing")
	assert.NotNil(t, Slog(Discard()))
}

func TestErr_Nil(t *testing.T) {
	assert.Equal(t, slog.Attr{}, Err(nil))
}
