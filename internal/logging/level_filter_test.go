package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFilter_DropsBelowMinimum(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(NewLevelFilter(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}), slog.LevelWarn))

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error message")
}

func TestLevelFilter_Enabled(t *testing.T) {
	ctx := context.Background()

	f := NewLevelFilter(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug}), slog.LevelWarn)
	assert.False(t, f.Enabled(ctx, slog.LevelInfo))
	assert.True(t, f.Enabled(ctx, slog.LevelWarn))

	// The wrapped handler still gets a vote.
	strict := NewLevelFilter(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}), slog.LevelWarn)
	assert.False(t, strict.Enabled(ctx, slog.LevelWarn))
	assert.True(t, strict.Enabled(ctx, slog.LevelError))
}

func TestLevelFilter_HandleBelowMinimumIsNoop(t *testing.T) {
	buf := &bytes.Buffer{}
	f := NewLevelFilter(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}), slog.LevelError)

	require.NoError(t, f.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelWarn, "skipped", 0)))
	assert.Empty(t, buf.String())

	require.NoError(t, f.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelError, "kept", 0)))
	assert.Contains(t, buf.String(), "kept")
}

func TestLevelFilter_LevelVar(t *testing.T) {
	buf := &bytes.Buffer{}
	var lv slog.LevelVar
	lv.Set(slog.LevelError)
	logger := slog.New(NewLevelFilter(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}), &lv))

	logger.Info("before")
	lv.Set(slog.LevelInfo)
	logger.Info("after")

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after")
}

func TestLevelFilter_WithAttrsAndGroup(t *testing.T) {
	buf := &bytes.Buffer{}
	f := NewLevelFilter(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}), slog.LevelWarn)

	logger := slog.New(f.WithAttrs([]slog.Attr{slog.String("component", "processor")}).WithGroup("event"))
	logger.Info("hidden", "id", "e1")
	logger.Warn("shown", "id", "e2")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "component=processor")
	assert.Contains(t, out, "event.id=e2")
}
