package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToInfoLevel(t *testing.T) {
	logger, closer, err := New(Config{})
	require.NoError(t, err)
	defer closer.Close()
	require.NotNil(t, logger)
	require.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
	require.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestComponentLevelOverrideSuppressesDebug(t *testing.T) {
	var buf bytes.Buffer
	h := &levelOverrideHandler{
		inner:     slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		root:      slog.LevelInfo,
		overrides: map[string]slog.Level{"noisy": slog.LevelWarn},
	}
	logger := slog.New(h)

	quiet := logger.With("component", "noisy")
	quiet.Debug("should be suppressed")
	quiet.Info("should also be suppressed")
	require.Empty(t, buf.String())

	quiet.Warn("should appear")
	require.Contains(t, buf.String(), "should appear")
}

func TestDefaultComponentUsesRootLevel(t *testing.T) {
	var buf bytes.Buffer
	h := &levelOverrideHandler{
		inner: slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		root:  slog.LevelWarn,
	}
	logger := slog.New(h)

	logger.Info("suppressed by root level")
	require.Empty(t, buf.String())

	logger.Error("passes root level")
	require.Contains(t, buf.String(), "passes root level")
}

func TestFileBackedLoggerWritesToRotator(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := New(Config{Level: LevelInfo, File: dir + "/vaultfs.log"})
	require.NoError(t, err)
	logger.Info("hello")
	require.NoError(t, closer.Close())
}
