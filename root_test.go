package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvarrel/stagedir/internal/config"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests set
// flags through the returned command's flag set, never before construction.

// isolateEnv points the config path at a missing file and neutralizes the
// override variables so host configuration cannot leak into a test.
func isolateEnv(t *testing.T) {
	t.Helper()

	t.Setenv(config.EnvConfig, filepath.Join(t.TempDir(), "absent.toml"))
	t.Setenv(config.EnvStoreDir, "")
	t.Setenv(config.EnvMaxSize, "")
	t.Setenv(config.EnvLogLevel, "")
}

func saveSettings(t *testing.T) {
	t.Helper()

	old := settings
	t.Cleanup(func() { settings = old })
}

func TestBuildLogger_Levels(t *testing.T) {
	saveSettings(t)

	tests := []struct {
		level   string
		enabled slog.Level
		muted   slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 4},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			settings = &config.Settings{LogLevel: tt.level, LogFormat: "text"}

			logger := buildLogger()

			assert.True(t, logger.Handler().Enabled(context.Background(), tt.enabled))
			assert.False(t, logger.Handler().Enabled(context.Background(), tt.muted))
		})
	}
}

func TestBuildLogger_NilSettingsDefaultsToInfo(t *testing.T) {
	saveSettings(t)
	settings = nil

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	isolateEnv(t)
	saveSettings(t)

	dir := t.TempDir()

	// ParseFlags merges persistent flags the same way Execute does, so
	// Changed() gating behaves as it would in a real invocation.
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--dir", dir, "--max-size", "2MiB", "--verbose"}))

	require.NoError(t, loadConfig(cmd))

	assert.Equal(t, dir, settings.StoreDir)
	assert.Equal(t, int64(2*1024*1024), settings.MaxSize)
	assert.Equal(t, "debug", settings.LogLevel)
}

func TestLoadConfig_QuietMapsToError(t *testing.T) {
	isolateEnv(t)
	saveSettings(t)

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--quiet"}))

	require.NoError(t, loadConfig(cmd))

	assert.Equal(t, "error", settings.LogLevel)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	isolateEnv(t)
	saveSettings(t)

	t.Setenv(config.EnvMaxSize, "1KiB")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags(nil))

	require.NoError(t, loadConfig(cmd))

	assert.Equal(t, int64(1024), settings.MaxSize)
}

func TestLoadConfig_InvalidOverrideFails(t *testing.T) {
	isolateEnv(t)
	saveSettings(t)

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--max-size", "lots"}))

	err := loadConfig(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_size")
}

func TestOpenStore(t *testing.T) {
	saveSettings(t)

	dir := filepath.Join(t.TempDir(), "store")
	settings = &config.Settings{StoreDir: dir, MaxSize: 0}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := openStore(logger)
	require.NoError(t, err)

	assert.Equal(t, dir, store.Dir())
	assert.Zero(t, store.Size())
}
