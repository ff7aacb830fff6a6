package slogging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  LogLevel
	}{
		{"debug", LogLevelDebug},
		{"DEBUG", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"", LogLevelInfo},
		{"nonsense", LogLevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLogLevel(tt.input), "input %q", tt.input)
	}
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LogLevelDebug.String())
	assert.Equal(t, "INFO", LogLevelInfo.String())
	assert.Equal(t, "WARN", LogLevelWarn.String())
	assert.Equal(t, "ERROR", LogLevelError.String())
}

func TestNewLoggerWritesToFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(Config{
		Level:            LogLevelDebug,
		IsDev:            true,
		LogDir:           dir,
		AlsoLogToConsole: false,
	})
	require.NoError(t, err)
	defer func() {
		_ = logger.Close()
	}()

	logger.Info("hello from %s", "test")
	logger.Debug("debug line")

	data, err := os.ReadFile(filepath.Join(dir, "quotewire.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
	assert.Contains(t, string(data), "debug line")
}

func TestLoggerLevelFiltering(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(Config{
		Level:            LogLevelWarn,
		IsDev:            true,
		LogDir:           dir,
		AlsoLogToConsole: false,
	})
	require.NoError(t, err)
	defer func() {
		_ = logger.Close()
	}()

	logger.Debug("filtered debug")
	logger.Info("filtered info")
	logger.Warn("kept warning")

	data, err := os.ReadFile(filepath.Join(dir, "quotewire.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "filtered debug")
	assert.NotContains(t, string(data), "filtered info")
	assert.Contains(t, string(data), "kept warning")
}

func TestGetFallsBackToConsole(t *testing.T) {
	logger := Get()
	require.NotNil(t, logger)
	require.NotNil(t, logger.GetSlogger())
}
