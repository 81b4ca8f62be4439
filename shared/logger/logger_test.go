package logger

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{level: "debug", want: slog.LevelDebug},
		{level: "info", want: slog.LevelInfo},
		{level: "warn", want: slog.LevelWarn},
		{level: "warning", want: slog.LevelWarn},
		{level: "error", want: slog.LevelError},
		{level: "", want: slog.LevelInfo},
		{level: "bogus", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.level))
		})
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{
			name:   "json format",
			config: &Config{Level: "debug", Format: "json"},
		},
		{
			name:   "console format",
			config: &Config{Level: "info", Format: "console"},
		},
		{
			name:   "unknown format falls back to json",
			config: &Config{Level: "info", Format: "logfmt"},
		},
		{
			name:   "stderr output",
			config: &Config{Level: "warn", Format: "json", Output: "stderr"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.config)
			require.NotNil(t, logger)
		})
	}
}

func TestNewDefault(t *testing.T) {
	require.NotNil(t, NewDefault())
}

func TestForService(t *testing.T) {
	base := NewDefault()
	tagged := ForService(base, "api")
	require.NotNil(t, tagged)
	assert.NotSame(t, base, tagged)
}
