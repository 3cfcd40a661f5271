package logging

import (
	"log/slog"
	"os"
	"testing"
)

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     slog.Level
	}{
		{
			name:     "DEBUG level",
			envValue: "DEBUG",
			want:     slog.LevelDebug,
		},
		{
			name:     "debug level lowercase",
			envValue: "debug",
			want:     slog.LevelDebug,
		},
		{
			name:     "INFO level",
			envValue: "INFO",
			want:     slog.LevelInfo,
		},
		{
			name:     "WARN level",
			envValue: "WARN",
			want:     slog.LevelWarn,
		},
		{
			name:     "WARNING level",
			envValue: "WARNING",
			want:     slog.LevelWarn,
		},
		{
			name:     "ERROR level",
			envValue: "ERROR",
			want:     slog.LevelError,
		},
		{
			name:     "empty string defaults to INFO",
			envValue: "",
			want:     slog.LevelInfo,
		},
		{
			name:     "invalid value defaults to INFO",
			envValue: "INVALID",
			want:     slog.LevelInfo,
		},
		{
			name:     "value with whitespace",
			envValue: "  DEBUG  ",
			want:     slog.LevelDebug,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Save original value
			originalValue := os.Getenv("LOG_LEVEL")
			defer os.Setenv("LOG_LEVEL", originalValue)

			if tt.envValue != "" {
				os.Setenv("LOG_LEVEL", tt.envValue)
			} else {
				os.Unsetenv("LOG_LEVEL")
			}

			got := GetLogLevel()
			if got != tt.want {
				t.Errorf("GetLogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	logger := New("staging")
	if logger == nil {
		t.Fatal("New() returned nil")
	}
}
