package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedSlog(level slog.Level) (*SlogLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: level})

	return NewSlog(slog.New(handler)), buf
}

func TestNewSlogDefault(t *testing.T) {
	logger := NewSlogDefault()

	require.NotNil(t, logger)
	require.NotNil(t, logger.logger)
}

func TestSlogLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *SlogLogger)
		want  []string
		level slog.Level
	}{
		{
			name:  "debug",
			log:   func(l *SlogLogger) { l.Debug("debug message", "middlebox", "mb-1") },
			want:  []string{"debug message", "middlebox=mb-1", "level=DEBUG"},
			level: slog.LevelDebug,
		},
		{
			name:  "info",
			log:   func(l *SlogLogger) { l.Info("instance added", "instance", "dpi-1") },
			want:  []string{"instance added", "instance=dpi-1", "level=INFO"},
			level: slog.LevelInfo,
		},
		{
			name:  "warn",
			log:   func(l *SlogLogger) { l.Warn("stale rule", "rid", 7) },
			want:  []string{"stale rule", "rid=7", "level=WARN"},
			level: slog.LevelWarn,
		},
		{
			name:  "error",
			log:   func(l *SlogLogger) { l.Error("facade failed", "error", "timeout") },
			want:  []string{"facade failed", "error=timeout", "level=ERROR"},
			level: slog.LevelError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newBufferedSlog(tt.level)
			tt.log(logger)

			output := buf.String()
			for _, w := range tt.want {
				assert.Contains(t, output, w)
			}
		})
	}
}

func TestSlogLogger_LevelFiltering(t *testing.T) {
	logger, buf := newBufferedSlog(slog.LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")

	output := buf.String()
	assert.NotContains(t, output, "debug message")
	assert.NotContains(t, output, "info message")
	assert.Contains(t, output, "warn message")
}
