package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Production_JSONHandler(t *testing.T) {
	logger := NewLogger("production")
	require.NotNil(t, logger)

	_, ok := logger.Handler().(*slog.JSONHandler)
	assert.True(t, ok, "production logger should use JSONHandler, got %T", logger.Handler())
}

func TestNewLogger_Development_TextHandler(t *testing.T) {
	logger := NewLogger("development")
	require.NotNil(t, logger)

	_, ok := logger.Handler().(*slog.TextHandler)
	assert.True(t, ok, "development logger should use TextHandler, got %T", logger.Handler())
}

func TestNewLogger_Production_InfoLevel(t *testing.T) {
	logger := NewLogger("production")
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(nil, slog.LevelDebug))
}

func TestNewLogger_Development_DebugLevel(t *testing.T) {
	logger := NewLogger("development")
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelDebug))
}
