package logging_test

import (
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/logging"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultsToInfoOnUnknownLevel(t *testing.T) {
	logger, err := logging.New("development", "")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = logging.New("development", "verbose")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewMapsFatalAndTraceToNearestZapLevel(t *testing.T) {
	logger, err := logging.New("production", "trace")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = logging.New("production", "fatal")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.ErrorLevel))
	require.False(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = logging.New("production", "silent")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.ErrorLevel))
}
