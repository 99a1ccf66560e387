//go:build unit

package log

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "error", LevelError.String())
	require.Equal(t, "warn", LevelWarn.String())
	require.Equal(t, "info", LevelInfo.String())
	require.Equal(t, "debug", LevelDebug.String())
	require.Equal(t, "unknown", Level(42).String())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	require.Equal(t, LevelDebug, level)

	level, err = ParseLevel("warning")
	require.NoError(t, err)
	require.Equal(t, LevelWarn, level)

	_, err = ParseLevel("verbose")
	require.Error(t, err)
}

func TestFieldConstructors(t *testing.T) {
	t.Parallel()

	require.Equal(t, Field{Key: "k", Value: "v"}, String("k", "v"))
	require.Equal(t, Field{Key: "n", Value: 7}, Int("n", 7))
	require.Equal(t, Field{Key: "ok", Value: true}, Bool("ok", true))
	require.Equal(t, Field{Key: "took", Value: time.Second}, Duration("took", time.Second))

	err := errors.New("boom")
	require.Equal(t, Field{Key: "error", Value: err}, Err(err))
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNop()
	require.False(t, logger.Enabled(LevelError))
	require.NoError(t, logger.Sync(context.Background()))
	require.Same(t, logger, logger.With(String("k", "v")))
	require.Same(t, logger, logger.WithGroup("group"))
}
