//go:build unit

package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/shopfabric/lib-eventbus/eventbus/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWithLogger(t *testing.T) {
	t.Parallel()

	logger := log.NewNop()
	ctx := ContextWithLogger(context.Background(), logger)

	assert.Same(t, logger, NewLoggerFromContext(ctx))
}

func TestNewLoggerFromContextFallsBack(t *testing.T) {
	t.Parallel()

	logger := NewLoggerFromContext(context.Background())
	require.NotNil(t, logger)
	assert.IsType(t, &log.NopLogger{}, logger)
}

func TestNewTrackingFromContextDefaults(t *testing.T) {
	t.Parallel()

	logger, tracer, correlationID := NewTrackingFromContext(context.Background())

	require.NotNil(t, logger)
	require.NotNil(t, tracer)
	assert.NotEmpty(t, correlationID)
}

func TestNewTrackingFromContextCarriesValues(t *testing.T) {
	t.Parallel()

	ctx := ContextWithLogger(context.Background(), log.NewNop())
	ctx = ContextWithCorrelationID(ctx, "order-42")

	logger, tracer, correlationID := NewTrackingFromContext(ctx)

	require.NotNil(t, logger)
	require.NotNil(t, tracer)
	assert.Equal(t, "order-42", correlationID)
}

func TestWithTimeoutSafe(t *testing.T) {
	t.Parallel()

	t.Run("nil parent rejected", func(t *testing.T) {
		t.Parallel()

		//nolint:staticcheck
		_, _, err := WithTimeoutSafe(nil, time.Second)
		require.ErrorIs(t, err, ErrNilParentContext)
	})

	t.Run("applies timeout", func(t *testing.T) {
		t.Parallel()

		ctx, cancel, err := WithTimeoutSafe(context.Background(), time.Minute)
		require.NoError(t, err)

		defer cancel()

		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
	})

	t.Run("keeps shorter parent deadline", func(t *testing.T) {
		t.Parallel()

		parent, parentCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer parentCancel()

		ctx, cancel, err := WithTimeoutSafe(parent, time.Minute)
		require.NoError(t, err)

		defer cancel()

		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(10*time.Millisecond), deadline, 5*time.Second)
	})
}
