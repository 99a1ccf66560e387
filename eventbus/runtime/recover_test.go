//go:build unit

package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopfabric/lib-eventbus/eventbus/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) Log(_ context.Context, _ log.Level, msg string, _ ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, msg)
}

func (l *recordingLogger) With(_ ...log.Field) log.Logger { return l }
func (l *recordingLogger) WithGroup(_ string) log.Logger  { return l }
func (l *recordingLogger) Enabled(_ log.Level) bool       { return true }
func (l *recordingLogger) Sync(_ context.Context) error   { return nil }

func (l *recordingLogger) panicLogged() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, msg := range l.entries {
		if msg == "panic recovered" {
			return true
		}
	}

	return false
}

func TestRecoverAndLog(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}

	require.NotPanics(t, func() {
		func() {
			defer RecoverAndLog(logger, "worker")

			panic("boom")
		}()
	})

	assert.True(t, logger.panicLogged())
}

func TestRecoverAndLogNilLogger(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() {
		func() {
			defer RecoverAndLog(nil, "worker")

			panic("boom")
		}()
	})
}

func TestRecoverAndLogNoPanic(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}

	func() {
		defer RecoverAndLog(logger, "worker")
	}()

	assert.False(t, logger.panicLogged())
}

func TestRecoverAndCrashPreservesPanicValue(t *testing.T) {
	t.Parallel()

	original := errors.New("original error")
	logger := &recordingLogger{}

	defer func() {
		r := recover()
		require.NotNil(t, r)
		assert.Equal(t, original, r)
		assert.True(t, logger.panicLogged())
	}()

	func() {
		defer RecoverAndCrash(logger, "worker")

		panic(original)
	}()

	t.Fatal("should not reach here")
}

func TestRecoverWithPolicy(t *testing.T) {
	t.Parallel()

	t.Run("KeepRunning swallows panic", func(t *testing.T) {
		t.Parallel()

		require.NotPanics(t, func() {
			func() {
				defer RecoverWithPolicy(nil, "worker", KeepRunning)

				panic("boom")
			}()
		})
	})

	t.Run("CrashProcess re-panics", func(t *testing.T) {
		t.Parallel()

		defer func() {
			require.NotNil(t, recover())
		}()

		func() {
			defer RecoverWithPolicy(nil, "worker", CrashProcess)

			panic("boom")
		}()

		t.Fatal("should not reach here")
	})
}

func TestSafeGoRecovers(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}
	done := make(chan struct{})

	SafeGo(logger, "worker", KeepRunning, func() {
		defer close(done)

		panic("boom")
	})

	<-done
}

func TestSafeGoWithContextAndComponent(t *testing.T) {
	t.Parallel()

	type ctxKey string

	ctx := context.WithValue(context.Background(), ctxKey("k"), "v")
	got := make(chan context.Context, 1)

	SafeGoWithContextAndComponent(ctx, nil, "component", "worker", KeepRunning,
		func(ctx context.Context) {
			got <- ctx
		})

	received := <-got
	assert.Equal(t, "v", received.Value(ctxKey("k")))
}

func TestFormatPanicValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "<nil>", formatPanicValue(nil))
	assert.Equal(t, "text", formatPanicValue("text"))
	assert.Equal(t, "wrapped", formatPanicValue(errors.New("wrapped")))
	assert.Equal(t, "42", formatPanicValue(42))
}
