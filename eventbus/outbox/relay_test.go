//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/embedded"
)

func staleEvent(t *testing.T, status Status, timesSent int) *Event {
	t.Helper()

	event := testEvent(t)
	event.Status = status
	event.TimesSent = timesSent

	return event
}

func TestNewRelayValidation(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	publisher := &fakePublisher{}

	_, err := NewRelay(nil, publisher, nil, nil)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewRelay(repo, nil, nil, nil)
	require.ErrorIs(t, err, ErrPublisherRequired)

	relay, err := NewRelay(repo, publisher, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, relay)
}

func TestSweepOncePublishesClaimedEvents(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	publisher := &fakePublisher{}

	// A row abandoned IN_PROGRESS by a crashed publisher is claimed and
	// republished; consumers see the event again and must be idempotent.
	abandoned := staleEvent(t, StatusInProgress, 1)
	fresh := staleEvent(t, StatusNotPublished, 0)
	repo.stale = []*Event{abandoned, fresh}

	relay, err := NewRelay(repo, publisher, nil, nil)
	require.NoError(t, err)

	result := relay.SweepOnce(context.Background())

	assert.Equal(t, 2, result.Claimed)
	assert.Equal(t, 2, result.Published)
	assert.Zero(t, result.Failed)
	assert.ElementsMatch(t, []uuid.UUID{abandoned.ID, fresh.ID}, repo.published)
	assert.True(t, repo.exhaustedCalled)
}

type fakeLatencyHistogram struct {
	embedded.Float64Histogram
	mu     sync.Mutex
	values []float64
}

func (h *fakeLatencyHistogram) Record(_ context.Context, value float64, _ ...metric.RecordOption) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.values = append(h.values, value)
}

func (h *fakeLatencyHistogram) recorded() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]float64(nil), h.values...)
}

func TestSweepOnceRecordsSweepLatency(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.stale = []*Event{staleEvent(t, StatusNotPublished, 0)}

	relay, err := NewRelay(repo, &fakePublisher{}, nil, nil)
	require.NoError(t, err)

	histogram := &fakeLatencyHistogram{}
	relay.metrics.sweepLatency = histogram

	relay.SweepOnce(context.Background())

	values := histogram.recorded()
	require.Len(t, values, 1)
	assert.GreaterOrEqual(t, values[0], 0.0)
}

func TestRecordSweepLatencyWithoutInstrument(t *testing.T) {
	t.Parallel()

	relay, err := NewRelay(newFakeRepo(), &fakePublisher{}, nil, nil)
	require.NoError(t, err)

	relay.metrics.sweepLatency = nil
	relay.recordSweepLatency(context.Background(), 0.01)
}

func TestSweepOnceMarksFailedAfterBoundedAttempts(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	publisher := &fakePublisher{failAll: errors.New("channel closed")}
	event := staleEvent(t, StatusPublishFailed, 3)
	repo.stale = []*Event{event}

	relay, err := NewRelay(repo, publisher, nil, nil,
		WithPublishMaxAttempts(2),
		WithPublishBackoff(time.Millisecond))
	require.NoError(t, err)

	result := relay.SweepOnce(context.Background())

	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, result.Published)
	assert.Equal(t, 2, publisher.callCount())
	require.Contains(t, repo.failed, event.ID)
	assert.Contains(t, repo.failed[event.ID], "channel closed")
}

func TestSweepOnceRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	publisher := &fakePublisher{errs: []error{errors.New("temporary")}}
	event := staleEvent(t, StatusNotPublished, 0)
	repo.stale = []*Event{event}

	relay, err := NewRelay(repo, publisher, nil, nil,
		WithPublishMaxAttempts(3),
		WithPublishBackoff(time.Millisecond))
	require.NoError(t, err)

	result := relay.SweepOnce(context.Background())

	assert.Equal(t, 1, result.Published)
	assert.Equal(t, 2, publisher.callCount())
	assert.Equal(t, []uuid.UUID{event.ID}, repo.published)
}

func TestSweepOnceClassifierShortCircuitsRetry(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	malformed := errors.New("exchange does not exist")
	publisher := &fakePublisher{failAll: malformed}
	repo.stale = []*Event{staleEvent(t, StatusNotPublished, 0)}

	relay, err := NewRelay(repo, publisher, nil, nil,
		WithPublishMaxAttempts(5),
		WithPublishBackoff(time.Millisecond),
		WithRetryClassifier(RetryClassifierFunc(func(err error) bool {
			return errors.Is(err, malformed)
		})))
	require.NoError(t, err)

	result := relay.SweepOnce(context.Background())

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, publisher.callCount())
}

func TestSweepOnceCountsStateUpdateFailures(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.markPublishedErr = errors.New("deadlock detected")
	repo.stale = []*Event{staleEvent(t, StatusNotPublished, 0)}

	relay, err := NewRelay(repo, &fakePublisher{}, nil, nil)
	require.NoError(t, err)

	result := relay.SweepOnce(context.Background())

	// Broker got the message; only the state write failed. The row stays
	// claimable and the event will be delivered at least once more.
	assert.Equal(t, 1, result.Published)
	assert.Equal(t, 1, result.StateUpdateFailed)
	assert.Empty(t, repo.failed)
}

func TestSweepOnceReportsExhaustedRows(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.exhausted = 3

	relay, err := NewRelay(repo, &fakePublisher{}, nil, nil)
	require.NoError(t, err)

	result := relay.SweepOnce(context.Background())
	assert.Equal(t, int64(3), result.Exhausted)
}

func TestSweepOnceSurvivesListStaleFailure(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.listStaleErr = errors.New("connection refused")

	relay, err := NewRelay(repo, &fakePublisher{}, nil, nil)
	require.NoError(t, err)

	result := relay.SweepOnce(context.Background())
	assert.Zero(t, result.Claimed)
}

func TestRelayRunStopShutdown(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.listStaleNotify = make(chan struct{})

	relay, err := NewRelay(repo, &fakePublisher{}, nil, nil,
		WithSweepInterval(5*time.Millisecond))
	require.NoError(t, err)

	runDone := make(chan error, 1)

	go func() {
		runDone <- relay.RunContext(context.Background(), nil)
	}()

	select {
	case <-repo.listStaleNotify:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never swept")
	}

	require.ErrorIs(t, relay.RunContext(context.Background(), nil), ErrRelayRunning)

	relay.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, relay.Shutdown(ctx))

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay run never returned")
	}
}

func TestRelayShutdownWithoutRun(t *testing.T) {
	t.Parallel()

	relay, err := NewRelay(newFakeRepo(), &fakePublisher{}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, relay.Shutdown(context.Background()))
}

func TestRelayConfigNormalize(t *testing.T) {
	t.Parallel()

	cfg := RelayConfig{}
	cfg.normalize()

	defaults := DefaultRelayConfig()
	assert.Equal(t, defaults.SweepInterval, cfg.SweepInterval)
	assert.Equal(t, defaults.BatchSize, cfg.BatchSize)
	assert.Equal(t, defaults.PublishMaxAttempts, cfg.PublishMaxAttempts)
	assert.Equal(t, defaults.PublishBackoff, cfg.PublishBackoff)
	assert.Equal(t, defaults.InProgressTimeout, cfg.InProgressTimeout)
	assert.Equal(t, defaults.MaxTimesSent, cfg.MaxTimesSent)
}
