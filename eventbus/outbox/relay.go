package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopfabric/lib-eventbus/eventbus"
	"github.com/shopfabric/lib-eventbus/eventbus/backoff"
	"github.com/shopfabric/lib-eventbus/eventbus/events"
	"github.com/shopfabric/lib-eventbus/eventbus/log"
	"github.com/shopfabric/lib-eventbus/eventbus/runtime"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Relay is the background sweep that republishes outbox rows the inline
// path never finished: fresh NOT_PUBLISHED rows, PUBLISH_FAILED rows, and
// IN_PROGRESS rows abandoned by a crashed publisher.
//
// Delivery semantics are at-least-once: publish happens before
// MarkPublished, so consumers must remain idempotent.
type Relay struct {
	repo            Repository
	publisher       Publisher
	retryClassifier RetryClassifier
	logger          log.Logger
	tracer          trace.Tracer
	cfg             RelayConfig

	breaker         *gobreaker.CircuitBreaker
	breakerSettings *gobreaker.Settings

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	sweepWg    sync.WaitGroup

	metrics relayMetrics
}

var _ eventbus.App = (*Relay)(nil)

// SweepResult captures one sweep cycle outcome.
type SweepResult struct {
	Claimed           int
	Published         int
	Failed            int
	StateUpdateFailed int
	Exhausted         int64
}

// NewRelay creates the outbox sweep relay.
func NewRelay(
	repo Repository,
	publisher Publisher,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...RelayOption,
) (*Relay, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("eventbus.noop")
	}

	relay := &Relay{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		tracer:    tracer,
		cfg:       DefaultRelayConfig(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(relay)
		}
	}

	relay.cfg.normalize()

	settings := defaultBreakerSettings()
	if relay.breakerSettings != nil {
		settings = *relay.breakerSettings
	}

	relay.breaker = gobreaker.NewCircuitBreaker(settings)

	metrics, err := newRelayMetrics(relay.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox relay metrics: %w", err)
	}

	relay.metrics = metrics

	return relay, nil
}

// Run starts the relay loop until Stop is called.
func (relay *Relay) Run(launcher *eventbus.Launcher) error {
	return relay.RunContext(context.Background(), launcher)
}

// RunContext starts the relay loop until Stop is called or ctx is cancelled.
func (relay *Relay) RunContext(parentCtx context.Context, launcher *eventbus.Launcher) error {
	if relay == nil {
		return ErrRelayRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !relay.registerRun(cancel) {
		cancel()

		return ErrRelayRunning
	}

	defer relay.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox relay started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox relay stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, relay.logger, "outbox", "relay_run")

	ticker := time.NewTicker(relay.cfg.SweepInterval)
	defer ticker.Stop()

	relay.runSweep(ctx, "outbox.relay.initial_sweep")

	for {
		select {
		case <-relay.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-relay.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			relay.runSweep(ctx, "outbox.relay.sweep")
		}
	}
}

func (relay *Relay) runSweep(ctx context.Context, spanName string) {
	relay.sweepWg.Add(1)
	defer relay.sweepWg.Done()

	sweepCtx, span := relay.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLogWithContext(sweepCtx, relay.logger, "outbox", "relay_sweep")

	result := relay.SweepOnce(sweepCtx)
	span.SetAttributes(
		attribute.Int("outbox.sweep.claimed", result.Claimed),
		attribute.Int("outbox.sweep.published", result.Published),
		attribute.Int("outbox.sweep.failed", result.Failed),
		attribute.Int("outbox.sweep.state_update_failed", result.StateUpdateFailed),
	)
}

// Stop signals the relay loop to stop.
func (relay *Relay) Stop() {
	if relay == nil {
		return
	}

	relay.stopOnce.Do(func() {
		relay.runStateMu.Lock()
		cancel := relay.cancelFunc
		stop := relay.stop
		if stop == nil {
			stop = make(chan struct{})
			relay.stop = stop
		}
		relay.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown waits for in-flight sweep cycle completion.
func (relay *Relay) Shutdown(ctx context.Context) error {
	if relay == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	relay.Stop()

	done := make(chan struct{})

	runtime.SafeGo(relay.logger, "outbox.relay_shutdown_wait", runtime.KeepRunning, func() {
		relay.sweepWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// SweepOnce claims one batch of publishable rows and drives each through
// publish and state persistence. Exposed for tests and manual draining.
func (relay *Relay) SweepOnce(ctx context.Context) SweepResult {
	if relay == nil || relay.repo == nil {
		return SweepResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := eventbus.NewLoggerFromContext(ctx)
	if _, isNop := logger.(*log.NopLogger); isNop {
		logger = relay.logger
	}

	start := time.Now().UTC()

	ctx, span := relay.tracer.Start(ctx, "outbox.sweep")
	defer span.End()

	staleBefore := start.Add(-relay.cfg.InProgressTimeout)

	claimed, err := relay.repo.ListStale(ctx, relay.cfg.BatchSize, staleBefore, relay.cfg.MaxTimesSent)
	if err != nil {
		span.RecordError(err)
		logger.Log(ctx, log.LevelError, "failed to claim outbox events",
			log.String("error", sanitizeErrorForStorage(err)))

		return SweepResult{}
	}

	result := SweepResult{Claimed: len(claimed)}
	relay.recordBatchDepth(ctx, int64(len(claimed)))

	for _, event := range claimed {
		if ctx.Err() != nil {
			break
		}

		if event == nil {
			continue
		}

		if err := relay.publishEventWithRetry(ctx, event); err != nil {
			relay.handlePublishError(ctx, logger, event, err)

			result.Failed++

			continue
		}

		result.Published++

		if err := relay.repo.MarkPublished(ctx, event.ID, time.Now().UTC()); err != nil {
			logger.Log(ctx, log.LevelError,
				"outbox event published to broker but failed to persist PUBLISHED state; event may be retried",
				log.String("event_id", event.ID.String()),
				log.String("error", sanitizeErrorForStorage(err)))
			relay.addStateUpdateFailure(ctx, 1)

			result.StateUpdateFailed++
		}
	}

	exhausted, err := relay.repo.MarkExhausted(ctx, relay.cfg.MaxTimesSent)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to stamp exhausted outbox events",
			log.String("error", sanitizeErrorForStorage(err)))
	} else if exhausted > 0 {
		result.Exhausted = exhausted

		logger.Log(ctx, log.LevelWarn, "outbox events exhausted publish attempts",
			log.Any("count", exhausted))
	}

	relay.addPublishedEvents(ctx, int64(result.Published))
	relay.addFailedEvents(ctx, int64(result.Failed))
	relay.recordSweepLatency(ctx, time.Since(start).Seconds())

	return result
}

func (relay *Relay) publishEventWithRetry(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrEventRequired
	}

	if len(event.Payload) == 0 {
		return ErrPayloadRequired
	}

	body, err := events.Encode(event.Envelope())
	if err != nil {
		return fmt.Errorf("encode outbox event %s: %w", event.ID, err)
	}

	maxAttempts := relay.cfg.PublishMaxAttempts

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := relay.breaker.Execute(func() (any, error) {
			return nil, relay.publisher.Publish(ctx, event.EventType, body)
		})
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("publish attempt %d/%d failed: %w", attempt+1, maxAttempts, err)
		if relay.isNonRetryableError(err) || err == gobreaker.ErrOpenState || attempt == maxAttempts-1 {
			break
		}

		delay := backoff.ExponentialWithJitter(relay.cfg.PublishBackoff, attempt)
		if waitErr := backoff.SleepWithContext(ctx, delay); waitErr != nil {
			lastErr = fmt.Errorf("publish retry wait interrupted: %w", waitErr)
			break
		}
	}

	return lastErr
}

func (relay *Relay) handlePublishError(ctx context.Context, logger log.Logger, event *Event, err error) {
	if markErr := relay.repo.MarkFailed(ctx, event.ID, sanitizeErrorForStorage(err)); markErr != nil {
		logger.Log(ctx, log.LevelError, "failed to mark outbox event failed",
			log.String("event_id", event.ID.String()),
			log.String("error", sanitizeErrorForStorage(markErr)))
	}
}

func (relay *Relay) isNonRetryableError(err error) bool {
	if err == nil || relay.retryClassifier == nil {
		return false
	}

	return relay.retryClassifier.IsNonRetryable(err)
}

func (relay *Relay) registerRun(cancel context.CancelFunc) bool {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	if relay.running {
		return false
	}

	if relay.stop == nil || isClosedSignal(relay.stop) {
		relay.stop = make(chan struct{})
		relay.stopOnce = sync.Once{}
	}

	relay.running = true
	relay.cancelFunc = cancel

	return true
}

func (relay *Relay) clearRun() {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	relay.running = false
	relay.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func (relay *Relay) recordBatchDepth(ctx context.Context, depth int64) {
	if relay.metrics.batchDepth == nil {
		return
	}

	relay.metrics.batchDepth.Record(ctx, depth)
}

func (relay *Relay) addPublishedEvents(ctx context.Context, count int64) {
	if relay.metrics.eventsPublished == nil || count <= 0 {
		return
	}

	relay.metrics.eventsPublished.Add(ctx, count)
}

func (relay *Relay) addFailedEvents(ctx context.Context, count int64) {
	if relay.metrics.eventsFailed == nil || count <= 0 {
		return
	}

	relay.metrics.eventsFailed.Add(ctx, count)
}

func (relay *Relay) addStateUpdateFailure(ctx context.Context, count int64) {
	if relay.metrics.eventsStateFailed == nil || count <= 0 {
		return
	}

	relay.metrics.eventsStateFailed.Add(ctx, count)
}

func (relay *Relay) recordSweepLatency(ctx context.Context, seconds float64) {
	if relay.metrics.sweepLatency == nil {
		return
	}

	relay.metrics.sweepLatency.Record(ctx, seconds)
}
