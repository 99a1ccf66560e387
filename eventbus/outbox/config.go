package outbox

import (
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultSweepInterval      = 2 * time.Second
	defaultBatchSize          = 50
	defaultPublishMaxAttempts = 3
	defaultPublishBackoff     = 200 * time.Millisecond
	defaultInProgressTimeout  = 10 * time.Minute
	defaultMaxTimesSent       = 10
	defaultBreakerInterval    = 60 * time.Second
	defaultBreakerTimeout     = 30 * time.Second
	defaultBreakerFailures    = 5
)

// RelayConfig controls sweep polling, publish retry, and breaker behavior.
type RelayConfig struct {
	// SweepInterval is the periodic interval between sweep cycles.
	SweepInterval time.Duration
	// BatchSize is the max number of events claimed per cycle.
	BatchSize int
	// PublishMaxAttempts is the max broker publish attempts for one event
	// within one cycle.
	PublishMaxAttempts int
	// PublishBackoff is the base backoff between publish retries.
	PublishBackoff time.Duration
	// InProgressTimeout is the staleness threshold for reclaiming rows a
	// crashed publisher left IN_PROGRESS.
	InProgressTimeout time.Duration
	// MaxTimesSent is the total sends budget before a row is left
	// PUBLISH_FAILED terminally.
	MaxTimesSent int
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultRelayConfig returns the baseline relay configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		SweepInterval:      defaultSweepInterval,
		BatchSize:          defaultBatchSize,
		PublishMaxAttempts: defaultPublishMaxAttempts,
		PublishBackoff:     defaultPublishBackoff,
		InProgressTimeout:  defaultInProgressTimeout,
		MaxTimesSent:       defaultMaxTimesSent,
	}
}

func (cfg *RelayConfig) normalize() {
	defaults := DefaultRelayConfig()

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaults.PublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}

	if cfg.InProgressTimeout <= 0 {
		cfg.InProgressTimeout = defaults.InProgressTimeout
	}

	if cfg.MaxTimesSent <= 0 {
		cfg.MaxTimesSent = defaults.MaxTimesSent
	}
}

// RelayOption mutates relay configuration at construction.
type RelayOption func(*Relay)

// WithSweepInterval sets the sweep polling interval.
func WithSweepInterval(interval time.Duration) RelayOption {
	return func(relay *Relay) {
		if interval > 0 {
			relay.cfg.SweepInterval = interval
		}
	}
}

// WithBatchSize sets the maximum events claimed in one sweep cycle.
func WithBatchSize(size int) RelayOption {
	return func(relay *Relay) {
		if size > 0 {
			relay.cfg.BatchSize = size
		}
	}
}

// WithPublishMaxAttempts sets max publish attempts per event per cycle.
func WithPublishMaxAttempts(maxAttempts int) RelayOption {
	return func(relay *Relay) {
		if maxAttempts > 0 {
			relay.cfg.PublishMaxAttempts = maxAttempts
		}
	}
}

// WithPublishBackoff sets base backoff for publish retry attempts.
func WithPublishBackoff(backoff time.Duration) RelayOption {
	return func(relay *Relay) {
		if backoff > 0 {
			relay.cfg.PublishBackoff = backoff
		}
	}
}

// WithInProgressTimeout sets the staleness threshold for reclaiming rows.
func WithInProgressTimeout(timeout time.Duration) RelayOption {
	return func(relay *Relay) {
		if timeout > 0 {
			relay.cfg.InProgressTimeout = timeout
		}
	}
}

// WithMaxTimesSent sets the total sends budget before terminal failure.
func WithMaxTimesSent(maxTimesSent int) RelayOption {
	return func(relay *Relay) {
		if maxTimesSent > 0 {
			relay.cfg.MaxTimesSent = maxTimesSent
		}
	}
}

// WithRetryClassifier sets the non-retryable error classifier.
func WithRetryClassifier(classifier RetryClassifier) RelayOption {
	return func(relay *Relay) {
		relay.retryClassifier = classifier
	}
}

// WithMeterProvider injects a custom meter provider for relay metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) RelayOption {
	return func(relay *Relay) {
		relay.cfg.MeterProvider = provider
	}
}

// WithBreakerSettings overrides the publish circuit breaker settings.
func WithBreakerSettings(settings gobreaker.Settings) RelayOption {
	return func(relay *Relay) {
		relay.breakerSettings = &settings
	}
}

func defaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:     "outbox-relay-publish",
		Interval: defaultBreakerInterval,
		Timeout:  defaultBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultBreakerFailures
		},
	}
}
