package outbox

import "errors"

var (
	ErrEventRequired        = errors.New("outbox event is required")
	ErrRepositoryRequired   = errors.New("outbox repository is required")
	ErrPublisherRequired    = errors.New("event publisher is required")
	ErrTxBeginnerRequired   = errors.New("transaction beginner is required")
	ErrRelayRequired        = errors.New("outbox relay is required")
	ErrRelayRunning         = errors.New("outbox relay is already running")
	ErrPayloadRequired      = errors.New("outbox event payload is required")
	ErrPayloadTooLarge      = errors.New("outbox event payload exceeds maximum allowed size")
	ErrPayloadNotJSON       = errors.New("outbox event payload must be valid JSON (stored as JSONB)")
	ErrStatusInvalid        = errors.New("invalid outbox status")
	ErrTransitionInvalid    = errors.New("invalid outbox status transition")
	ErrTransactionRequired  = errors.New("outbox write requires the caller's transaction")
	ErrStateConflict        = errors.New("outbox state transition conflict")
	ErrTransactionalWrite   = errors.New("transactional write failed")
	ErrMutationRequired     = errors.New("domain mutation is required")
	ErrNoEventsToSave       = errors.New("at least one event is required")
)

// ExhaustedPublishError is the terminal last_error recorded for events that
// consumed every publish attempt.
const ExhaustedPublishError = "max publish attempts exceeded"
