package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopfabric/lib-eventbus/eventbus/events"
)

// DefaultMaxPayloadBytes is the maximum accepted payload size (1 MiB).
const DefaultMaxPayloadBytes = 1 << 20

// Event is an integration event stored in the outbox for reliable delivery.
//
// A row exists if and only if the domain mutation it describes committed:
// CreateWithTx runs inside the caller's transaction. TransactionID groups
// every event saved by one SaveEventAndDomainChange call for audit.
type Event struct {
	ID            uuid.UUID
	EventType     string
	AggregateID   uuid.UUID
	Payload       []byte
	Status        Status
	TimesSent     int
	TransactionID uuid.UUID
	PublishedAt   *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewEvent creates a valid outbox event initialized as not published.
func NewEvent(eventType string, aggregateID uuid.UUID, payload []byte) (*Event, error) {
	return NewEventWithID(uuid.New(), eventType, aggregateID, payload)
}

// NewEventWithID creates a valid outbox event using a caller-provided ID.
// The envelope ID doubles as the outbox row ID so producers and consumers
// agree on event identity.
func NewEventWithID(eventID uuid.UUID, eventType string, aggregateID uuid.UUID, payload []byte) (*Event, error) {
	if eventID == uuid.Nil {
		return nil, fmt.Errorf("outbox event id: %w", ErrEventRequired)
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, fmt.Errorf("outbox event type is required: %w", ErrEventRequired)
	}

	if aggregateID == uuid.Nil {
		return nil, fmt.Errorf("outbox event aggregate id is required: %w", ErrEventRequired)
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Event{
		ID:          eventID,
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     payload,
		Status:      StatusNotPublished,
		TimesSent:   0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// NewEventFromEnvelope stores an envelope's payload under the envelope's
// identity so the relay can reconstruct the exact wire message later.
func NewEventFromEnvelope(env *events.Envelope, aggregateID uuid.UUID) (*Event, error) {
	if env == nil {
		return nil, ErrEventRequired
	}

	return NewEventWithID(env.ID, env.EventType, aggregateID, env.Payload)
}

// Envelope reconstructs the wire envelope for this outbox row.
func (e *Event) Envelope() *events.Envelope {
	return &events.Envelope{
		ID:         e.ID,
		EventType:  e.EventType,
		OccurredOn: e.CreatedAt,
		Payload:    e.Payload,
	}
}
