package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes is the maximum accepted payload size (1 MiB).
const DefaultMaxPayloadBytes = 1 << 20

var (
	// ErrEmptyEventType is returned when the event type is empty or whitespace.
	ErrEmptyEventType = errors.New("event type must not be empty")
	// ErrPayloadNotJSON is returned when a payload is not valid JSON.
	ErrPayloadNotJSON = errors.New("payload must be valid JSON")
	// ErrPayloadTooLarge is returned when a payload exceeds DefaultMaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// Envelope is the wire representation of an integration event.
//
// EventType is the fully-qualified logical name used for routing and payload
// decoding. Consumers must tolerate unknown payload fields; removing or
// retyping a field requires a new EventType.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	EventType  string          `json:"eventType"`
	OccurredOn time.Time       `json:"occurredOn"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope creates an envelope for the given event type and payload,
// assigning a fresh identity and UTC creation timestamp.
func NewEnvelope(eventType string, payload any) (*Envelope, error) {
	if strings.TrimSpace(eventType) == "" {
		return nil, ErrEmptyEventType
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %q: %w", eventType, err)
	}

	if len(raw) > DefaultMaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(raw))
	}

	return &Envelope{
		ID:         uuid.New(),
		EventType:  eventType,
		OccurredOn: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Encode serializes the envelope to its JSON wire form.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("envelope is nil")
	}

	if strings.TrimSpace(env.EventType) == "" {
		return nil, ErrEmptyEventType
	}

	if env.ID == uuid.Nil {
		return nil, errors.New("envelope id must not be nil")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}

	return data, nil
}

// Decode parses a wire message into an Envelope. Any structural defect
// (malformed JSON, missing identity or type, oversized or non-JSON payload)
// is reported as a *PoisonError: the message can never be processed and must
// not be redelivered.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, NewPoisonError("", "empty message body", nil)
	}

	if len(data) > DefaultMaxPayloadBytes {
		return nil, NewPoisonError("", "message exceeds maximum size", ErrPayloadTooLarge)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, NewPoisonError("", "malformed envelope", err)
	}

	if env.ID == uuid.Nil {
		return nil, NewPoisonError(env.EventType, "missing event id", nil)
	}

	if strings.TrimSpace(env.EventType) == "" {
		return nil, NewPoisonError("", "missing event type", ErrEmptyEventType)
	}

	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		return nil, NewPoisonError(env.EventType, "payload is not valid JSON", ErrPayloadNotJSON)
	}

	return &env, nil
}

// DecodePayload unmarshals the envelope payload into out. A payload that
// cannot be decoded into its registered type is poison.
func DecodePayload(env *Envelope, out any) error {
	if env == nil {
		return errors.New("envelope is nil")
	}

	if err := json.Unmarshal(env.Payload, out); err != nil {
		return NewPoisonError(env.EventType, "payload does not match registered type", err)
	}

	return nil
}
