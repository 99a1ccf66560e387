package events

import "fmt"

// PoisonError marks a message that can never be processed: malformed
// envelope, missing identity, or a payload that does not decode into its
// registered type. Dispatch dead-letters poison messages immediately
// instead of retrying them.
type PoisonError struct {
	EventType string
	Reason    string
	Cause     error
}

// NewPoisonError creates a poison classification with an optional cause.
func NewPoisonError(eventType, reason string, cause error) *PoisonError {
	return &PoisonError{EventType: eventType, Reason: reason, Cause: cause}
}

// Error returns the formatted poison description.
func (e *PoisonError) Error() string {
	if e.EventType == "" {
		return fmt.Sprintf("poison message: %s", e.Reason)
	}

	return fmt.Sprintf("poison message (%s): %s", e.EventType, e.Reason)
}

// Unwrap returns the underlying cause, if any.
func (e *PoisonError) Unwrap() error {
	return e.Cause
}
