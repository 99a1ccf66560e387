package outbox

import "fmt"

// Status represents a valid outbox event lifecycle state.
//
// Lifecycle:
//
//	NOT_PUBLISHED -> IN_PROGRESS -> PUBLISHED
//	                             -> PUBLISH_FAILED -> IN_PROGRESS (sweep retry)
//
// IN_PROGRESS -> IN_PROGRESS covers reclaiming a row whose publisher died
// mid-attempt. PUBLISHED is terminal; rows are never deleted.
type Status string

const (
	StatusNotPublished  Status = "NOT_PUBLISHED"
	StatusInProgress    Status = "IN_PROGRESS"
	StatusPublished     Status = "PUBLISHED"
	StatusPublishFailed Status = "PUBLISH_FAILED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusNotPublished, StatusInProgress, StatusPublished, StatusPublishFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusNotPublished:
		return next == StatusInProgress
	case StatusPublishFailed:
		return next == StatusInProgress
	case StatusInProgress:
		return next == StatusInProgress || next == StatusPublished || next == StatusPublishFailed
	case StatusPublished:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
