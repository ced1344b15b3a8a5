package outbox

import "fmt"

// Status represents a valid outbox event lifecycle state.
type Status string

const (
	StatusPending    Status = StatusPendingRaw
	StatusProcessing Status = StatusProcessingRaw
	StatusPublished  Status = StatusPublishedRaw
	StatusFailed     Status = StatusFailedRaw
	StatusInvalid    Status = StatusInvalidRaw
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
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed, StatusInvalid:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is allowed.
// PUBLISHED and INVALID are terminal.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending, StatusFailed:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next == StatusPublished || next == StatusFailed || next == StatusInvalid
	case StatusPublished, StatusInvalid:
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
		return fmt.Errorf("%w: %s -> %s", ErrStatusTransitionDenied, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
