package saga

import "fmt"

// Status represents a saga instance lifecycle state.
type Status string

const (
	// StatusStarted is the initial state, before the first command is issued.
	StatusStarted Status = "STARTED"
	// StatusInProgress means a forward step command is outstanding.
	StatusInProgress Status = "IN_PROGRESS"
	// StatusCompensating means a step failed and completed steps are being
	// undone in reverse order.
	StatusCompensating Status = "COMPENSATING"
	// StatusCompleted is the terminal state of a fully successful saga.
	StatusCompleted Status = "COMPLETED"
	// StatusCompensated is the terminal state of a saga that failed at a step
	// and had every completed step undone. This is an expected business
	// outcome, not a fault.
	StatusCompensated Status = "COMPENSATED"
	// StatusFailed is the terminal state reserved for orchestrator-level
	// faults (persistence failure, dead-lettered compensation). Instances in
	// this state require operator intervention.
	StatusFailed Status = "FAILED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the saga lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusStarted, StatusInProgress, StatusCompensating,
		StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status accepts no further transitions.
func (status Status) IsTerminal() bool {
	switch status {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusStarted:
		return next == StatusInProgress || next == StatusFailed
	case StatusInProgress:
		return next == StatusCompleted || next == StatusCompensating || next == StatusFailed
	case StatusCompensating:
		return next == StatusCompensated || next == StatusFailed
	case StatusCompleted, StatusCompensated, StatusFailed:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using the lifecycle rules.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() {
		return fmt.Errorf("from status: %w: %q", ErrStatusInvalid, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("to status: %w: %q", ErrStatusInvalid, to)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
