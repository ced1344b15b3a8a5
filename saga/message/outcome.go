package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outcome is the terminal result a participant reports for one command.
type Outcome string

const (
	// OutcomeCompleted reports a successfully committed forward step.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed reports a business rejection. Rejections are normal saga
	// outcomes, not faults; they trigger compensation at the orchestrator.
	OutcomeFailed Outcome = "failed"
	// OutcomeCompensated reports a successfully committed compensation.
	OutcomeCompensated Outcome = "compensated"
)

// IsValid reports whether the outcome is a known wire value.
func (outcome Outcome) IsValid() bool {
	switch outcome {
	case OutcomeCompleted, OutcomeFailed, OutcomeCompensated:
		return true
	default:
		return false
	}
}

// StepOutcome is the payload of every event envelope a participant emits.
type StepOutcome struct {
	Outcome   Outcome           `json:"outcome"`
	ErrorCode string            `json:"error_code,omitempty"`
	Result    map[string]string `json:"result,omitempty"`
}

// Validate checks outcome payload invariants.
func (so StepOutcome) Validate() error {
	if !so.Outcome.IsValid() {
		return fmt.Errorf("%w: %q", ErrOutcomeInvalid, so.Outcome)
	}

	if so.Outcome == OutcomeFailed && strings.TrimSpace(so.ErrorCode) == "" {
		return ErrErrorCodeRequired
	}

	return nil
}

// EncodeOutcome serializes a step outcome for use as an event payload.
func EncodeOutcome(so StepOutcome) (json.RawMessage, error) {
	if err := so.Validate(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(so)
	if err != nil {
		return nil, fmt.Errorf("encoding step outcome: %w", err)
	}

	return raw, nil
}

// DecodeOutcome parses and validates a step outcome from an event payload.
func DecodeOutcome(raw json.RawMessage) (StepOutcome, error) {
	var so StepOutcome

	if err := json.Unmarshal(raw, &so); err != nil {
		return StepOutcome{}, fmt.Errorf("%w: %w", ErrOutcomeMalformed, err)
	}

	if err := so.Validate(); err != nil {
		return StepOutcome{}, err
	}

	return so, nil
}
