package message

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind discriminates commands issued by the orchestrator from events emitted
// by participants.
type Kind string

const (
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
)

// IsValid reports whether the kind is one of the two wire values.
func (kind Kind) IsValid() bool {
	return kind == KindCommand || kind == KindEvent
}

// Envelope is the wire format exchanged between the orchestrator and
// participant services. Every message in a saga carries the same saga id so
// transports can preserve per-saga ordering by using it as the group key.
type Envelope struct {
	MessageID string          `json:"message_id"`
	SagaID    string          `json:"saga_id"`
	StepName  string          `json:"step_name"`
	Kind      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
}

// NewCommand builds a command envelope with a fresh message id.
func NewCommand(sagaID, stepName string, payload json.RawMessage) (Envelope, error) {
	return newEnvelope(KindCommand, sagaID, stepName, payload)
}

// NewEvent builds an event envelope with a fresh message id.
func NewEvent(sagaID, stepName string, payload json.RawMessage) (Envelope, error) {
	return newEnvelope(KindEvent, sagaID, stepName, payload)
}

func newEnvelope(kind Kind, sagaID, stepName string, payload json.RawMessage) (Envelope, error) {
	env := Envelope{
		MessageID: uuid.NewString(),
		SagaID:    strings.TrimSpace(sagaID),
		StepName:  strings.TrimSpace(stepName),
		Kind:      kind,
		Payload:   payload,
		Attempt:   1,
	}

	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}

	return env, nil
}

// Validate checks the envelope invariants shared by both kinds.
func (env Envelope) Validate() error {
	if strings.TrimSpace(env.MessageID) == "" {
		return ErrMessageIDRequired
	}

	if strings.TrimSpace(env.SagaID) == "" {
		return ErrSagaIDRequired
	}

	if !env.Kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrKindInvalid, env.Kind)
	}

	if env.Attempt < 1 {
		return ErrAttemptInvalid
	}

	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		return ErrPayloadNotJSON
	}

	return nil
}

// NextAttempt returns a copy of the envelope with the attempt counter bumped,
// preserving the message id so consumers can deduplicate redeliveries.
func (env Envelope) NextAttempt() Envelope {
	env.Attempt++

	return env
}

// Encode serializes the envelope for transport or outbox storage.
func (env Envelope) Encode() ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	return raw, nil
}

// Decode parses and validates an envelope from its wire form.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope

	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrEnvelopeMalformed, err)
	}

	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}

	return env, nil
}
