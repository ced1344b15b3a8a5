package outbox

import "errors"

var (
	ErrEventRequired          = errors.New("outbox event is required")
	ErrEventIDRequired        = errors.New("outbox event id is required")
	ErrEventTypeRequired      = errors.New("outbox event type is required")
	ErrAggregateIDRequired    = errors.New("outbox aggregate id is required")
	ErrPayloadRequired        = errors.New("outbox event payload is required")
	ErrPayloadTooLarge        = errors.New("outbox event payload exceeds maximum allowed size")
	ErrPayloadNotJSON         = errors.New("outbox event payload must be valid JSON (stored as JSONB)")
	ErrEventNotFound          = errors.New("outbox event not found")
	ErrRepositoryRequired     = errors.New("outbox repository is required")
	ErrPublisherRequired      = errors.New("transport publisher is required")
	ErrRelayRequired          = errors.New("outbox relay is required")
	ErrRelayRunning           = errors.New("outbox relay is already running")
	ErrStatusInvalid          = errors.New("invalid outbox status")
	ErrStatusTransitionDenied = errors.New("invalid outbox status transition")
)
