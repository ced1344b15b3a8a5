package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusPendingRaw    = "PENDING"
	StatusProcessingRaw = "PROCESSING"
	StatusPublishedRaw  = "PUBLISHED"
	StatusFailedRaw     = "FAILED"
	StatusInvalidRaw    = "INVALID"

	// DefaultMaxPayloadBytes bounds stored payload size; payloads are JSONB
	// columns and oversized rows are rejected up front.
	DefaultMaxPayloadBytes = 1 << 20
)

// Event is one message awaiting reliable delivery through the relay.
//
// EventType doubles as the transport destination and AggregateID is the saga
// id, which the relay uses as the ordering group key.
type Event struct {
	ID          uuid.UUID
	EventType   string
	AggregateID uuid.UUID
	Payload     []byte
	Status      string
	Attempts    int
	PublishedAt *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewEvent creates a valid outbox event initialized as pending.
func NewEvent(eventType string, aggregateID uuid.UUID, payload []byte) (*Event, error) {
	return NewEventWithID(uuid.New(), eventType, aggregateID, payload)
}

// NewEventWithID creates a pending outbox event with a caller-provided id,
// letting writers derive the id from the envelope's message id for natural
// dedup on insert.
func NewEventWithID(eventID uuid.UUID, eventType string, aggregateID uuid.UUID, payload []byte) (*Event, error) {
	if eventID == uuid.Nil {
		return nil, ErrEventIDRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if aggregateID == uuid.Nil {
		return nil, ErrAggregateIDRequired
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
		Status:      StatusPendingRaw,
		Attempts:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
