package idempotency

import "errors"

var (
	ErrEventIDRequired      = errors.New("event id is required")
	ErrConsumerNameRequired = errors.New("consumer name is required")
	ErrConnectionRequired   = errors.New("connection is required")
)
