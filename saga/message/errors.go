package message

import "errors"

var (
	ErrMessageIDRequired = errors.New("message id is required")
	ErrSagaIDRequired    = errors.New("saga id is required")
	ErrKindInvalid       = errors.New("invalid message kind")
	ErrAttemptInvalid    = errors.New("attempt must be at least 1")
	ErrPayloadNotJSON    = errors.New("payload must be valid JSON")
	ErrEnvelopeMalformed = errors.New("malformed envelope")
	ErrOutcomeInvalid    = errors.New("invalid step outcome")
	ErrErrorCodeRequired = errors.New("failed outcome requires an error code")
	ErrOutcomeMalformed  = errors.New("malformed step outcome")
)
