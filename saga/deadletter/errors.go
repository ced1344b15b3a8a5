package deadletter

import "errors"

var (
	ErrParkedMessageRequired = errors.New("parked message is required")
	ErrParkedMessageNotFound = errors.New("parked message not found")
	ErrStoreRequired         = errors.New("parked message store is required")
	ErrPublisherRequired     = errors.New("transport publisher is required")
	ErrAlreadyReplayed       = errors.New("parked message already replayed")
)
