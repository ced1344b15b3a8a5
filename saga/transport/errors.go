package transport

import "errors"

var (
	ErrDestinationRequired = errors.New("destination is required")
	ErrHandlerRequired     = errors.New("handler is required")
	ErrAlreadySubscribed   = errors.New("destination already has a subscriber")
	ErrTransportClosed     = errors.New("transport is closed")
)
