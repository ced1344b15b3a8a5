package rabbitmq

import "errors"

var (
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrTransportClosed        = errors.New("rabbitmq transport is closed")
	ErrSinkRequired           = errors.New("dead-letter sink is required")
)
