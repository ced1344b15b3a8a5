package participant

import "errors"

var (
	ErrConsumerNameRequired     = errors.New("consumer name is required")
	ErrReplyDestinationRequired = errors.New("reply destination is required")
	ErrExecutorRequired         = errors.New("executor is required")
	ErrUnitOfWorkRequired       = errors.New("unit of work is required")
	ErrLedgerRequired           = errors.New("idempotency ledger is required")
	ErrOutboxRequired           = errors.New("outbox repository is required")
	ErrKindUnexpected           = errors.New("unexpected envelope kind")
)
