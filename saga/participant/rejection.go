package participant

import "fmt"

// Rejection is a business refusal of a command: the executor looked at the
// request and said no. Rejections are normal saga outcomes, not faults; the
// adapter commits them as failed step outcomes so the orchestrator can start
// compensating, instead of rolling back and waiting for a redelivery that
// would be refused again.
type Rejection struct {
	// Code is a stable machine-readable reason, e.g. "CAPACITY_EXCEEDED".
	Code    string
	Message string
}

// Error implements the error interface.
func (rejection *Rejection) Error() string {
	if rejection.Message == "" {
		return rejection.Code
	}

	return fmt.Sprintf("%s: %s", rejection.Code, rejection.Message)
}

// Reject builds a business rejection error.
func Reject(code, message string) error {
	return &Rejection{Code: code, Message: message}
}
