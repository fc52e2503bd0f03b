package steps

import (
	"errors"
	"fmt"
)

// ErrInterrupted signals a cooperative stop observed at a poll point.
// The executor maps it to the interrupted step status.
var ErrInterrupted = errors.New("interrupted by stop request")

// QAFailureError reports a content QA check that failed in Prepare or
// during per-recipient specialization.
type QAFailureError struct {
	Reason string
}

func (e *QAFailureError) Error() string {
	return "QA Failure: " + e.Reason
}

// ValidationError reports a violated step precondition, such as missing
// prepared HTML or an unready registration form.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// SendLimitError reports the 24-hour account quota being reached.
type SendLimitError struct {
	Account string
	Limit   int
}

func (e *SendLimitError) Error() string {
	return fmt.Sprintf("24-hour send limit of %d reached for account %s", e.Limit, e.Account)
}

// TransportError wraps a fatal submission failure inside the send loop.
// It classifies as a step error rather than an exception: the operator
// fixes the relay or the recipient and restarts.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }
