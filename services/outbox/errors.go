package outbox

import (
	"errors"

	"bountypay/services/gateway"
)

type outcomeKind int

const (
	kindRetry outcomeKind = iota
	kindFailed
	kindCompensated
)

type handlerError struct {
	kind outcomeKind
	err  error
}

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The event ends failed and an
// alert is raised.
func Permanent(err error) error {
	return &handlerError{kind: kindFailed, err: err}
}

// Compensated marks a permanent failure the handler already undid. The
// event ends failed without an alert.
func Compensated(err error) error {
	return &handlerError{kind: kindCompensated, err: err}
}

func classify(err error) outcomeKind {
	var he *handlerError
	if errors.As(err, &he) {
		return he.kind
	}
	if gateway.IsRejected(err) {
		return kindFailed
	}
	return kindRetry
}
