package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

//go:generate mockgen -destination=mock/mock_client.go -package=mock bountypay/services/gateway Client

// Client moves money at the external payment provider. Every call carries an
// idempotency key; the provider applies a key at most once.
type Client interface {
	CreateHold(ctx context.Context, amount int64, key string) (string, error)
	CaptureAndTransfer(ctx context.Context, holdRef, destination string, payout, fee int64, key string) (string, error)
	Refund(ctx context.Context, holdRef, key string) (string, error)
}

var (
	// ErrRejected is permanent: retrying the same request will not succeed.
	ErrRejected = errors.New("payment gateway rejected the request")
	// ErrUnavailable is transient: timeouts, network failures and 5xx.
	ErrUnavailable = errors.New("payment gateway unavailable")
)

type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	kind       error
	cause      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway %s: %v", e.Op, e.kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

func rejected(op string, status int, code, message string) error {
	return &Error{Op: op, StatusCode: status, Code: code, Message: message, kind: ErrRejected}
}

func unavailable(op string, status int, cause error) error {
	return &Error{Op: op, StatusCode: status, kind: ErrUnavailable, cause: cause}
}

// IsTransient reports whether err is worth retrying later. Deadline and
// network errors count as transient even when they were not wrapped.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRejected reports a permanent refusal by the provider.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
