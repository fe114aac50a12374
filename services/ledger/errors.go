package ledger

import "errors"

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrDuplicateTransaction = errors.New("duplicate settlement transaction")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrUnknownType          = errors.New("unknown transaction type")
)
