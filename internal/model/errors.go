package model

import "errors"

// Error kinds. Concrete errors wrap one of these with fmt.Errorf("%w: ...")
// so callers can branch with errors.Is.
var (
	// ErrValidation is returned for malformed input or unmet preconditions
	// detected before any mutation.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned when a referenced pool, order, lot or wallet
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an order is no longer pending, or a
	// concurrent mutation invalidated the operation. Retryable by the caller.
	ErrConflict = errors.New("conflict")

	// ErrInsufficientFunds is returned when a wallet cannot cover the amount
	// required at fill time.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// ErrorKind returns the short name of the kind wrapped by err, or "internal".
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "internal"
	}
}
