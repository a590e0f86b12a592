package executor

import "errors"

var (
	// Config validation errors
	ErrStoreRequired   = errors.New("store is required")
	ErrBackendRequired = errors.New("backend is required")

	// Request errors
	ErrMessageRequired = errors.New("message content is required")

	// Execution errors
	ErrEmptyDecisionStream   = errors.New("backend produced no decision")
	ErrMaxToolRoundsExceeded = errors.New("maximum tool rounds exceeded")
	ErrCancelled             = errors.New("generation cancelled")
)
