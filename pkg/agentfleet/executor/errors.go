package executor

import "errors"

// Rejection reasons. They are rendered in place of the tag and never
// returned to callers.
var (
	ErrInvalidRecipient      = errors.New("invalid recipient")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrUnsupportedCurrency   = errors.New("unsupported currency")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrSpendingLimitExceeded = errors.New("spending limit reached")
	ErrWalletNotInitialized  = errors.New("wallet not initialized")
	ErrMalformedCommand      = errors.New("malformed command")
)
