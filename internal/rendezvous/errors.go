package rendezvous

import "errors"

var (
	// ErrAbort is returned by a TxFunc to leave the current value untouched.
	ErrAbort          = errors.New("transaction_aborted")
	ErrTooManyRetries = errors.New("transaction_too_many_retries")
	ErrInvalidPath    = errors.New("invalid_path")
	ErrInvalidValue   = errors.New("invalid_value")
	ErrClosed         = errors.New("store_closed")
	ErrUnsupported    = errors.New("unsupported_operation")
)
