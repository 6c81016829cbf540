// Package xerrors enumerates the error kinds an account or order operation
// can fail with. All but ErrInternal are ordinary rejections reported back
// to the caller; ErrInternal marks a persistence failure, which is also
// returned to the caller and which IsFatal reports as fatal. Invariant
// violations found during settlement do not surface as errors: they abort
// the process directly (see engine.Engine.fatal).
package xerrors

import "errors"

var (
	ErrUnknownAccount     = errors.New("unknown account")
	ErrDuplicateAccount   = errors.New("duplicate account")
	ErrUnknownOrder       = errors.New("unknown order")
	ErrNotOpen            = errors.New("order not open")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrMalformedRequest   = errors.New("malformed request")
	ErrInternal           = errors.New("internal error")
)

// IsFatal reports whether err should be treated as a process-level fault
// rather than an ordinary rejection.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInternal)
}
