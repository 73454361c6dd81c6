package venue

import "fmt"

// Error is a leg-level venue failure: network, signing, or rejection.
// It is caught per leg and recorded; it never aborts the sibling leg.
type Error struct {
	Venue string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Venue, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(venue, op string, err error) *Error {
	return &Error{Venue: venue, Op: op, Err: err}
}

// ValidationError rejects a bad open/close request synchronously,
// before any state is created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// DataInsufficientError is a per-symbol prediction failure; batch
// processing continues past it.
type DataInsufficientError struct {
	Symbol string
	Reason string
}

func (e *DataInsufficientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Symbol, e.Reason)
}

// ConfigurationError reports missing or malformed credentials or
// wiring, surfaced before any state is created.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return e.Reason }
