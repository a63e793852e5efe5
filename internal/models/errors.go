package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSymbol    = errors.New("invalid symbol")
	ErrInvalidPrice     = errors.New("invalid price")
	ErrInvalidSize      = errors.New("invalid size")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrInvalidSide      = errors.New("invalid side")

	ErrMalformedEvent         = errors.New("malformed event")
	ErrOutOfOrderEvent        = errors.New("out of order event")
	ErrCrossedBook            = errors.New("crossed order book")
	ErrInsufficientData       = errors.New("insufficient data")
	ErrUnknownSymbol          = errors.New("unknown symbol")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrInvalidRequest         = errors.New("invalid request")
)

// MalformedEventError reports an inbound frame that could not be turned into
// a canonical event.
type MalformedEventError struct {
	Channel Channel
	Reason  string
}

func (e *MalformedEventError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("%s: %s", ErrMalformedEvent, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", ErrMalformedEvent, e.Channel, e.Reason)
}

func (e *MalformedEventError) Unwrap() error { return ErrMalformedEvent }

// Malformed builds a MalformedEventError with a formatted reason.
func Malformed(channel Channel, format string, args ...interface{}) error {
	return &MalformedEventError{Channel: channel, Reason: fmt.Sprintf(format, args...)}
}

// InsufficientDataError is returned by a metric that cannot be computed from
// the current state. It is reported per metric, not per request.
type InsufficientDataError struct {
	Metric string
	Reason string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInsufficientData, e.Metric, e.Reason)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// InsufficientData builds an InsufficientDataError for metric.
func InsufficientData(metric, reason string) error {
	return &InsufficientDataError{Metric: metric, Reason: reason}
}

// UnknownSymbolError is returned when a query names a symbol that is not
// monitored.
type UnknownSymbolError struct {
	Symbol string
}

func (e *UnknownSymbolError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnknownSymbol, e.Symbol)
}

func (e *UnknownSymbolError) Unwrap() error { return ErrUnknownSymbol }

// PersistenceUnavailableError wraps the last error seen by a sink after its
// retries were exhausted.
type PersistenceUnavailableError struct {
	Sink string
	Err  error
}

func (e *PersistenceUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistenceUnavailable, e.Sink, e.Err)
}

func (e *PersistenceUnavailableError) Unwrap() []error {
	return []error{ErrPersistenceUnavailable, e.Err}
}

// InvalidRequest builds an ErrInvalidRequest with a reason.
func InvalidRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
