package processor

import (
	"errors"

	"entitlements/internal/domain/event"
	"entitlements/internal/relationship"
	"entitlements/internal/signature"
)

var (
	// ErrSourceNotVisible means a cancellation or refund arrived before its
	// purchase finished processing. It is retried like any transient failure.
	ErrSourceNotVisible = errors.New("source purchase not processed yet")

	ErrQueueFull  = errors.New("processor queue full")
	ErrPoolClosed = errors.New("processor pool closed")

	errShutdown = errors.New("shutdown before processing")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent is the single place that decides retry policy. Authentication and
// schema failures are permanent, as is anything explicitly marked; every other
// failure (stores, graph, network, timeouts, out-of-order delivery) is transient.
func IsPermanent(err error) bool {
	var pe *permanentError
	switch {
	case err == nil:
		return false
	case errors.As(err, &pe):
		return true
	case errors.Is(err, signature.ErrInvalid), errors.Is(err, event.ErrMalformed):
		return true
	}
	return false
}

func isGraphFailure(err error) bool {
	var se *relationship.SyncError
	return errors.As(err, &se)
}
