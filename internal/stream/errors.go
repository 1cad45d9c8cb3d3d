package stream

import (
	"errors"

	"crypto-stats-stream/internal/dataset"
)

// Session-ending error kinds.
var (
	// ErrBackfill marks a failed initial read. No snapshot is sent.
	ErrBackfill = errors.New("backfill failed")

	// ErrSubscription marks a failed live feed.
	ErrSubscription = errors.New("subscription failed")

	// ErrClientTooSlow is wrapped by Emitter errors when the client is
	// connected but not reading fast enough.
	ErrClientTooSlow = errors.New("client not reading")

	// errDisconnected marks a client that went away mid-session.
	errDisconnected = errors.New("client disconnected")
)

// sessionError pairs an error kind with its cause. It matches both.
type sessionError struct {
	kind  error
	cause error
}

func (e *sessionError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *sessionError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

func backfillError(cause error) error {
	return &sessionError{kind: ErrBackfill, cause: cause}
}

func subscriptionError(cause error) error {
	return &sessionError{kind: ErrSubscription, cause: cause}
}

func disconnected(cause error) error {
	return &sessionError{kind: errDisconnected, cause: cause}
}

// Diagnostic returns the message sent to the client for a session-ending error.
func Diagnostic(err error) string {
	var pe *dataset.ParamError
	if errors.As(err, &pe) && pe.Param == dataset.ParamTicker {
		return "Invalid ticker parameter"
	}
	if errors.Is(err, dataset.ErrInvalidParameter) {
		return "Invalid minutes parameter"
	}
	if errors.Is(err, ErrClientTooSlow) {
		return "Client too slow: events were dropped"
	}

	var se *sessionError
	if errors.As(err, &se) {
		switch se.kind {
		case ErrBackfill:
			return "Error retrieving initial documents: " + se.cause.Error()
		case ErrSubscription:
			return "Change Stream error: " + se.cause.Error()
		}
	}
	return err.Error()
}
