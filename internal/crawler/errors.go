package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyRunning is returned when a source key already has an active run.
	ErrAlreadyRunning = errors.New("already running")
	// ErrNotRunning is returned when stopping a source key with no active run.
	ErrNotRunning = errors.New("not running")
	// ErrUnknownSource is returned for source keys missing from configuration.
	ErrUnknownSource = errors.New("unknown source")
	// ErrUnsupportedPagination is returned for pagination kinds the orchestrator cannot drive.
	ErrUnsupportedPagination = errors.New("unsupported pagination kind")
)

// TransientError marks a fetch failure that may succeed on retry
// (timeouts, 5xx, connection resets).
type TransientError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient fetch error for %s (status %d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient fetch error for %s: %v", e.URL, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a fetch failure that will never succeed (4xx).
type FatalError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal fetch error for %s (status %d): %v", e.URL, e.StatusCode, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
