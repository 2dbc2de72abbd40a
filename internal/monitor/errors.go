package monitor

import (
	"errors"

	"github.com/ChuLiYu/orthanc-relay/internal/orthanc"
)

var (
	// ErrAlreadyStarted is returned by Start on a running monitor
	ErrAlreadyStarted = errors.New("monitor already started")
	// ErrPoolClosed is returned when submitting to a pool whose workers have all exited
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Handler errors are retryable unless wrapped with Fatal.
// A NotFound error (see orthanc.IsNotFound) means the resource is already gone
// and the change is acknowledged without retry. Retryable overrides that: a
// 404 from a destination is a delivery failure, not a vanished resource.

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Retryable marks err as transient, even when it wraps a NotFound error.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Fatal marks err as permanent: remaining retries are skipped.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

func isMarkedRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// IsRetryable reports whether a handler error should be retried
func IsRetryable(err error) bool {
	return classify(err) == outcomeRetry
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry
	outcomeNotFound
	outcomeFatal
)

func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case IsFatal(err):
		return outcomeFatal
	case isMarkedRetryable(err):
		return outcomeRetry
	case orthanc.IsNotFound(err):
		return outcomeNotFound
	}
	return outcomeRetry
}
