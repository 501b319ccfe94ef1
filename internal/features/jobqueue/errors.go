package jobqueue

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound        = errors.New("sync job not found")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrNotRetryable       = errors.New("only failed jobs can be retried")
	ErrNotCancellable     = errors.New("job is already finished")
	ErrConcurrentUpdate   = errors.New("job was modified concurrently")
	ErrLockTimeout        = errors.New("timed out waiting for mapping lock")
	ErrAwaitingResolution = errors.New("job is waiting for manual conflict resolution")
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

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
