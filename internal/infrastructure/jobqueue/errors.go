package jobqueue

import (
	"errors"
	"fmt"
)

// ErrJobExists is returned by Add when a job with the same id is still known
// to the queue.
var ErrJobExists = errors.New("job already exists")

// RetryError asks the worker to run the job again after a backoff computed
// from Attempt.
type RetryError struct {
	Attempt int
	Err     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry attempt %d: %v", e.Attempt, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Retry wraps err so the job is rescheduled. attempt is the number of failed
// attempts so far and drives the backoff.
func Retry(attempt int, err error) error {
	return &RetryError{Attempt: attempt, Err: err}
}
