package queue

import (
	"errors"
	"fmt"
)

// TransientError marks a backend failure the caller may recover from by
// routing around the queue (timeout, refused connection, protocol error).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("queue: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient queue failure
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrJobNotFound is returned when a job id has no record
var ErrJobNotFound = errors.New("queue: job not found")
