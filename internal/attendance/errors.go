package attendance

import (
	"errors"
	"fmt"
)

var (
	ErrMissingIdentifier = errors.New("student id is required")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidEndpoint   = errors.New("invalid endpoint")
	ErrClosed            = errors.New("engine closed")
)

// ValidationError is a synchronous rejection of local input. Nothing is
// stored or queued when one is returned.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// TransientDeliveryError wraps any failed delivery attempt. The task stays
// queued and is retried.
type TransientDeliveryError struct {
	TaskID string
	Err    error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("deliver task %s: %v", e.TaskID, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error {
	return e.Err
}

type PollFailure struct {
	Err error
}

func (e *PollFailure) Error() string {
	return fmt.Sprintf("poll remote snapshot: %v", e.Err)
}

func (e *PollFailure) Unwrap() error {
	return e.Err
}
