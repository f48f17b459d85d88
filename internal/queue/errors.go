package queue

import (
	"errors"

	"labelflow/internal/services"
)

var (
	// ErrLeaseLost reports a lease token that no longer owns its task.
	ErrLeaseLost = errors.New("lease lost")
	// ErrDuplicateDispatch reports a second enqueue for the same job.
	ErrDuplicateDispatch = errors.New("job already dispatched")
	// ErrInvalidTransition reports a compare-and-set that found another status.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrOutputNotReady reports a download before the job finished.
	ErrOutputNotReady = errors.New("job output not ready")
)

func notFound(op, id string) error {
	return services.Wrap(services.ErrNotFound, "queue", op, "job "+id, nil)
}

func invalid(op, message string) error {
	return services.Wrap(services.ErrValidation, "queue", op, message, nil)
}
