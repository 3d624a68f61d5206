package queue

import (
	"errors"
	"fmt"
)

// QueueError reports an operation attempted on a closed queue. It is fatal
// to the caller of that operation only; nothing else is torn down.
type QueueError struct {
	Op string
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: queue is closed", e.Op)
}

// NewQueueError creates a closed-queue error for the given operation.
func NewQueueError(op string) *QueueError {
	return &QueueError{Op: op}
}

// IsQueueError checks if an error is a QueueError.
func IsQueueError(err error) bool {
	var qe *QueueError
	return errors.As(err, &qe)
}
