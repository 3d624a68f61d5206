package watcher

import (
	"errors"
	"fmt"
)

// ErrAlreadyStarted is returned when Start is called on a running watcher.
var ErrAlreadyStarted = errors.New("watcher already started")

// WatchError is a non-fatal observation failure: a permission problem, a
// missing root, a native watch that could not be established. The watcher
// retries with backoff; the error is surfaced for visibility only.
type WatchError struct {
	Path string
	Err  error
}

func (e *WatchError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("watch: %v", e.Err)
	}
	return fmt.Sprintf("watch %s: %v", e.Path, e.Err)
}

func (e *WatchError) Unwrap() error {
	return e.Err
}

// NewWatchError creates a path-scoped watch error.
func NewWatchError(path string, err error) *WatchError {
	return &WatchError{Path: path, Err: err}
}

// IsWatchError checks if an error is a WatchError.
func IsWatchError(err error) bool {
	var we *WatchError
	return errors.As(err, &we)
}
