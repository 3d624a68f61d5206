package syncer

import (
	"errors"
	"fmt"
)

// SyncError is a copy, remove or rename failure scoped to a single path.
// It never aborts the surrounding plan; unaffected paths keep syncing.
type SyncError struct {
	Path string
	Op   string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError creates a path-scoped sync error.
func NewSyncError(path, op string, err error) *SyncError {
	return &SyncError{Path: path, Op: op, Err: err}
}

// IsSyncError checks if an error is a SyncError.
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}
