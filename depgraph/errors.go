package depgraph

import (
	"errors"
	"fmt"
)

// GraphError reports a structural problem that prevents a reliable
// affected-set computation: an unbuilt graph, an unresolved cycle, a path
// the graph has never seen. It always rides alongside the conservative
// all-tests fallback and is non-fatal.
type GraphError struct {
	Reason string
	Err    error
}

func (e *GraphError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dependency graph: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("dependency graph: %s", e.Reason)
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

// NewGraphError creates a graph error with the given reason.
func NewGraphError(reason string, err error) *GraphError {
	return &GraphError{Reason: reason, Err: err}
}

// IsGraphError checks if an error is a GraphError.
func IsGraphError(err error) bool {
	var ge *GraphError
	return errors.As(err, &ge)
}
