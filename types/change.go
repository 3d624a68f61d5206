package types

import "fmt"

// ChangeKind is the kind of filesystem change a watcher observed.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// ChangeEvent is one coalesced filesystem change. Path is relative to the
// watched root.
type ChangeEvent struct {
	Kind ChangeKind
	Path string
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s(%s)", e.Kind, e.Path)
}

// CoalesceKind merges a new change kind into a previously observed one for
// the same path, keeping the net effect:
// created then modified is still created, anything then removed is removed,
// and removed then created is a replacement, i.e. modified.
func CoalesceKind(old, new ChangeKind) ChangeKind {
	switch {
	case new == ChangeRemoved:
		return ChangeRemoved
	case old == ChangeRemoved:
		return ChangeModified
	case old == ChangeCreated:
		return ChangeCreated
	default:
		return ChangeModified
	}
}
