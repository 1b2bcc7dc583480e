package sync

import "fmt"

// EventKind is the type of change reported for a local path.
type EventKind int

const (
	// Created means a new file or directory appeared at the path.
	Created EventKind = iota + 1
	// Modified means the file's contents were written to.
	Modified
	// Removed means the path was deleted.
	Removed
	// RenamedFrom is reported for the old path of a move.
	RenamedFrom
	// RenamedTo is reported for the new path of a move.
	RenamedTo
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	case RenamedFrom:
		return "renamed-from"
	case RenamedTo:
		return "renamed-to"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// needsUpload returns whether the remote copy should be (re)written.
func (k EventKind) needsUpload() bool {
	return k == Created || k == Modified || k == RenamedTo
}

// needsRemoval returns whether the remote copy should be deleted.
func (k EventKind) needsRemoval() bool {
	return k == Removed || k == RenamedFrom
}

// A ChangeEvent is a single change to a path under the watched root. Whether
// the path is a directory isn't part of the event; it's determined when the
// event is handled.
type ChangeEvent struct {
	Path string
	Kind EventKind
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s %s", e.Kind, e.Path)
}
