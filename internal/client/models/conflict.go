package models

import (
	"fmt"
	"strings"
	"time"
)

// Resolution is the user's choice for one conflict.
type Resolution string

const (
	// ResolveLocal pushes the local version over the remote one.
	ResolveLocal Resolution = "Local"
	// ResolveRemote drops the queued local change and keeps the server copy.
	ResolveRemote Resolution = "Remote"
	// ResolveMerge keeps the server copy and stashes the local content for
	// manual reconciliation.
	ResolveMerge Resolution = "Merge"
	// ResolveBoth keeps the server copy under the original id and re-creates
	// the local content as a new record.
	ResolveBoth Resolution = "Both"
)

// ParseResolution accepts the resolution names case-insensitively.
func ParseResolution(s string) (Resolution, error) {
	for _, r := range []Resolution{ResolveLocal, ResolveRemote, ResolveMerge, ResolveBoth} {
		if strings.EqualFold(string(r), s) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown resolution %q", s)
}

// Version is one side of a conflict.
type Version struct {
	Content   Fields
	UpdatedAt time.Time
	Device    string
}

// ConflictItem is a record changed both locally (queued) and remotely
// (observed) before the queue drained. Its ID is the id of the diverted
// pending change.
type ConflictItem struct {
	ID         string
	EntityType EntityType
	Table      string
	RecordID   string
	Title      string
	Local      Version
	// Remote.Content is nil when the record was deleted remotely.
	Remote Version
}

// RemoteDeleted reports whether the remote side of the conflict is a delete.
func (c ConflictItem) RemoteDeleted() bool {
	return c.Remote.Content == nil
}
