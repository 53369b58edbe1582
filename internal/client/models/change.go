package models

import (
	"time"
)

// Operation is the kind of a queued local mutation or a remote event.
type Operation string

const (
	OpInsert Operation = "Insert"
	OpUpdate Operation = "Update"
	OpDelete Operation = "Delete"
)

// MaxQueueRetries is the failure count after which a queued change stays
// in the queue but is skipped by the drain.
const MaxQueueRetries = 5

// PendingChange is one local mutation not yet confirmed by the server.
type PendingChange struct {
	ID        string
	Seq       int64
	Table     string
	RecordID  string
	Operation Operation
	// Payload is the full snapshot for Insert, the changed fields for
	// Update and {"id": RecordID} for Delete.
	Payload     Fields
	Retries     int
	LastError   *string
	EnqueuedAt  time.Time
	BaseVersion time.Time
}

// Exhausted reports whether the drain must skip the change.
func (c *PendingChange) Exhausted() bool {
	return c.Retries >= MaxQueueRetries
}

// RemoteChangeEvent is one notification from the server change stream.
// New is nil for deletes, Old is nil for inserts.
type RemoteChangeEvent struct {
	Table     string
	Type      Operation
	New       *Snapshot
	Old       *Snapshot
	UpdatedAt time.Time
	Device    string
}

// RecordID returns the id of the record the event is about.
func (e RemoteChangeEvent) RecordID() string {
	if e.New != nil {
		return e.New.ID
	}
	if e.Old != nil {
		return e.Old.ID
	}
	return ""
}
