package models

import (
	"encoding/json"
	"errors"
	"slices"
	"time"
)

// ErrUnknownTable is returned for table names outside Tables.
var ErrUnknownTable = errors.New("unknown table")

var tables = []string{"files", "links", "notes", "photos", "videos"}

// Tables lists the record tables a vault may hold, sorted.
func Tables() []string {
	return slices.Clone(tables)
}

// ValidTable reports whether name is one of Tables.
func ValidTable(name string) bool {
	return slices.Contains(tables, name)
}

// Record is one stored vault item. Data is the JSON object written by the
// client; the server only merges it key by key. Deleted rows are kept as
// tombstones so reconnecting clients learn about deletions.
type Record struct {
	UserID    string
	Table     string
	ID        string
	Data      json.RawMessage
	UpdatedAt time.Time
	Device    string
	Deleted   bool
}

// Change event types.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// ChangeEvent describes one committed write. New is nil for deletes and
// Old is nil for inserts.
type ChangeEvent struct {
	UserID    string
	Table     string
	Type      string
	New       *Record
	Old       *Record
	UpdatedAt time.Time
	Device    string
}
