// Package models defines the client-side vault data model: entity types and
// their typed payloads, replica records, queued changes, remote change
// events and conflicts.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// EntityType is the closed set of record kinds the vault stores.
type EntityType string

const (
	EntityNote  EntityType = "note"
	EntityPhoto EntityType = "photo"
	EntityFile  EntityType = "file"
	EntityLink  EntityType = "link"
	EntityVideo EntityType = "video"
)

var (
	ErrUnknownTable   = errors.New("unknown table")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Fields is an opaque record snapshot as stored locally and remotely.
type Fields map[string]any

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Without returns a copy of f without the listed keys.
func (f Fields) Without(keys ...string) Fields {
	out := f.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Merge returns a copy of f with every key of patch applied on top.
func (f Fields) Merge(patch Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = Fields{}
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// String reads a string field, returning "" when absent or not a string.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Payload is the typed view of a record of one entity type.
type Payload interface {
	Type() EntityType
	Validate() error
	// Title is a short label for lists and conflict prompts.
	Title() string
	// Text is the content compared line by line when showing a conflict.
	Text() string
}

type entityHandler struct {
	entity EntityType
	table  string
	decode func(Fields) (Payload, error)
}

func decodeAs[T Payload](f Fields) (Payload, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}

var handlers = map[string]entityHandler{
	"notes":  {entity: EntityNote, table: "notes", decode: decodeAs[Note]},
	"photos": {entity: EntityPhoto, table: "photos", decode: decodeAs[Photo]},
	"files":  {entity: EntityFile, table: "files", decode: decodeAs[File]},
	"links":  {entity: EntityLink, table: "links", decode: decodeAs[Link]},
	"videos": {entity: EntityVideo, table: "videos", decode: decodeAs[Video]},
}

// Tables lists every known table name in a stable order.
func Tables() []string {
	out := make([]string, 0, len(handlers))
	for t := range handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// EntityFor resolves the entity type stored in table.
func EntityFor(table string) (EntityType, error) {
	h, ok := handlers[table]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return h.entity, nil
}

// TableFor maps an entity type to its table.
func TableFor(t EntityType) (string, error) {
	for _, h := range handlers {
		if h.entity == t {
			return h.table, nil
		}
	}
	return "", fmt.Errorf("%w: entity %q", ErrUnknownTable, t)
}

// Decode builds the typed payload for a snapshot of table.
func Decode(table string, f Fields) (Payload, error) {
	h, ok := handlers[table]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return h.decode(f)
}

// Validate decodes and validates a full snapshot for table.
func Validate(table string, f Fields) error {
	p, err := Decode(table, f)
	if err != nil {
		return err
	}
	return p.Validate()
}

func required(entity EntityType, name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidPayload, entity, name)
	}
	return nil
}
