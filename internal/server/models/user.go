// Package models defines the rows the server keeps in PostgreSQL and the
// change events it fans out to subscribers.
package models

import "time"

type User struct {
	ID        string
	UserName  string
	Salt      []byte
	Verifier  []byte
	CreatedAt time.Time
}
