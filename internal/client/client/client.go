package client

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
)

type Client interface {
	Close() error
	Register(ctx context.Context, username string, salt []byte, verifier []byte) error
	GetSalt(ctx context.Context, username string) ([]byte, error)
	Login(ctx context.Context, username string, verifier []byte) error
	// Tokens returns the current access and refresh tokens.
	Tokens() (access, refresh string)
	// SetTokens restores a saved session; empty values log out.
	SetTokens(access, refresh string)
	Ping(ctx context.Context) error

	// Create stores a new record. Creating an id that already exists
	// overwrites it, so a replayed insert is harmless.
	Create(ctx context.Context, table, id string, data models.Fields) (*models.Snapshot, error)
	// Update merges fields into an existing record.
	Update(ctx context.Context, table, id string, fields models.Fields) (*models.Snapshot, error)
	// Delete removes a record. Deleting a missing record succeeds.
	Delete(ctx context.Context, table, id string) error

	// Subscribe opens the change stream for the logged-in user. Records
	// changed after since are replayed first as Update or Delete events;
	// the zero since replays every live record as an Insert.
	Subscribe(ctx context.Context, since time.Time) (ChangeStream, error)
	PresignUpload(ctx context.Context, table, id, contentType string) (key, url string, err error)
	// PresignDownload returns a short-lived GET URL for a stored blob key.
	PresignDownload(ctx context.Context, key string) (string, error)
}

// ChangeStream yields remote change events until it fails or is closed.
type ChangeStream interface {
	Recv() (models.RemoteChangeEvent, error)
	Close() error
}
