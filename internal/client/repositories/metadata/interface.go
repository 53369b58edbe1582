// Package metadata is a small key/value store for client state that has to
// survive a restart: session tokens, salt, device id and the sync cursor.
package metadata

import (
	"context"
)

// Well-known keys.
const (
	KeyUsername      = "username"
	KeySalt          = "salt"
	KeyVerifier      = "verifier"
	KeyAccessToken   = "access_token"
	KeyRefreshToken  = "refresh_token"
	KeyLastSyncTime  = "last_sync_time"
	KeyLastSyncError = "last_sync_error"
	// KeyEventCursor is the server timestamp of the newest change event
	// applied to the replica.
	KeyEventCursor = "event_cursor"
	// KeyDeviceID is generated once per database and tells devices with the
	// same name apart.
	KeyDeviceID = "device_id"
)

type Repository interface {
	// Get returns (nil, nil) for an absent key.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)
	Clear(ctx context.Context) error
}
