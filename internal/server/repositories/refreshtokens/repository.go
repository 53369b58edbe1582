// Package refreshtokens declares the repository of issued refresh tokens.
package refreshtokens

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/server/models"
)

type Repository interface {
	// Create stores token for userID, valid until expiresAt.
	Create(ctx context.Context, userID string, token string, expiresAt time.Time) error

	// Find returns common.ErrorNotFound when the token is absent.
	Find(ctx context.Context, token string) (*models.RefreshToken, error)

	// Delete removes the token. It returns common.ErrorNotFound when no row
	// matched, so two concurrent rotations of one token cannot both succeed.
	Delete(ctx context.Context, token string) error

	// DeleteExpired drops tokens that expired before t and reports how many.
	DeleteExpired(ctx context.Context, t time.Time) (int64, error)
}
