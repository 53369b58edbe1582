// Package users declares the account repository of the server.
package users

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/server/models"
)

type Repository interface {
	// Create inserts the user and fills in its ID. A taken username yields
	// common.ErrorAlreadyExists.
	Create(ctx context.Context, user *models.User) (*models.User, error)
	// GetUserByLogin returns common.ErrorNotFound for unknown usernames.
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
	// NextChangeTime advances the user's change clock to the later of now
	// and one microsecond past its last value, and returns it. The user row
	// stays locked until the surrounding transaction ends.
	NextChangeTime(ctx context.Context, userID string, now time.Time) (time.Time, error)
}
