// Package records stores vault records per user, keyed by table and id.
package records

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/server/models"
)

type Repository interface {
	// Get returns the record including tombstones, or common.ErrorNotFound.
	Get(ctx context.Context, userID, table, id string) (*models.Record, error)
	// GetForUpdate is Get with a row lock; call it inside a transaction.
	GetForUpdate(ctx context.Context, userID, table, id string) (*models.Record, error)
	// Save inserts the record or overwrites every column of the stored one.
	Save(ctx context.Context, rec *models.Record) error
	// SelectChanged returns records of userID changed after since, oldest
	// first. The zero since returns live records only. Empty tables means
	// every table.
	SelectChanged(ctx context.Context, userID string, tables []string, since time.Time) ([]*models.Record, error)
}
