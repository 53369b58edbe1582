// Package records is the local replica: the last known state of every
// vault record, including optimistic local edits not yet confirmed.
package records

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
)

type Repository interface {
	// Upsert writes rec, clearing a previous tombstone.
	Upsert(ctx context.Context, rec *models.Record) error
	// Get returns common.ErrorNotFound when the record was never stored.
	// Tombstones are returned with Deleted set.
	Get(ctx context.Context, table, id string) (*models.Record, error)
	// List returns live records of table ordered by id.
	List(ctx context.Context, table string) ([]*models.Record, error)
	MarkDeleted(ctx context.Context, table, id string, updatedAt time.Time) error
	// SetVersion stores the server timestamp confirmed for a record.
	SetVersion(ctx context.Context, table, id string, updatedAt time.Time, device string) error
	Clear(ctx context.Context) error
}
