// Package pending is the durable queue of local mutations that the server
// has not confirmed yet. Order is the enqueue sequence; nothing is dropped
// implicitly, exhausted items stay visible.
package pending

import (
	"context"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
)

type Repository interface {
	// Enqueue appends c, assigning ID, Seq and EnqueuedAt when unset.
	Enqueue(ctx context.Context, c *models.PendingChange) (string, error)
	// ListPending returns every queued change ordered by Seq, exhausted ones
	// included.
	ListPending(ctx context.Context) ([]*models.PendingChange, error)
	Get(ctx context.Context, id string) (*models.PendingChange, error)
	ListForRecord(ctx context.Context, table, recordID string) ([]*models.PendingChange, error)
	HasPending(ctx context.Context, table, recordID string) (bool, error)
	Count(ctx context.Context) (int, error)

	// Remove deletes a confirmed change. Removing a missing id is a no-op.
	Remove(ctx context.Context, id string) error
	RemoveForRecord(ctx context.Context, table, recordID string) (int, error)
	// RecordFailure increments retries and stores the failure reason.
	RecordFailure(ctx context.Context, id string, cause error) error
	// ResetRetries makes an exhausted change eligible for draining again.
	ResetRetries(ctx context.Context, id string) error
	// Rewrite replaces the operation and payload of a queued change in place.
	Rewrite(ctx context.Context, id string, op models.Operation, payload models.Fields) error
	Clear(ctx context.Context) error
}
