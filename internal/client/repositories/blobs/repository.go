// Package blobs tracks local files attached to photo and file records and
// their upload state towards object storage.
package blobs

import (
	"context"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
)

type Repository interface {
	// CreateOrUpdate stages a blob. Restaging resets the upload status.
	CreateOrUpdate(ctx context.Context, b *models.Blob) error
	// Get returns common.ErrorNotFound for an unknown record.
	Get(ctx context.Context, table, recordID string) (*models.Blob, error)
	ListPendingUpload(ctx context.Context) ([]*models.Blob, error)
	MarkUploaded(ctx context.Context, table, recordID, storageKey string) error
	Delete(ctx context.Context, table, recordID string) error
	Clear(ctx context.Context) error
}
