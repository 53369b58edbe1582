package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/dmitrijs2005/gophvault/internal/client/retry"
	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/filex"
	"github.com/dmitrijs2005/gophvault/internal/netx"
)

// Uploader PUTs a blob to a presigned URL.
type Uploader func(ctx context.Context, url, contentType string, body []byte) error

var HTTPUploader Uploader = netx.UploadToPresignedURL

// uploadBlobs pushes staged attachments whose record already exists on the
// server. Records with queued changes wait for the next cycle.
func (c *Coordinator) uploadBlobs(ctx context.Context, sum *Summary) {
	staged, err := c.stores.Blobs.ListPendingUpload(ctx)
	if err != nil {
		c.log.Warn(ctx, "failed to list staged blobs", "error", err)
		return
	}

	for _, b := range staged {
		if ctx.Err() != nil {
			return
		}
		queued, err := c.stores.Pending.HasPending(ctx, b.Table, b.RecordID)
		if err != nil || queued {
			continue
		}
		if err := c.uploadBlob(ctx, b); err != nil {
			c.log.Warn(ctx, "blob upload failed", "table", b.Table, "record", b.RecordID, "error", err)
			sum.UploadFailed++
			continue
		}
		sum.Uploaded++
	}
}

func (c *Coordinator) uploadBlob(ctx context.Context, b *models.Blob) error {
	blob, err := filex.ReadBlob(b.LocalPath)
	if err != nil {
		return err
	}
	contentType := b.ContentType
	if contentType == "" {
		contentType = blob.ContentType
	}

	out, err := retry.Execute(ctx, c.exec, func(ctx context.Context) (string, error) {
		key, url, err := c.remote.PresignUpload(ctx, b.Table, b.RecordID, contentType)
		if err != nil {
			return "", err
		}
		if err := c.upload(ctx, url, contentType, blob.Data); err != nil {
			return "", err
		}
		return key, nil
	})
	if err != nil {
		return err
	}
	if out.Aborted {
		return ctx.Err()
	}
	key := out.Value

	if err := c.stores.Blobs.MarkUploaded(ctx, b.Table, b.RecordID, key); err != nil {
		return fmt.Errorf("failed to mark blob uploaded: %w", err)
	}
	return c.linkBlob(ctx, b, key)
}

// linkBlob stores the storage key on the record and queues the update.
func (c *Coordinator) linkBlob(ctx context.Context, b *models.Blob, key string) error {
	rec, err := c.stores.Records.Get(ctx, b.Table, b.RecordID)
	if errors.Is(err, common.ErrorNotFound) || (err == nil && rec.Deleted) {
		return nil
	}
	if err != nil {
		return err
	}

	patch := models.Fields{"blob_key": key}
	rec.Data = rec.Data.Merge(patch)
	if err := c.stores.Records.Upsert(ctx, rec); err != nil {
		return err
	}
	_, err = c.stores.Pending.Enqueue(ctx, &models.PendingChange{
		Table:       b.Table,
		RecordID:    b.RecordID,
		Operation:   models.OpUpdate,
		Payload:     patch.Merge(models.Fields{"id": b.RecordID}),
		BaseVersion: rec.UpdatedAt,
	})
	return err
}
