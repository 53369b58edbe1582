package blobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectBlob = `SELECT tbl, record_id, local_path, content_type, size, storage_key, upload_status FROM blobs`

func (r *SQLiteRepository) CreateOrUpdate(ctx context.Context, b *models.Blob) error {
	status := b.UploadStatus
	if status == "" {
		status = models.BlobPending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO blobs (tbl, record_id, local_path, content_type, size, storage_key, upload_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tbl, record_id) DO UPDATE SET
			local_path = excluded.local_path,
			content_type = excluded.content_type,
			size = excluded.size,
			storage_key = excluded.storage_key,
			upload_status = excluded.upload_status
	`, b.Table, b.RecordID, b.LocalPath, b.ContentType, b.Size, b.StorageKey, status)
	if err != nil {
		return fmt.Errorf("failed to upsert blob: %w", err)
	}
	b.UploadStatus = status
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, table, recordID string) (*models.Blob, error) {
	row := r.db.QueryRowContext(ctx, selectBlob+` WHERE tbl = ? AND record_id = ?`, table, recordID)

	b := &models.Blob{}
	err := row.Scan(&b.Table, &b.RecordID, &b.LocalPath, &b.ContentType, &b.Size, &b.StorageKey, &b.UploadStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return b, nil
}

func (r *SQLiteRepository) ListPendingUpload(ctx context.Context) ([]*models.Blob, error) {
	rows, err := r.db.QueryContext(ctx, selectBlob+` WHERE upload_status = ? ORDER BY tbl, record_id`, models.BlobPending)
	if err != nil {
		return nil, fmt.Errorf("error selecting blobs: %w", err)
	}
	defer rows.Close()

	var result []*models.Blob
	for rows.Next() {
		b := &models.Blob{}
		if err := rows.Scan(&b.Table, &b.RecordID, &b.LocalPath, &b.ContentType, &b.Size, &b.StorageKey, &b.UploadStatus); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) MarkUploaded(ctx context.Context, table, recordID, storageKey string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE blobs SET upload_status = ?, storage_key = ? WHERE tbl = ? AND record_id = ?`,
		models.BlobUploaded, storageKey, table, recordID)
	if err != nil {
		return fmt.Errorf("failed to mark blob uploaded: %w", err)
	}
	return dbx.ExpectAffected(res)
}

func (r *SQLiteRepository) Delete(ctx context.Context, table, recordID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM blobs WHERE tbl = ? AND record_id = ?`, table, recordID); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM blobs`); err != nil {
		return fmt.Errorf("failed to clear blobs: %w", err)
	}
	return nil
}
