package pending

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/google/uuid"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `seq, id, tbl, record_id, operation, payload, retries, last_error, enqueued_at, base_version`

func (r *SQLiteRepository) Enqueue(ctx context.Context, c *models.PendingChange) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.EnqueuedAt.IsZero() {
		c.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_changes (id, tbl, record_id, operation, payload, retries, last_error, enqueued_at, base_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Table, c.RecordID, string(c.Operation), string(payload), c.Retries, c.LastError,
		dbx.UnixNano(c.EnqueuedAt), dbx.UnixNano(c.BaseVersion))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue change: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("failed to read enqueue position: %w", err)
	}
	c.Seq = seq

	return c.ID, nil
}

func (r *SQLiteRepository) ListPending(ctx context.Context) ([]*models.PendingChange, error) {
	return r.query(ctx, `SELECT `+selectColumns+` FROM pending_changes ORDER BY seq`)
}

func (r *SQLiteRepository) ListForRecord(ctx context.Context, table, recordID string) ([]*models.PendingChange, error) {
	return r.query(ctx, `SELECT `+selectColumns+` FROM pending_changes WHERE tbl = ? AND record_id = ? ORDER BY seq`, table, recordID)
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.PendingChange, error) {
	items, err := r.query(ctx, `SELECT `+selectColumns+` FROM pending_changes WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, common.ErrorNotFound
	}
	return items[0], nil
}

func (r *SQLiteRepository) HasPending(ctx context.Context, table, recordID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_changes WHERE tbl = ? AND record_id = ?`, table, recordID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count record changes: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_changes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count changes: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) Remove(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_changes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove change %s: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) RemoveForRecord(ctx context.Context, table, recordID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pending_changes WHERE tbl = ? AND record_id = ?`, table, recordID)
	if err != nil {
		return 0, fmt.Errorf("failed to remove changes of %s/%s: %w", table, recordID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (r *SQLiteRepository) RecordFailure(ctx context.Context, id string, cause error) error {
	var reason *string
	if cause != nil {
		s := cause.Error()
		reason = &s
	}

	res, err := r.db.ExecContext(ctx, `UPDATE pending_changes SET retries = retries + 1, last_error = ? WHERE id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to record failure of %s: %w", id, err)
	}
	return dbx.ExpectAffected(res)
}

func (r *SQLiteRepository) ResetRetries(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE pending_changes SET retries = 0, last_error = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to reset retries of %s: %w", id, err)
	}
	return dbx.ExpectAffected(res)
}

func (r *SQLiteRepository) Rewrite(ctx context.Context, id string, op models.Operation, payload models.Fields) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `UPDATE pending_changes SET operation = ?, payload = ? WHERE id = ?`, string(op), string(b), id)
	if err != nil {
		return fmt.Errorf("failed to rewrite change %s: %w", id, err)
	}
	return dbx.ExpectAffected(res)
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_changes`); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]*models.PendingChange, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	var result []*models.PendingChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changes: %w", err)
	}

	return result, nil
}

func scanChange(rows *sql.Rows) (*models.PendingChange, error) {
	var (
		c           models.PendingChange
		op, payload string
		lastError   sql.NullString
		enqueuedAt  int64
		baseVersion int64
	)

	if err := rows.Scan(&c.Seq, &c.ID, &c.Table, &c.RecordID, &op, &payload, &c.Retries, &lastError, &enqueuedAt, &baseVersion); err != nil {
		return nil, fmt.Errorf("failed to scan change: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &c.Payload); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to decode payload of %s", c.ID), err)
	}

	c.Operation = models.Operation(op)
	if lastError.Valid {
		s := lastError.String
		c.LastError = &s
	}
	c.EnqueuedAt = dbx.FromUnixNano(enqueuedAt)
	c.BaseVersion = dbx.FromUnixNano(baseVersion)

	return &c, nil
}
