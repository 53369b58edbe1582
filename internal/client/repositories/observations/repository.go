// Package observations persists the remote changes seen for records with
// queued local changes, so conflicts survive a logout or restart.
package observations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
)

type Repository interface {
	// Put stores o unless a newer observation of the record is already kept.
	Put(ctx context.Context, o *models.Observation) error
	List(ctx context.Context) ([]*models.Observation, error)
	Delete(ctx context.Context, table, recordID string) error
	// Prune drops observations of records without queued changes.
	Prune(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Put(ctx context.Context, o *models.Observation) error {
	var data any
	if o.Snapshot != nil {
		b, err := json.Marshal(o.Snapshot.Data)
		if err != nil {
			return fmt.Errorf("failed to encode observation: %w", err)
		}
		data = string(b)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO observations (tbl, record_id, data, updated_at, device) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tbl, record_id) DO UPDATE SET
			data = excluded.data, updated_at = excluded.updated_at, device = excluded.device
		WHERE excluded.updated_at >= observations.updated_at
	`, o.Table, o.RecordID, data, dbx.UnixNano(o.UpdatedAt), o.Device)
	if err != nil {
		return fmt.Errorf("failed to store observation of %s/%s: %w", o.Table, o.RecordID, err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*models.Observation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tbl, record_id, data, updated_at, device FROM observations ORDER BY updated_at, tbl, record_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer rows.Close()

	var result []*models.Observation
	for rows.Next() {
		var (
			o         models.Observation
			data      sql.NullString
			updatedAt int64
		)
		if err := rows.Scan(&o.Table, &o.RecordID, &data, &updatedAt, &o.Device); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		o.UpdatedAt = dbx.FromUnixNano(updatedAt)
		if data.Valid {
			snap := &models.Snapshot{ID: o.RecordID, UpdatedAt: o.UpdatedAt, Device: o.Device}
			if err := json.Unmarshal([]byte(data.String), &snap.Data); err != nil {
				return nil, fmt.Errorf("failed to decode observation of %s/%s: %w", o.Table, o.RecordID, err)
			}
			o.Snapshot = snap
		}
		result = append(result, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate observations: %w", err)
	}
	return result, nil
}

// Delete removes the observation of a record. A missing one is a no-op.
func (r *SQLiteRepository) Delete(ctx context.Context, table, recordID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM observations WHERE tbl = ? AND record_id = ?`, table, recordID)
	if err != nil {
		return fmt.Errorf("failed to delete observation of %s/%s: %w", table, recordID, err)
	}
	return nil
}

func (r *SQLiteRepository) Prune(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM observations WHERE NOT EXISTS (
			SELECT 1 FROM pending_changes p WHERE p.tbl = observations.tbl AND p.record_id = observations.record_id
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prune observations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM observations`); err != nil {
		return fmt.Errorf("failed to clear observations: %w", err)
	}
	return nil
}
