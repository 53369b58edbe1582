package records

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
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Upsert(ctx context.Context, rec *models.Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO records (tbl, id, data, updated_at, device, deleted)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(tbl, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			device = excluded.device,
			deleted = 0
	`, rec.Table, rec.ID, string(data), dbx.UnixNano(rec.UpdatedAt), rec.Device)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", rec.Table, rec.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, table, id string) (*models.Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT tbl, id, data, updated_at, device, deleted FROM records WHERE tbl = ? AND id = ?
	`, table, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", table, id, err)
	}
	return rec, nil
}

func (r *SQLiteRepository) List(ctx context.Context, table string) ([]*models.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tbl, id, data, updated_at, device, deleted FROM records
		WHERE tbl = ? AND deleted = 0
		ORDER BY id
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var result []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) MarkDeleted(ctx context.Context, table, id string, updatedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO records (tbl, id, data, updated_at, deleted) VALUES (?, ?, '{}', ?, 1)
		ON CONFLICT(tbl, id) DO UPDATE SET deleted = 1, updated_at = MAX(records.updated_at, excluded.updated_at)
	`, table, id, dbx.UnixNano(updatedAt))
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", table, id, err)
	}
	return nil
}

func (r *SQLiteRepository) SetVersion(ctx context.Context, table, id string, updatedAt time.Time, device string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE records SET updated_at = ?, device = ? WHERE tbl = ? AND id = ?`,
		dbx.UnixNano(updatedAt), device, table, id)
	if err != nil {
		return fmt.Errorf("failed to set version of %s/%s: %w", table, id, err)
	}
	return dbx.ExpectAffected(res)
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.Record, error) {
	var (
		rec       models.Record
		data      string
		updatedAt int64
	)
	if err := s.Scan(&rec.Table, &rec.ID, &data, &updatedAt, &rec.Device, &rec.Deleted); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return nil, err
	}
	rec.UpdatedAt = dbx.FromUnixNano(updatedAt)
	return &rec, nil
}
