// Package stash keeps the local side of conflicts resolved with Merge.
package stash

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/google/uuid"
)

type Repository interface {
	Put(ctx context.Context, e *models.StashEntry) error
	List(ctx context.Context) ([]*models.StashEntry, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Put stores e, assigning an id when it has none.
func (r *SQLiteRepository) Put(ctx context.Context, e *models.StashEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	local, err := json.Marshal(e.Local)
	if err != nil {
		return fmt.Errorf("failed to encode stash entry: %w", err)
	}
	var remote any
	if e.Remote != nil {
		b, err := json.Marshal(e.Remote)
		if err != nil {
			return fmt.Errorf("failed to encode stash entry: %w", err)
		}
		remote = string(b)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO merge_stash (id, tbl, record_id, data, remote, stashed_at) VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Table, e.RecordID, string(local), remote, dbx.UnixNano(e.StashedAt))
	if err != nil {
		return fmt.Errorf("failed to stash %s/%s: %w", e.Table, e.RecordID, err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*models.StashEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tbl, record_id, data, remote, stashed_at FROM merge_stash ORDER BY stashed_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stash: %w", err)
	}
	defer rows.Close()

	var result []*models.StashEntry
	for rows.Next() {
		var (
			e         models.StashEntry
			local     string
			remote    sql.NullString
			stashedAt int64
		)
		if err := rows.Scan(&e.ID, &e.Table, &e.RecordID, &local, &remote, &stashedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stash entry: %w", err)
		}
		if err := json.Unmarshal([]byte(local), &e.Local); err != nil {
			return nil, fmt.Errorf("failed to decode stash entry %s: %w", e.ID, err)
		}
		if remote.Valid {
			if err := json.Unmarshal([]byte(remote.String), &e.Remote); err != nil {
				return nil, fmt.Errorf("failed to decode stash entry %s: %w", e.ID, err)
			}
		}
		e.StashedAt = dbx.FromUnixNano(stashedAt)
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stash: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM merge_stash WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete stash entry %s: %w", id, err)
	}
	return dbx.ExpectAffected(res)
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM merge_stash`); err != nil {
		return fmt.Errorf("failed to clear stash: %w", err)
	}
	return nil
}
