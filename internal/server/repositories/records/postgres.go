package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
)

const columns = `user_id, table_name, id, data, updated_at, device, deleted`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.Record, error) {
	var (
		rec  models.Record
		data []byte
	)
	if err := s.Scan(&rec.UserID, &rec.Table, &rec.ID, &data, &rec.UpdatedAt, &rec.Device, &rec.Deleted); err != nil {
		return nil, err
	}
	rec.Data = data
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func (r *PostgresRepository) get(ctx context.Context, query, userID, table, id string) (*models.Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, userID, table, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) Get(ctx context.Context, userID, table, id string) (*models.Record, error) {
	query := `SELECT ` + columns + ` FROM records
		WHERE user_id = $1 AND table_name = $2 AND id = $3`
	return r.get(ctx, query, userID, table, id)
}

func (r *PostgresRepository) GetForUpdate(ctx context.Context, userID, table, id string) (*models.Record, error) {
	query := `SELECT ` + columns + ` FROM records
		WHERE user_id = $1 AND table_name = $2 AND id = $3
		FOR UPDATE`
	return r.get(ctx, query, userID, table, id)
}

func (r *PostgresRepository) Save(ctx context.Context, rec *models.Record) error {
	query := `
		INSERT INTO records (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, table_name, id)
		DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at,
			device = EXCLUDED.device,
			deleted = EXCLUDED.deleted
	`
	data := []byte(rec.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}
	res, err := r.db.ExecContext(ctx, query,
		rec.UserID, rec.Table, rec.ID, data, rec.UpdatedAt, rec.Device, rec.Deleted)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return dbx.ExpectAffected(res)
}

func (r *PostgresRepository) SelectChanged(ctx context.Context, userID string, tables []string, since time.Time) ([]*models.Record, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + columns + ` FROM records WHERE user_id = $1 AND updated_at > $2`)
	args := []any{userID, since}

	if since.IsZero() {
		b.WriteString(` AND NOT deleted`)
	}
	if len(tables) > 0 {
		ph := make([]string, len(tables))
		for i, t := range tables {
			args = append(args, t)
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		b.WriteString(` AND table_name IN (` + strings.Join(ph, ", ") + `)`)
	}
	b.WriteString(` ORDER BY updated_at, table_name, id`)

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select records: %w", err)
	}
	defer rows.Close()

	var result []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
