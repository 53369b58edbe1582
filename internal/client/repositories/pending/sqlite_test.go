package pending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/dmitrijs2005/gophvault/internal/client/storage"
	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.InitDatabase(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func change(op models.Operation, id string, payload models.Fields) *models.PendingChange {
	return &models.PendingChange{Table: "notes", RecordID: id, Operation: op, Payload: payload}
}

func TestEnqueue_AssignsIdentityAndOrder(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	c1 := change(models.OpInsert, "n1", models.Fields{"id": "n1", "title": "A"})
	id1, err := r.Enqueue(ctx, c1)
	require.NoError(t, err)
	require.NotEmpty(t, id1)
	require.False(t, c1.EnqueuedAt.IsZero())

	c2 := change(models.OpUpdate, "n1", models.Fields{"id": "n1", "title": "B"})
	_, err = r.Enqueue(ctx, c2)
	require.NoError(t, err)
	require.Greater(t, c2.Seq, c1.Seq)

	items, err := r.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, models.OpInsert, items[0].Operation)
	assert.Equal(t, models.OpUpdate, items[1].Operation)
	assert.Equal(t, "B", items[1].Payload.String("title"))
	assert.Nil(t, items[0].LastError)
}

func TestListPending_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")

	db, err := storage.InitDatabase(ctx, path)
	require.NoError(t, err)
	r := NewSQLiteRepository(db)

	var want []string
	for i := 0; i < 5; i++ {
		id, err := r.Enqueue(ctx, change(models.OpUpdate, fmt.Sprintf("n%d", i%2), models.Fields{"title": fmt.Sprint(i)}))
		require.NoError(t, err)
		want = append(want, id)
	}
	require.NoError(t, db.Close())

	db, err = storage.InitDatabase(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	items, err := NewSQLiteRepository(db).ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 5)
	for i, it := range items {
		assert.Equal(t, want[i], it.ID)
		assert.Equal(t, fmt.Sprint(i), it.Payload.String("title"))
	}
}

func TestRecordFailure_IncrementsAndKeepsExhausted(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	id, err := r.Enqueue(ctx, change(models.OpDelete, "n1", models.Fields{"id": "n1"}))
	require.NoError(t, err)

	for i := 0; i < models.MaxQueueRetries; i++ {
		require.NoError(t, r.RecordFailure(ctx, id, errors.New("server unavailable")))
	}

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.MaxQueueRetries, got.Retries)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "server unavailable", *got.LastError)
	assert.True(t, got.Exhausted())

	items, err := r.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1, "exhausted changes stay listed")

	require.NoError(t, r.ResetRetries(ctx, id))
	got, err = r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Retries)
	assert.Nil(t, got.LastError)
}

func TestRecordFailure_Missing(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))

	err := r.RecordFailure(context.Background(), "nope", errors.New("x"))
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestRemove_AndCount(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	id, err := r.Enqueue(ctx, change(models.OpInsert, "n1", models.Fields{"id": "n1"}))
	require.NoError(t, err)
	_, err = r.Enqueue(ctx, &models.PendingChange{Table: "links", RecordID: "l1", Operation: models.OpInsert, Payload: models.Fields{"url": "u"}})
	require.NoError(t, err)

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, r.Remove(ctx, id))
	require.NoError(t, r.Remove(ctx, id), "second remove is a no-op")

	n, err = r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = r.Get(ctx, id)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestRecordScopedOperations(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	first := change(models.OpUpdate, "n1", models.Fields{"title": "A"})
	first.BaseVersion = base
	_, err := r.Enqueue(ctx, first)
	require.NoError(t, err)
	_, err = r.Enqueue(ctx, change(models.OpUpdate, "n1", models.Fields{"title": "B"}))
	require.NoError(t, err)
	_, err = r.Enqueue(ctx, change(models.OpUpdate, "n2", models.Fields{"title": "C"}))
	require.NoError(t, err)

	has, err := r.HasPending(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.True(t, has)

	items, err := r.ListForRecord(ctx, "notes", "n1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, base.Equal(items[0].BaseVersion))

	require.NoError(t, r.Rewrite(ctx, items[0].ID, models.OpInsert, models.Fields{"id": "n1", "title": "A"}))
	got, err := r.Get(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpInsert, got.Operation)
	assert.Equal(t, items[0].Seq, got.Seq, "rewrite keeps the queue position")

	removed, err := r.RemoveForRecord(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	has, err = r.HasPending(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, r.Clear(ctx))
	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDBErrorsWrapped(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()
	require.NoError(t, db.Close())

	_, err := r.Enqueue(ctx, change(models.OpInsert, "n1", nil))
	require.ErrorContains(t, err, "failed to enqueue change")

	_, err = r.ListPending(ctx)
	require.ErrorContains(t, err, "failed to list changes")

	_, err = r.Count(ctx)
	require.ErrorContains(t, err, "failed to count changes")

	require.ErrorContains(t, r.Remove(ctx, "x"), "failed to remove change x")
}
