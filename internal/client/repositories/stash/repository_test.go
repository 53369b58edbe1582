package stash

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/dmitrijs2005/gophvault/internal/client/storage"
	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStash_PutListDelete(t *testing.T) {
	ctx := context.Background()
	db, err := storage.InitDatabase(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	r := NewSQLiteRepository(db)

	first := &models.StashEntry{
		Table: "notes", RecordID: "n1",
		Local:     models.Fields{"title": "mine"},
		Remote:    models.Fields{"title": "theirs"},
		StashedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	second := &models.StashEntry{
		Table: "links", RecordID: "l1",
		Local:     models.Fields{"url": "https://example.org"},
		StashedAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, r.Put(ctx, first))
	require.NoError(t, r.Put(ctx, second))
	require.NotEmpty(t, first.ID)

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "n1", list[0].RecordID)
	assert.Equal(t, "mine", list[0].Local.String("title"))
	assert.Equal(t, "theirs", list[0].Remote.String("title"))
	assert.Nil(t, list[1].Remote)

	require.NoError(t, r.Delete(ctx, first.ID))
	require.ErrorIs(t, r.Delete(ctx, first.ID), common.ErrorNotFound)

	require.NoError(t, r.Clear(ctx))
	list, err = r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
