package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/gophvault/internal/client/conflicts"
	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/pending"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/records"
	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/filex"
	"github.com/dmitrijs2005/gophvault/internal/netx"
	"github.com/google/uuid"
)

var (
	ErrNoBlobs      = errors.New("records of this type have no attachments")
	ErrBlobNotSaved = errors.New("attachment has not been uploaded yet")
)

// downloadBlob is swapped in tests.
var downloadBlob = netx.DownloadFromPresignedURL

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrorNotFound)
}

// localTx runs fn with the replica and the queue bound to one transaction.
func (s *Session) localTx(ctx context.Context, fn func(ctx context.Context, recs records.Repository, queue pending.Repository) error) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, records.NewSQLiteRepository(tx), pending.NewSQLiteRepository(tx))
	})
}

// changed publishes a local write and asks for a sync.
func (s *Session) changed(ctx context.Context, table string) {
	if err := s.coord.RefreshPending(ctx); err != nil {
		s.log.Warn(ctx, "failed to refresh pending count", "error", err)
	}
	s.coord.NotifyChange(ctx, table)
	s.sched.Trigger()
}

// Create stores a new record locally and queues its upload.
func (s *Session) Create(ctx context.Context, table string, data models.Fields) (*models.Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	data = data.Without("id")
	if err := models.Validate(table, data); err != nil {
		return nil, err
	}

	rec := &models.Record{Table: table, ID: uuid.NewString(), Data: data}
	err := s.localTx(ctx, func(ctx context.Context, recs records.Repository, queue pending.Repository) error {
		if err := recs.Upsert(ctx, rec); err != nil {
			return err
		}
		_, err := queue.Enqueue(ctx, &models.PendingChange{
			Table:     table,
			RecordID:  rec.ID,
			Operation: models.OpInsert,
			Payload:   data.Clone(),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s record: %w", table, err)
	}

	s.changed(ctx, table)
	return rec, nil
}

// Update applies fields on top of the record and queues them.
func (s *Session) Update(ctx context.Context, table, id string, fields models.Fields) (*models.Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rec, err := s.Get(ctx, table, id)
	if err != nil {
		return nil, err
	}

	patch := fields.Without("id")
	rec.Data = rec.Data.Merge(patch)
	if err := models.Validate(table, rec.Data); err != nil {
		return nil, err
	}

	err = s.localTx(ctx, func(ctx context.Context, recs records.Repository, queue pending.Repository) error {
		if err := recs.Upsert(ctx, rec); err != nil {
			return err
		}
		_, err := queue.Enqueue(ctx, &models.PendingChange{
			Table:       table,
			RecordID:    id,
			Operation:   models.OpUpdate,
			Payload:     patch.Merge(models.Fields{"id": id}),
			BaseVersion: rec.UpdatedAt,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update %s/%s: %w", table, id, err)
	}

	s.changed(ctx, table)
	return rec, nil
}

// Delete tombstones the record locally and queues the remote delete.
func (s *Session) Delete(ctx context.Context, table, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	rec, err := s.Get(ctx, table, id)
	if err != nil {
		return err
	}

	err = s.localTx(ctx, func(ctx context.Context, recs records.Repository, queue pending.Repository) error {
		if err := recs.MarkDeleted(ctx, table, id, rec.UpdatedAt); err != nil {
			return err
		}
		_, err := queue.Enqueue(ctx, &models.PendingChange{
			Table:       table,
			RecordID:    id,
			Operation:   models.OpDelete,
			Payload:     models.Fields{"id": id},
			BaseVersion: rec.UpdatedAt,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
	}
	if err := s.blobs.Delete(ctx, table, id); err != nil {
		s.log.Warn(ctx, "failed to drop staged blob", "table", table, "record", id, "error", err)
	}

	s.changed(ctx, table)
	return nil
}

// Get returns a live record or common.ErrorNotFound.
func (s *Session) Get(ctx context.Context, table, id string) (*models.Record, error) {
	if _, err := models.EntityFor(table); err != nil {
		return nil, err
	}
	rec, err := s.records.Get(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, common.ErrorNotFound
	}
	return rec, nil
}

func (s *Session) List(ctx context.Context, table string) ([]*models.Record, error) {
	if _, err := models.EntityFor(table); err != nil {
		return nil, err
	}
	return s.records.List(ctx, table)
}

// Pending lists the queue including exhausted changes.
func (s *Session) Pending(ctx context.Context) ([]*models.PendingChange, error) {
	return s.pending.ListPending(ctx)
}

// RetryExhausted makes every exhausted change eligible again and returns
// how many were reset.
func (s *Session) RetryExhausted(ctx context.Context) (int, error) {
	all, err := s.pending.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range all {
		if !c.Exhausted() {
			continue
		}
		if err := s.pending.ResetRetries(ctx, c.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.sched.Trigger()
	}
	return n, nil
}

// MergeStash lists local versions kept by Merge resolutions.
func (s *Session) MergeStash(ctx context.Context) ([]*models.StashEntry, error) {
	return s.stash.List(ctx)
}

func (s *Session) DropStashEntry(ctx context.Context, id string) error {
	return s.stash.Delete(ctx, id)
}

// AttachBlob stages a local file for upload with a file or photo record.
// The upload runs with the next sync once the record exists remotely.
func (s *Session) AttachBlob(ctx context.Context, table, id, path string) (*models.Blob, error) {
	entity, err := models.EntityFor(table)
	if err != nil {
		return nil, err
	}
	if entity != models.EntityFile && entity != models.EntityPhoto {
		return nil, fmt.Errorf("%w: %s", ErrNoBlobs, table)
	}
	if _, err := s.Get(ctx, table, id); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := filex.ReadBlob(abs)
	if err != nil {
		return nil, err
	}

	b := &models.Blob{
		Table:       table,
		RecordID:    id,
		LocalPath:   abs,
		ContentType: data.ContentType,
		Size:        int64(len(data.Data)),
	}
	if err := s.blobs.CreateOrUpdate(ctx, b); err != nil {
		return nil, err
	}

	if entity == models.EntityFile {
		if _, err := s.Update(ctx, table, id, models.Fields{"mime_type": b.ContentType, "size": b.Size}); err != nil {
			return nil, err
		}
	} else {
		s.sched.Trigger()
	}
	return b, nil
}

// FetchBlob downloads the uploaded attachment of table/id into dest. It
// needs the server: blobs are not kept in the local replica.
func (s *Session) FetchBlob(ctx context.Context, table, id, dest string) (int64, error) {
	rec, err := s.Get(ctx, table, id)
	if err != nil {
		return 0, err
	}
	key := rec.Data.String("blob_key")
	if key == "" {
		return 0, fmt.Errorf("%w: %s/%s", ErrBlobNotSaved, table, id)
	}

	url, err := s.remote.PresignDownload(ctx, key)
	if err != nil {
		return 0, err
	}

	if err := filex.EnsureParentDir(dest); err != nil {
		return 0, err
	}
	f, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	n, err := downloadBlob(ctx, url, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return 0, err
	}
	return n, nil
}

// Conflicts returns the current conflict batch.
func (s *Session) Conflicts() []models.ConflictItem {
	return s.resolver.Batch()
}

func (s *Session) ApplyResolutions(ctx context.Context, resolutions map[string]models.Resolution) error {
	return s.resolver.ApplyResolutions(ctx, resolutions)
}

func (s *Session) ResolveAll(ctx context.Context, res models.Resolution) error {
	return s.resolver.ResolveAll(ctx, res)
}

// DiffConflict compares the text of both sides of a conflict line by line
// and renders the character-level differences.
func (s *Session) DiffConflict(id string) ([]conflicts.DiffLine, string, error) {
	for _, it := range s.resolver.Batch() {
		if it.ID != id {
			continue
		}
		local, remote := conflicts.ItemText(it)
		return conflicts.Diff(local, remote), conflicts.RenderDiff(local, remote), nil
	}
	return nil, "", fmt.Errorf("%w: %s", conflicts.ErrUnknownConflict, id)
}
