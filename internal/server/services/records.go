package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
	"github.com/dmitrijs2005/gophvault/internal/server/repositories/repomanager"
)

// Publisher receives change events after the write that caused them has
// committed.
type Publisher interface {
	Publish(evt models.ChangeEvent)
}

type RecordService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	publisher   Publisher
	now         func() time.Time

	// writers holds one lock per user stripe. A write keeps it from stamp to
	// publish, so events of one user are published in stamp order.
	writers [64]sync.Mutex
}

func NewRecordService(db *sql.DB, m repomanager.RepositoryManager, p Publisher) *RecordService {
	return &RecordService{db: db, repomanager: m, publisher: p, now: time.Now}
}

func validateKey(table, id string) error {
	if !models.ValidTable(table) {
		return fmt.Errorf("%w: %w %q", common.ErrorValidation, models.ErrUnknownTable, table)
	}
	if id == "" {
		return fmt.Errorf("%w: record id is required", common.ErrorValidation)
	}
	return nil
}

// decodeObject parses raw as a JSON object; empty input is an empty object.
func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return obj, nil
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: data must be a JSON object", common.ErrorValidation)
	}
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}
	return obj, nil
}

// lockWriter serializes the writes of userID within this process.
func (s *RecordService) lockWriter(userID string) func() {
	h := fnv.New32a()
	h.Write([]byte(userID))
	mu := &s.writers[h.Sum32()%uint32(len(s.writers))]
	mu.Lock()
	return mu.Unlock
}

// stamp returns the server time for a write from the user's change clock.
// Timestamps are kept at microsecond precision, as PostgreSQL stores them,
// and strictly increase per user. The clock row stays locked until tx
// ends, so a cursor taken from a delivered change never skips a write that
// commits later.
func (s *RecordService) stamp(ctx context.Context, tx dbx.DBTX, userID string) (time.Time, error) {
	t, err := s.repomanager.Users(tx).NextChangeTime(ctx, userID, s.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return time.Time{}, fmt.Errorf("change clock: %w", err)
	}
	return t.UTC(), nil
}

// lockExisting loads the current row under lock. A missing row is not an
// error: it returns nil.
func lockExisting(ctx context.Context, m repomanager.RepositoryManager, tx dbx.DBTX, userID, table, id string) (*models.Record, error) {
	rec, err := m.Records(tx).GetForUpdate(ctx, userID, table, id)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, nil
	}
	return rec, err
}

func (s *RecordService) publish(evt models.ChangeEvent) {
	if s.publisher != nil {
		s.publisher.Publish(evt)
	}
}

// Create stores data as the content of table/id. Replaying a create for a
// live record overwrites it, so a retried request is harmless. Creating
// over a tombstone brings the record back.
func (s *RecordService) Create(ctx context.Context, userID, device, table, id string, data json.RawMessage) (*models.Record, error) {
	if err := validateKey(table, id); err != nil {
		return nil, err
	}
	obj, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}

	defer s.lockWriter(userID)()

	var old, rec *models.Record
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		if old, err = lockExisting(ctx, s.repomanager, tx, userID, table, id); err != nil {
			return err
		}
		at, err := s.stamp(ctx, tx, userID)
		if err != nil {
			return err
		}
		rec = &models.Record{
			UserID: userID, Table: table, ID: id,
			Data: body, UpdatedAt: at, Device: device,
		}
		return s.repomanager.Records(tx).Save(ctx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", table, id, err)
	}

	evt := models.ChangeEvent{UserID: userID, Table: table, Type: models.EventInsert, New: rec, UpdatedAt: rec.UpdatedAt, Device: device}
	if old != nil && !old.Deleted {
		evt.Type = models.EventUpdate
		evt.Old = old
	}
	s.publish(evt)
	return rec, nil
}

// Update merges fields into the stored object key by key. Missing and
// deleted records yield common.ErrorNotFound.
func (s *RecordService) Update(ctx context.Context, userID, device, table, id string, fields json.RawMessage) (*models.Record, error) {
	if err := validateKey(table, id); err != nil {
		return nil, err
	}
	patch, err := decodeObject(fields)
	if err != nil {
		return nil, err
	}

	defer s.lockWriter(userID)()

	var old, rec *models.Record
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		if old, err = lockExisting(ctx, s.repomanager, tx, userID, table, id); err != nil {
			return err
		}
		if old == nil || old.Deleted {
			return common.ErrorNotFound
		}

		merged, err := decodeObject(old.Data)
		if err != nil {
			return fmt.Errorf("stored data is corrupt: %w", err)
		}
		for k, v := range patch {
			merged[k] = v
		}
		body, err := json.Marshal(merged)
		if err != nil {
			return err
		}

		at, err := s.stamp(ctx, tx, userID)
		if err != nil {
			return err
		}
		rec = &models.Record{
			UserID: userID, Table: table, ID: id,
			Data: body, UpdatedAt: at, Device: device,
		}
		return s.repomanager.Records(tx).Save(ctx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, err)
	}

	s.publish(models.ChangeEvent{
		UserID: userID, Table: table, Type: models.EventUpdate,
		New: rec, Old: old, UpdatedAt: rec.UpdatedAt, Device: device,
	})
	return rec, nil
}

// Delete turns the record into a tombstone and returns it. Deleting a
// missing or already deleted record succeeds with a nil record and
// publishes nothing.
func (s *RecordService) Delete(ctx context.Context, userID, device, table, id string) (*models.Record, error) {
	if err := validateKey(table, id); err != nil {
		return nil, err
	}

	defer s.lockWriter(userID)()

	var old, rec *models.Record
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		if old, err = lockExisting(ctx, s.repomanager, tx, userID, table, id); err != nil {
			return err
		}
		if old == nil || old.Deleted {
			return nil
		}
		at, err := s.stamp(ctx, tx, userID)
		if err != nil {
			return err
		}
		rec = &models.Record{
			UserID: userID, Table: table, ID: id,
			Data: json.RawMessage("{}"), UpdatedAt: at, Device: device, Deleted: true,
		}
		return s.repomanager.Records(tx).Save(ctx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	if rec == nil {
		return nil, nil
	}

	s.publish(models.ChangeEvent{
		UserID: userID, Table: table, Type: models.EventDelete,
		Old: old, UpdatedAt: rec.UpdatedAt, Device: device,
	})
	return rec, nil
}

// Changes returns one event per record of userID changed after since, in
// commit order. With the zero since every live record comes back as an
// insert. Later, live records come back as updates and tombstones as
// deletes.
func (s *RecordService) Changes(ctx context.Context, userID string, tables []string, since time.Time) ([]models.ChangeEvent, error) {
	for _, t := range tables {
		if !models.ValidTable(t) {
			return nil, fmt.Errorf("%w: %w %q", common.ErrorValidation, models.ErrUnknownTable, t)
		}
	}

	recs, err := s.repomanager.Records(s.db).SelectChanged(ctx, userID, tables, since)
	if err != nil {
		return nil, err
	}

	out := make([]models.ChangeEvent, 0, len(recs))
	for _, r := range recs {
		evt := models.ChangeEvent{UserID: userID, Table: r.Table, UpdatedAt: r.UpdatedAt, Device: r.Device}
		switch {
		case r.Deleted:
			evt.Type = models.EventDelete
			evt.Old = r
		case since.IsZero():
			evt.Type = models.EventInsert
			evt.New = r
		default:
			evt.Type = models.EventUpdate
			evt.New = r
		}
		out = append(out, evt)
	}
	return out, nil
}
