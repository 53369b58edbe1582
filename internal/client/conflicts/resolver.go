package conflicts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/observations"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/pending"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/records"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/stash"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/google/uuid"
)

var (
	ErrIncompleteResolutions = errors.New("every conflict in the batch needs a resolution")
	ErrUnknownConflict       = errors.New("unknown conflict")
	ErrUnsupportedResolution = errors.New("resolution not supported here")
)

// Stores are the local repositories a resolution touches, bound to one
// transaction.
type Stores struct {
	Pending pending.Repository
	Records records.Repository
	Stash   stash.Repository
	// Observations is optional; resolved records drop their persisted
	// remote state.
	Observations observations.Repository
}

// TxRunner runs fn atomically.
type TxRunner func(ctx context.Context, fn func(ctx context.Context, s Stores) error) error

// SQLiteTx binds the SQLite repositories to a transaction on db.
func SQLiteTx(db *sql.DB) TxRunner {
	return func(ctx context.Context, fn func(ctx context.Context, s Stores) error) error {
		return dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			return fn(ctx, Stores{
				Pending:      pending.NewSQLiteRepository(tx),
				Records:      records.NewSQLiteRepository(tx),
				Stash:        stash.NewSQLiteRepository(tx),
				Observations: observations.NewSQLiteRepository(tx),
			})
		})
	}
}

type ResolverOptions struct {
	// OnResolved runs after a batch was applied, typically to trigger a sync.
	OnResolved func()
	Now        func() time.Time
	NewID      func() string
	Logger     logging.Logger
}

// Resolver holds the current conflict batch. Items are keyed by the id of
// the diverted pending change and resolved exactly once.
type Resolver struct {
	tx         TxRunner
	det        *Detector
	onResolved func()
	now        func() time.Time
	newID      func() string
	log        logging.Logger

	// apply serializes batch applications.
	apply sync.Mutex

	mu    sync.Mutex
	items map[string]models.ConflictItem
	order []string
}

func NewResolver(tx TxRunner, det *Detector, opts ResolverOptions) *Resolver {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Resolver{
		tx:         tx,
		det:        det,
		onResolved: opts.OnResolved,
		now:        opts.Now,
		newID:      opts.NewID,
		log:        opts.Logger.With("module", "conflicts"),
		items:      map[string]models.ConflictItem{},
	}
}

// Add puts item into the batch. Re-adding a known id refreshes the remote
// side only.
func (r *Resolver) Add(item models.ConflictItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[item.ID]; !ok {
		r.order = append(r.order, item.ID)
	}
	r.items[item.ID] = item
}

// Batch returns the unresolved conflicts in detection order.
func (r *Resolver) Batch() []models.ConflictItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ConflictItem, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.items[id])
	}
	return out
}

func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Has reports whether the pending change id is parked in the batch.
func (r *Resolver) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.items[id]
	return ok
}

// Blocks reports whether a record has an unresolved conflict.
func (r *Resolver) Blocks(table, recordID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.Table == table && it.RecordID == recordID {
			return true
		}
	}
	return false
}

func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = map[string]models.ConflictItem{}
	r.order = nil
}

// ResolveAll applies Local or Remote to every item of the batch.
func (r *Resolver) ResolveAll(ctx context.Context, res models.Resolution) error {
	if res != models.ResolveLocal && res != models.ResolveRemote {
		return fmt.Errorf("%w: %s for all conflicts", ErrUnsupportedResolution, res)
	}
	all := map[string]models.Resolution{}
	for _, it := range r.Batch() {
		all[it.ID] = res
	}
	return r.ApplyResolutions(ctx, all)
}

// ApplyResolutions applies one resolution per item of the current batch.
// Nothing is changed unless every item has a valid resolution.
func (r *Resolver) ApplyResolutions(ctx context.Context, resolutions map[string]models.Resolution) error {
	r.apply.Lock()
	defer r.apply.Unlock()

	batch := r.Batch()
	if len(batch) == 0 && len(resolutions) == 0 {
		return nil
	}

	known := make(map[string]struct{}, len(batch))
	for _, it := range batch {
		known[it.ID] = struct{}{}
	}
	for id := range resolutions {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownConflict, id)
		}
	}
	for _, it := range batch {
		res, ok := resolutions[it.ID]
		if !ok {
			return fmt.Errorf("%w: %d of %d resolved", ErrIncompleteResolutions, len(resolutions), len(batch))
		}
		if _, err := models.ParseResolution(string(res)); err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedResolution, err)
		}
	}

	err := r.tx(ctx, func(ctx context.Context, s Stores) error {
		for _, it := range batch {
			if err := r.applyOne(ctx, s, it, resolutions[it.ID]); err != nil {
				return fmt.Errorf("failed to resolve %s/%s: %w", it.Table, it.RecordID, err)
			}
			if s.Observations != nil {
				if err := s.Observations.Delete(ctx, it.Table, it.RecordID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, it := range batch {
		delete(r.items, it.ID)
		r.det.Forget(it.Table, it.RecordID)
	}
	remaining := r.order[:0]
	for _, id := range r.order {
		if _, ok := r.items[id]; ok {
			remaining = append(remaining, id)
		}
	}
	r.order = remaining
	r.mu.Unlock()

	r.log.Info(ctx, "conflicts resolved", "count", len(batch))
	if r.onResolved != nil {
		r.onResolved()
	}
	return nil
}

func (r *Resolver) applyOne(ctx context.Context, s Stores, it models.ConflictItem, res models.Resolution) error {
	change, err := s.Pending.Get(ctx, it.ID)
	if err != nil {
		return err
	}

	switch res {
	case models.ResolveLocal:
		return r.keepLocal(ctx, s, it, change)
	case models.ResolveRemote:
		return r.takeRemote(ctx, s, it)
	case models.ResolveBoth:
		if err := r.takeRemote(ctx, s, it); err != nil {
			return err
		}
		if change.Operation == models.OpDelete {
			return nil
		}
		return r.copyLocal(ctx, s, it)
	case models.ResolveMerge:
		if err := r.takeRemote(ctx, s, it); err != nil {
			return err
		}
		return s.Stash.Put(ctx, &models.StashEntry{
			Table:     it.Table,
			RecordID:  it.RecordID,
			Local:     it.Local.Content,
			Remote:    it.Remote.Content,
			StashedAt: r.now(),
		})
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedResolution, res)
}

// keepLocal lets the queued change proceed. An update cannot apply to a
// record the server no longer has, so it becomes an insert of the full
// local snapshot; a delete of an already deleted record is dropped.
func (r *Resolver) keepLocal(ctx context.Context, s Stores, it models.ConflictItem, change *models.PendingChange) error {
	if !it.RemoteDeleted() {
		return nil
	}
	switch change.Operation {
	case models.OpUpdate:
		return s.Pending.Rewrite(ctx, change.ID, models.OpInsert, it.Local.Content.Without("id"))
	case models.OpDelete:
		return s.Pending.Remove(ctx, change.ID)
	}
	return nil
}

// takeRemote drops every queued change of the record and makes the replica
// match the server.
func (r *Resolver) takeRemote(ctx context.Context, s Stores, it models.ConflictItem) error {
	if _, err := s.Pending.RemoveForRecord(ctx, it.Table, it.RecordID); err != nil {
		return err
	}
	if it.RemoteDeleted() {
		return s.Records.MarkDeleted(ctx, it.Table, it.RecordID, it.Remote.UpdatedAt)
	}
	return s.Records.Upsert(ctx, &models.Record{
		Table:     it.Table,
		ID:        it.RecordID,
		Data:      it.Remote.Content,
		UpdatedAt: it.Remote.UpdatedAt,
		Device:    it.Remote.Device,
	})
}

// copyLocal re-creates the local content as a new record.
func (r *Resolver) copyLocal(ctx context.Context, s Stores, it models.ConflictItem) error {
	id := r.newID()
	data := it.Local.Content.Without("id")
	if err := s.Records.Upsert(ctx, &models.Record{Table: it.Table, ID: id, Data: data}); err != nil {
		return err
	}
	_, err := s.Pending.Enqueue(ctx, &models.PendingChange{
		Table:     it.Table,
		RecordID:  id,
		Operation: models.OpInsert,
		Payload:   data,
	})
	return err
}

// BuildItem describes the conflict between a diverted change and the
// remote state it would overwrite. local is the replica row, nil if gone.
func BuildItem(change *models.PendingChange, obs *Observation, local *models.Record) models.ConflictItem {
	entity, _ := models.EntityFor(change.Table)
	item := models.ConflictItem{
		ID:         change.ID,
		EntityType: entity,
		Table:      change.Table,
		RecordID:   change.RecordID,
		Local:      models.Version{UpdatedAt: change.EnqueuedAt},
		Remote:     models.Version{UpdatedAt: obs.UpdatedAt, Device: obs.Device},
	}
	if local != nil {
		item.Local.Content = local.Data.Clone()
	}
	if item.Local.Content == nil {
		item.Local.Content = change.Payload.Clone()
	}
	if obs.Snapshot != nil {
		item.Remote.Content = obs.Snapshot.Data.Clone()
	}

	title := titleOf(change.Table, item.Local.Content)
	if title == "" {
		title = titleOf(change.Table, item.Remote.Content)
	}
	if title == "" {
		title = change.RecordID
	}
	item.Title = title
	return item
}

func titleOf(table string, f models.Fields) string {
	if f == nil {
		return ""
	}
	p, err := models.Decode(table, f)
	if err != nil {
		return ""
	}
	return p.Title()
}
