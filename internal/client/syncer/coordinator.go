// Package syncer drains the pending-change queue against the server.
//
// A Coordinator runs drain cycles; at most one cycle is active at a time.
// A Scheduler funnels every trigger source (interval timer, reconnect,
// login, explicit request) into the coordinator's single entry point.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/client/client"
	"github.com/dmitrijs2005/gophvault/internal/client/conflicts"
	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/blobs"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/pending"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/records"
	"github.com/dmitrijs2005/gophvault/internal/client/retry"
	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/logging"
)

// Remote is the part of the server API a drain cycle writes through.
type Remote interface {
	Create(ctx context.Context, table, id string, data models.Fields) (*models.Snapshot, error)
	Update(ctx context.Context, table, id string, fields models.Fields) (*models.Snapshot, error)
	Delete(ctx context.Context, table, id string) error
	PresignUpload(ctx context.Context, table, id, contentType string) (key string, url string, err error)
}

// Connectivity is satisfied by *connectivity.Monitor.
type Connectivity interface {
	IsOnline() bool
	SetOnline(online bool)
}

// LocalNotifier is satisfied by *changefeed.Multiplexer.
type LocalNotifier interface {
	NotifyLocal(ctx context.Context, table string)
}

type Stores struct {
	Pending  pending.Repository
	Records  records.Repository
	Metadata metadata.Repository
	// Blobs is optional; without it attachments are not uploaded.
	Blobs blobs.Repository
}

// State is the sync status shown to the user.
type State struct {
	Online         bool
	Syncing        bool
	PendingChanges int
	LastSyncTime   time.Time
}

type Options struct {
	Executor *retry.Executor
	Detector *conflicts.Detector
	Resolver *conflicts.Resolver
	Feed     LocalNotifier
	Notifier Notifier
	// Authenticated reports whether the session holds credentials.
	Authenticated func() bool
	// OnStateChange is called after the pending count or the syncing flag
	// changed.
	OnStateChange func(State)
	Uploader      Uploader
	Now           func() time.Time
	Logger        logging.Logger
}

// dispatchFunc writes one queued change to the server. It returns the
// server snapshot for inserts and updates.
type dispatchFunc func(ctx context.Context, r Remote, c *models.PendingChange) (*models.Snapshot, error)

var dispatch = map[models.Operation]dispatchFunc{
	models.OpInsert: func(ctx context.Context, r Remote, c *models.PendingChange) (*models.Snapshot, error) {
		return r.Create(ctx, c.Table, c.RecordID, c.Payload.Without("id"))
	},
	models.OpUpdate: func(ctx context.Context, r Remote, c *models.PendingChange) (*models.Snapshot, error) {
		return r.Update(ctx, c.Table, c.RecordID, c.Payload.Without("id"))
	},
	models.OpDelete: func(ctx context.Context, r Remote, c *models.PendingChange) (*models.Snapshot, error) {
		return nil, r.Delete(ctx, c.Table, c.RecordID)
	},
}

var errUnknownOperation = errors.New("unknown operation")

type Coordinator struct {
	remote   Remote
	online   Connectivity
	stores   Stores
	exec     *retry.Executor
	det      *conflicts.Detector
	resolver *conflicts.Resolver
	feed     LocalNotifier
	notifier Notifier
	authed   func() bool
	onState  func(State)
	upload   Uploader
	now      func() time.Time
	log      logging.Logger

	syncing atomic.Bool
	pending atomic.Int64

	mu       sync.Mutex
	lastSync time.Time
}

func NewCoordinator(remote Remote, online Connectivity, stores Stores, opts Options) *Coordinator {
	if opts.Executor == nil {
		opts.Executor = retry.New(retry.WithShouldRetry(client.IsTransient))
	}
	if opts.Detector == nil {
		opts.Detector = conflicts.NewDetector("")
	}
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(context.Context, Summary) {})
	}
	if opts.Authenticated == nil {
		opts.Authenticated = func() bool { return true }
	}
	if opts.Uploader == nil {
		opts.Uploader = HTTPUploader
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Coordinator{
		remote:   remote,
		online:   online,
		stores:   stores,
		exec:     opts.Executor,
		det:      opts.Detector,
		resolver: opts.Resolver,
		feed:     opts.Feed,
		notifier: opts.Notifier,
		authed:   opts.Authenticated,
		onState:  opts.OnStateChange,
		upload:   opts.Uploader,
		now:      opts.Now,
		log:      opts.Logger.With("module", "syncer"),
	}
}

func (c *Coordinator) IsSyncing() bool { return c.syncing.Load() }

func (c *Coordinator) PendingChanges() int { return int(c.pending.Load()) }

func (c *Coordinator) LastSyncTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSync
}

func (c *Coordinator) State() State {
	return State{
		Online:         c.online.IsOnline(),
		Syncing:        c.IsSyncing(),
		PendingChanges: c.PendingChanges(),
		LastSyncTime:   c.LastSyncTime(),
	}
}

// Load restores the last sync time and the pending count from the local
// store.
func (c *Coordinator) Load(ctx context.Context) error {
	t, err := metadata.GetTime(ctx, c.stores.Metadata, metadata.KeyLastSyncTime)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastSync = t
	c.mu.Unlock()
	return c.RefreshPending(ctx)
}

// RefreshPending recomputes the pending count from the queue.
func (c *Coordinator) RefreshPending(ctx context.Context) error {
	n, err := c.stores.Pending.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending changes: %w", err)
	}
	if c.pending.Swap(int64(n)) != int64(n) {
		c.publish()
	}
	return nil
}

// NotifyChange announces a local optimistic write to table listeners.
func (c *Coordinator) NotifyChange(ctx context.Context, table string) {
	if c.feed != nil {
		c.feed.NotifyLocal(ctx, table)
	}
}

func (c *Coordinator) publish() {
	if c.onState != nil {
		c.onState(c.State())
	}
}

// TriggerSync runs one drain cycle. It returns immediately, without error,
// when offline, unauthenticated, or while another cycle is running.
func (c *Coordinator) TriggerSync(ctx context.Context) error {
	if !c.online.IsOnline() || !c.authed() {
		return nil
	}
	if !c.syncing.CompareAndSwap(false, true) {
		return nil
	}
	c.publish()
	defer func() {
		c.syncing.Store(false)
		c.publish()
	}()

	sum, err := c.drain(ctx)
	if err != nil {
		c.log.Error(ctx, "drain failed", "error", err)
		_ = c.stores.Metadata.Set(ctx, metadata.KeyLastSyncError, []byte(err.Error()))
		return err
	}
	if !sum.Empty() {
		c.log.Info(ctx, "drain finished",
			"synced", sum.Synced, "failed", sum.Failed, "conflicts", sum.Conflicts,
			"deferred", sum.Deferred, "exhausted", sum.Exhausted)
		c.notifier.Notify(ctx, sum)
	}
	return nil
}

type recordKey struct {
	table, id string
}

func (c *Coordinator) drain(ctx context.Context) (Summary, error) {
	var sum Summary

	changes, err := c.stores.Pending.ListPending(ctx)
	if err != nil {
		return sum, fmt.Errorf("failed to read pending changes: %w", err)
	}

	// held records keep their later changes for the next cycle.
	held := map[recordKey]bool{}

	for _, ch := range changes {
		if ctx.Err() != nil {
			sum.Aborted = true
			break
		}
		k := recordKey{ch.Table, ch.RecordID}

		switch {
		case ch.Exhausted():
			sum.Exhausted++
			held[k] = true
			continue
		case held[k], c.resolver != nil && c.resolver.Blocks(ch.Table, ch.RecordID):
			sum.Deferred++
			held[k] = true
			continue
		}

		if obs, ok := c.det.Check(ch); ok && c.resolver != nil {
			c.divert(ctx, ch, obs)
			sum.Conflicts++
			held[k] = true
			continue
		}

		res, err := c.apply(ctx, ch)
		if err != nil {
			return sum, err
		}
		switch res {
		case applied:
			sum.Synced++
		case failed:
			sum.Failed++
			held[k] = true
		case diverted:
			sum.Conflicts++
			held[k] = true
		case disconnected:
			sum.Failed++
			sum.Disconnected = true
		case aborted:
			sum.Aborted = true
		}
		if sum.Aborted || sum.Disconnected {
			break
		}
	}

	if sum.Aborted {
		// logout or shutdown; the queue is left as it was
		return sum, nil
	}

	if c.stores.Blobs != nil && !sum.Disconnected {
		c.uploadBlobs(ctx, &sum)
	}

	if err := c.RefreshPending(ctx); err != nil {
		return sum, err
	}
	if err := c.markSynced(ctx); err != nil {
		return sum, err
	}
	return sum, nil
}

type applyResult int

const (
	applied applyResult = iota
	failed
	diverted
	// disconnected ends the cycle: the server stayed unreachable through the
	// whole retry envelope.
	disconnected
	aborted
)

// apply writes one change through the executor. The returned error is only
// set for local store failures, which end the cycle.
func (c *Coordinator) apply(ctx context.Context, ch *models.PendingChange) (applyResult, error) {
	fn, ok := dispatch[ch.Operation]
	if !ok {
		return c.fail(ctx, ch, fmt.Errorf("%w: %q", errUnknownOperation, ch.Operation))
	}

	out, err := retry.Execute(ctx, c.exec, func(ctx context.Context) (*models.Snapshot, error) {
		return fn(ctx, c.remote, ch)
	})
	if out.Aborted {
		return aborted, nil
	}
	if err != nil {
		if ch.Operation == models.OpUpdate && errors.Is(err, client.ErrNotFound) && c.resolver != nil {
			// the record was deleted remotely and the event was missed.
			c.divert(ctx, ch, &conflicts.Observation{
				Table:     ch.Table,
				RecordID:  ch.RecordID,
				UpdatedAt: c.now(),
			})
			return diverted, nil
		}
		res, ferr := c.fail(ctx, ch, err)
		if ferr == nil && errors.Is(err, client.ErrUnavailable) {
			c.online.SetOnline(false)
			res = disconnected
		}
		return res, ferr
	}

	if err := c.confirm(ctx, ch, out.Value); err != nil {
		return failed, err
	}
	return applied, nil
}

// confirm removes an applied change and records the server version on the
// replica.
func (c *Coordinator) confirm(ctx context.Context, ch *models.PendingChange, snap *models.Snapshot) error {
	if err := c.stores.Pending.Remove(ctx, ch.ID); err != nil {
		return fmt.Errorf("failed to remove applied change %s: %w", ch.ID, err)
	}

	var err error
	switch {
	case ch.Operation == models.OpDelete:
		err = c.stores.Records.MarkDeleted(ctx, ch.Table, ch.RecordID, c.now())
	case snap != nil:
		err = c.stores.Records.SetVersion(ctx, ch.Table, ch.RecordID, snap.UpdatedAt, snap.Device)
		if errors.Is(err, common.ErrorNotFound) {
			// deleted locally after the change was queued
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("failed to update replica for %s/%s: %w", ch.Table, ch.RecordID, err)
	}
	return nil
}

func (c *Coordinator) fail(ctx context.Context, ch *models.PendingChange, cause error) (applyResult, error) {
	c.log.Warn(ctx, "change not applied",
		"table", ch.Table, "record", ch.RecordID, "operation", ch.Operation,
		"retries", ch.Retries+1, "error", cause)
	if err := c.stores.Pending.RecordFailure(ctx, ch.ID, cause); err != nil {
		return failed, fmt.Errorf("failed to record failure of %s: %w", ch.ID, err)
	}
	return failed, nil
}

// divert parks ch in the conflict batch instead of applying it.
func (c *Coordinator) divert(ctx context.Context, ch *models.PendingChange, obs *conflicts.Observation) {
	local, err := c.stores.Records.Get(ctx, ch.Table, ch.RecordID)
	if err != nil {
		if !errors.Is(err, common.ErrorNotFound) {
			c.log.Warn(ctx, "failed to read local record for conflict", "error", err)
		}
		local = nil
	}
	if local != nil && local.Deleted {
		local = nil
	}
	item := conflicts.BuildItem(ch, obs, local)
	c.resolver.Add(item)
	c.log.Info(ctx, "conflict detected",
		"table", ch.Table, "record", ch.RecordID, "remote_deleted", item.RemoteDeleted())
}

func (c *Coordinator) markSynced(ctx context.Context) error {
	now := c.now()
	if err := metadata.SetTime(ctx, c.stores.Metadata, metadata.KeyLastSyncTime, now); err != nil {
		return fmt.Errorf("failed to store last sync time: %w", err)
	}
	_ = c.stores.Metadata.Delete(ctx, metadata.KeyLastSyncError)

	c.mu.Lock()
	c.lastSync = now
	c.mu.Unlock()
	c.publish()
	return nil
}
