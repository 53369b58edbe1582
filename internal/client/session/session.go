// Package session owns the sync engine of one signed-in user.
//
// Open builds and starts every engine component (connectivity monitor,
// change feed, conflict detector and resolver, sync coordinator and
// scheduler) and Close tears them down again. Nothing outlives the
// session in memory: a later login starts from fresh components, the
// persisted queue and the remote changes observed for queued records.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/client/changefeed"
	"github.com/dmitrijs2005/gophvault/internal/client/client"
	"github.com/dmitrijs2005/gophvault/internal/client/config"
	"github.com/dmitrijs2005/gophvault/internal/client/conflicts"
	"github.com/dmitrijs2005/gophvault/internal/client/connectivity"
	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/blobs"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/observations"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/pending"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/records"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/stash"
	"github.com/dmitrijs2005/gophvault/internal/client/retry"
	"github.com/dmitrijs2005/gophvault/internal/client/syncer"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("session closed")

type Deps struct {
	DB     *sql.DB
	Remote client.Client
	Config *config.Config
	// Device is the identity stamped on this client's writes, as returned
	// by metadata.DeviceIdentity. It defaults to Config.DeviceName.
	Device   string
	Notifier syncer.Notifier
	// OnStateChange receives sync status updates.
	OnStateChange func(syncer.State)
	Logger        logging.Logger
}

type Session struct {
	user   string
	device string
	db     *sql.DB
	remote client.Client
	log    logging.Logger

	pending  *pending.SQLiteRepository
	records  *records.SQLiteRepository
	meta     *metadata.SQLiteRepository
	stash    *stash.SQLiteRepository
	blobs    *blobs.SQLiteRepository
	observed *observations.SQLiteRepository
	monitor  *connectivity.Monitor
	feed     *changefeed.Multiplexer
	det      *conflicts.Detector
	resolver *conflicts.Resolver
	coord    *syncer.Coordinator
	sched    *syncer.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	closed atomic.Bool
	once   sync.Once

	cursorMu sync.Mutex
	cursor   time.Time
}

// Open starts the engine for user. The remote client must already hold
// the user's tokens.
func Open(ctx context.Context, deps Deps, user string) (*Session, error) {
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{}
		cfg.LoadDefaults()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	s := &Session{
		user:     user,
		device:   deps.Device,
		db:       deps.DB,
		remote:   deps.Remote,
		log:      logger.With("module", "session", "user", user),
		pending:  pending.NewSQLiteRepository(deps.DB),
		records:  records.NewSQLiteRepository(deps.DB),
		meta:     metadata.NewSQLiteRepository(deps.DB),
		stash:    stash.NewSQLiteRepository(deps.DB),
		blobs:    blobs.NewSQLiteRepository(deps.DB),
		observed: observations.NewSQLiteRepository(deps.DB),
	}

	if s.device == "" {
		s.device = cfg.DeviceName
	}

	cursor, err := metadata.GetTime(ctx, s.meta, metadata.KeyEventCursor)
	if err != nil {
		return nil, fmt.Errorf("failed to read event cursor: %w", err)
	}
	s.cursor = cursor

	exec := retry.New(
		retry.WithMaxRetries(cfg.RetryMaxRetries),
		retry.WithInitialDelay(cfg.RetryInitialDelay),
		retry.WithMaxDelay(cfg.RetryMaxDelay),
		retry.WithShouldRetry(client.IsTransient),
		retry.WithLogger(logger),
	)

	s.monitor = connectivity.New(deps.Remote, connectivity.Options{
		CheckInterval: cfg.OnlineCheckInterval,
		Debounce:      cfg.ReconnectDebounce,
		Logger:        logger,
	})
	s.det = conflicts.NewDetector(s.device)
	if err := s.restoreObservations(ctx); err != nil {
		return nil, err
	}
	s.resolver = conflicts.NewResolver(conflicts.SQLiteTx(deps.DB), s.det, conflicts.ResolverOptions{
		OnResolved: func() {
			_ = s.coord.RefreshPending(s.ctx)
			s.sched.Trigger()
		},
		Logger: logger,
	})
	s.feed = changefeed.New(deps.Remote, changefeed.Options{
		Executor:      exec,
		OnResubscribe: func() { s.sched.Trigger() },
		Since:         cursor,
		Logger:        logger,
	})
	s.coord = syncer.NewCoordinator(deps.Remote, s.monitor, syncer.Stores{
		Pending:  s.pending,
		Records:  s.records,
		Metadata: s.meta,
		Blobs:    s.blobs,
	}, syncer.Options{
		Executor:      exec,
		Detector:      s.det,
		Resolver:      s.resolver,
		Feed:          s.feed,
		Notifier:      deps.Notifier,
		Authenticated: s.authenticated,
		OnStateChange: deps.OnStateChange,
		Logger:        logger,
	})
	s.sched = syncer.NewScheduler(s.coord, cfg.SyncInterval, logger)

	if err := s.coord.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	s.feed.AddObserver(s.observe)
	s.monitor.OnReconnect(s.sched.Trigger)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	if err := s.feed.Start(s.ctx); err != nil {
		s.cancel()
		return nil, err
	}

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		s.monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.sched.Run(gctx)
		return nil
	})
	s.group = g

	s.sched.Trigger()
	s.log.Info(ctx, "session opened", "device", s.device, "pending", s.coord.PendingChanges())
	return s, nil
}

func (s *Session) authenticated() bool {
	if s.closed.Load() {
		return false
	}
	access, _ := s.remote.Tokens()
	return access != ""
}

// Close stops the engine. In-flight retries end as aborted and no event is
// delivered after Close returns. Queued changes stay in the local store.
func (s *Session) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.feed.Close()
		s.cancel()
		_ = s.group.Wait()
		s.resolver.Reset()
		s.det.Reset()
		s.log.Info(context.Background(), "session closed")
	})
}

func (s *Session) User() string   { return s.user }
func (s *Session) Device() string { return s.device }

func (s *Session) IsOnline() bool          { return s.monitor.IsOnline() }
func (s *Session) IsSyncing() bool         { return s.coord.IsSyncing() }
func (s *Session) PendingChanges() int     { return s.coord.PendingChanges() }
func (s *Session) LastSyncTime() time.Time { return s.coord.LastSyncTime() }
func (s *Session) State() syncer.State     { return s.coord.State() }

// Subscribe registers cb for local and remote changes of table.
func (s *Session) Subscribe(table string, cb changefeed.Callback) (unsubscribe func()) {
	return s.feed.Subscribe(table, cb)
}

// OnConnectivity registers fn for online/offline transitions.
func (s *Session) OnConnectivity(fn func(connectivity.Transition)) (unsubscribe func()) {
	return s.monitor.Subscribe(fn)
}

// TriggerSync runs a drain cycle now and returns when it is done, or
// immediately when one is already running.
func (s *Session) TriggerSync(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if !s.monitor.IsOnline() {
		s.monitor.Probe(ctx)
	}
	return s.coord.TriggerSync(ctx)
}

func (s *Session) NotifyChange(ctx context.Context, table string) {
	s.coord.NotifyChange(ctx, table)
}

// restoreObservations loads the remote changes seen by earlier sessions for
// records that are still queued, so the first drain detects their conflicts
// even though the event cursor is already past them.
func (s *Session) restoreObservations(ctx context.Context) error {
	if _, err := s.observed.Prune(ctx); err != nil {
		return err
	}
	list, err := s.observed.List(ctx)
	if err != nil {
		return err
	}
	for _, o := range list {
		s.det.Restore(o)
	}
	return nil
}

// observe keeps the replica in step with the server. A record with queued
// local changes keeps its optimistic state; the detector decides later.
func (s *Session) observe(ctx context.Context, evt models.RemoteChangeEvent) {
	if obs := s.det.Observe(evt); obs != nil {
		if err := s.keepObservation(ctx, obs); err != nil {
			// the cursor stays put so a later replay delivers evt again
			s.log.Warn(ctx, "failed to store remote change", "table", evt.Table, "record", evt.RecordID(), "error", err)
			return
		}
	}
	if err := s.applyRemote(ctx, evt); err != nil {
		s.log.Warn(ctx, "failed to apply remote change", "table", evt.Table, "record", evt.RecordID(), "error", err)
	}
	s.advanceCursor(ctx, evt.UpdatedAt)
}

func (s *Session) keepObservation(ctx context.Context, obs *conflicts.Observation) error {
	queued, err := s.pending.HasPending(ctx, obs.Table, obs.RecordID)
	if err != nil || !queued {
		return err
	}
	return s.observed.Put(ctx, obs)
}

func (s *Session) applyRemote(ctx context.Context, evt models.RemoteChangeEvent) error {
	id := evt.RecordID()
	if id == "" {
		return nil
	}
	queued, err := s.pending.HasPending(ctx, evt.Table, id)
	if err != nil || queued {
		return err
	}

	cur, err := s.records.Get(ctx, evt.Table, id)
	switch {
	case err == nil:
		if !evt.UpdatedAt.After(cur.UpdatedAt) {
			return nil
		}
	case !isNotFound(err):
		return err
	}

	if evt.Type == models.OpDelete || evt.New == nil {
		return s.records.MarkDeleted(ctx, evt.Table, id, evt.UpdatedAt)
	}
	return s.records.Upsert(ctx, &models.Record{
		Table:     evt.Table,
		ID:        id,
		Data:      evt.New.Data,
		UpdatedAt: evt.UpdatedAt,
		Device:    evt.Device,
	})
}

func (s *Session) advanceCursor(ctx context.Context, t time.Time) {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	if !t.After(s.cursor) {
		return
	}
	if err := metadata.SetTime(ctx, s.meta, metadata.KeyEventCursor, t); err != nil {
		s.log.Warn(ctx, "failed to store event cursor", "error", err)
		return
	}
	s.cursor = t
}
