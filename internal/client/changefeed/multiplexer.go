// Package changefeed fans the single per-session remote change stream out to
// per-table listeners.
//
// One subscription is opened per session and kept alive across transport
// drops; listeners registered with Subscribe survive reconnects. Local
// optimistic writes are announced through NotifyLocal so other views can
// refresh without waiting for the server echo.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/client/client"
	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/dmitrijs2005/gophvault/internal/client/retry"
	"github.com/dmitrijs2005/gophvault/internal/logging"
)

var ErrClosed = errors.New("change feed closed")

// Event is what listeners receive. Remote is nil for local notifications.
type Event struct {
	Table  string
	Remote *models.RemoteChangeEvent
}

func (e Event) Local() bool { return e.Remote == nil }

type Callback func(ctx context.Context, evt Event) error

// Observer sees every remote event before table listeners do.
type Observer func(ctx context.Context, evt models.RemoteChangeEvent)

type Source interface {
	Subscribe(ctx context.Context, since time.Time) (client.ChangeStream, error)
}

type Options struct {
	// Executor paces resubscription attempts.
	Executor *retry.Executor
	// OnResubscribe runs after the stream was re-established following a
	// drop. Missed events are replayed from Cursor by the server.
	OnResubscribe func()
	// Since is the stream position persisted by a previous session.
	Since  time.Time
	Logger logging.Logger
}

type Multiplexer struct {
	source        Source
	exec          *retry.Executor
	onResubscribe func()
	log           logging.Logger

	mu        sync.Mutex
	nextID    uint64
	listeners map[string]map[uint64]Callback
	observers []Observer
	started   bool
	cancel    context.CancelFunc

	// deliver is held for reading while events are dispatched and for
	// writing by Close, so nothing is delivered once Close returned.
	deliver sync.RWMutex
	closed  bool

	cursorMu sync.Mutex
	cursor   time.Time

	connected     atomic.Bool
	subscriptions atomic.Int64
	wg            sync.WaitGroup
}

func New(source Source, opts Options) *Multiplexer {
	if opts.Executor == nil {
		opts.Executor = retry.New(retry.WithShouldRetry(client.IsTransient))
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Multiplexer{
		source:        source,
		exec:          opts.Executor,
		onResubscribe: opts.OnResubscribe,
		log:           opts.Logger.With("module", "changefeed"),
		listeners:     map[string]map[uint64]Callback{},
		cursor:        opts.Since,
	}
}

// Cursor is the newest server timestamp seen on the stream. A resubscribe
// resumes from it so changes made while disconnected are replayed.
func (m *Multiplexer) Cursor() time.Time {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	return m.cursor
}

func (m *Multiplexer) advance(t time.Time) {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	if t.After(m.cursor) {
		m.cursor = t
	}
}

// Subscribe registers cb for events of table.
func (m *Multiplexer) Subscribe(table string, cb Callback) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	if m.listeners[table] == nil {
		m.listeners[table] = map[uint64]Callback{}
	}
	m.listeners[table][id] = cb

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners[table], id)
			if len(m.listeners[table]) == 0 {
				delete(m.listeners, table)
			}
		})
	}
}

// AddObserver registers an engine-internal observer of remote events.
func (m *Multiplexer) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// NotifyLocal tells the listeners of table that local data changed.
func (m *Multiplexer) NotifyLocal(ctx context.Context, table string) {
	m.dispatch(ctx, Event{Table: table})
}

// Connected reports whether the remote stream is currently open.
func (m *Multiplexer) Connected() bool { return m.connected.Load() }

// Subscriptions counts successful remote subscriptions, reconnects included.
func (m *Multiplexer) Subscriptions() int64 { return m.subscriptions.Load() }

// Start opens the remote subscription in the background. It fails only if
// the multiplexer was closed or already started.
func (m *Multiplexer) Start(ctx context.Context) error {
	m.deliver.RLock()
	closed := m.closed
	m.deliver.RUnlock()
	if closed {
		return ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("change feed already started")
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
	return nil
}

// Close stops the remote subscription and waits for in-flight deliveries.
// It must not be called from a callback.
func (m *Multiplexer) Close() {
	m.deliver.Lock()
	m.closed = true
	m.deliver.Unlock()

	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Multiplexer) run(ctx context.Context) {
	first := true
	for ctx.Err() == nil {
		out, err := retry.Execute(ctx, m.exec, func(ctx context.Context) (client.ChangeStream, error) {
			return m.source.Subscribe(ctx, m.Cursor())
		})
		if out.Aborted {
			return
		}
		if err != nil {
			m.log.Warn(ctx, "subscription failed, will retry", "error", err)
			if !sleep(ctx, m.exec.Options().MaxDelay) {
				return
			}
			continue
		}

		m.subscriptions.Add(1)
		m.connected.Store(true)
		if !first && m.onResubscribe != nil {
			m.onResubscribe()
		}
		first = false

		err = m.consume(ctx, out.Value)
		m.connected.Store(false)
		_ = out.Value.Close()
		if ctx.Err() != nil {
			return
		}
		m.log.Info(ctx, "change stream dropped, resubscribing", "error", err)
	}
}

func (m *Multiplexer) consume(ctx context.Context, s client.ChangeStream) error {
	for {
		evt, err := s.Recv()
		if err != nil {
			return err
		}
		m.dispatch(ctx, Event{Table: evt.Table, Remote: &evt})
		m.advance(evt.UpdatedAt)
	}
}

func (m *Multiplexer) dispatch(ctx context.Context, evt Event) {
	m.deliver.RLock()
	defer m.deliver.RUnlock()
	if m.closed {
		return
	}

	m.mu.Lock()
	observers := append([]Observer(nil), m.observers...)
	callbacks := make([]Callback, 0, len(m.listeners[evt.Table]))
	for _, cb := range m.listeners[evt.Table] {
		callbacks = append(callbacks, cb)
	}
	m.mu.Unlock()

	if evt.Remote != nil {
		for _, o := range observers {
			m.isolate(ctx, evt.Table, func() error {
				o(ctx, *evt.Remote)
				return nil
			})
		}
	}
	for _, cb := range callbacks {
		m.isolate(ctx, evt.Table, func() error { return cb(ctx, evt) })
	}
}

// isolate runs one callback so that its error or panic is logged and does
// not reach the others.
func (m *Multiplexer) isolate(ctx context.Context, table string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error(ctx, "listener panicked", "table", table, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		m.log.Warn(ctx, "listener failed", "table", table, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
