// Package connectivity tracks whether the vault server is reachable and
// signals recovery.
//
// The state changes either from the periodic Ping probe run by Run or from
// an explicit SetOnline call, e.g. after an RPC failed as unavailable. Every
// change is published to Subscribe callbacks at once. Reconnect callbacks
// are debounced instead: they fire once per offline→online transition that
// stays online for the whole debounce window.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/client/client"
	"github.com/dmitrijs2005/gophvault/internal/logging"
)

// Transition is one change of the online flag.
type Transition struct {
	Online bool
	At     time.Time
}

type Prober interface {
	Ping(ctx context.Context) error
}

type Options struct {
	CheckInterval time.Duration
	Debounce      time.Duration
	Logger        logging.Logger
}

type Monitor struct {
	prober   Prober
	interval time.Duration
	debounce time.Duration
	log      logging.Logger

	mu         sync.Mutex
	online     bool
	nextID     int
	listeners  map[int]func(Transition)
	reconnects map[int]func()
	timer      *time.Timer
	// gen invalidates debounce timers that already fired but lost the race
	// against a newer transition.
	gen uint64
}

func New(prober Prober, opts Options) *Monitor {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 3 * time.Second
	}
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Monitor{
		prober:     prober,
		interval:   opts.CheckInterval,
		debounce:   opts.Debounce,
		log:        opts.Logger.With("module", "connectivity"),
		listeners:  map[int]func(Transition){},
		reconnects: map[int]func(){},
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for every transition.
func (m *Monitor) Subscribe(fn func(Transition)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// OnReconnect registers fn for debounced recoveries.
func (m *Monitor) OnReconnect(fn func()) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.reconnects[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.reconnects, id)
		m.mu.Unlock()
	}
}

// SetOnline records the reachability observed by the caller.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if online {
		gen := m.gen
		m.timer = time.AfterFunc(m.debounce, func() { m.fireReconnect(gen) })
	}
	tr := Transition{Online: online, At: time.Now()}
	listeners := make([]func(Transition), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.log.Info(context.Background(), "connectivity changed", "online", online)
	for _, fn := range listeners {
		m.safeCall(func() { fn(tr) })
	}
}

func (m *Monitor) fireReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.online {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	fns := make([]func(), 0, len(m.reconnects))
	for _, fn := range m.reconnects {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		m.safeCall(fn)
	}
}

func (m *Monitor) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error(context.Background(), "connectivity callback panicked", "panic", r)
		}
	}()
	fn()
}

// Probe pings the server once and updates the state. Only transport
// failures count as offline; an auth error still proves reachability.
func (m *Monitor) Probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	err := m.prober.Ping(pctx)
	if ctx.Err() != nil {
		return
	}

	switch {
	case err == nil:
		m.SetOnline(true)
	case client.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		m.log.Debug(ctx, "probe failed", "error", err)
		m.SetOnline(false)
	default:
		m.SetOnline(true)
	}
}

// Run probes immediately and then every CheckInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer m.stopTimer()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

func (m *Monitor) stopTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
