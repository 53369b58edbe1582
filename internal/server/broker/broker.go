// Package broker fans committed change events out to the open change
// streams of their owner. Each stream has a bounded buffer; a stream that
// falls behind is closed with ErrSlowSubscriber instead of blocking writers,
// and its client catches up by resubscribing with a Since time.
package broker

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
)

var (
	ErrSlowSubscriber = errors.New("subscriber is too slow")
	ErrClosed         = errors.New("broker is closed")
)

type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
	log    logging.Logger
}

func New(buffer int, logger logging.Logger) *Broker {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Broker{
		subs:   map[string]map[*Subscription]struct{}{},
		buffer: buffer,
		log:    logger.With("module", "broker"),
	}
}

// Subscription is one open change stream. Events stay readable after Done
// is closed only until the buffer is drained; readers should stop on Done.
type Subscription struct {
	b      *Broker
	userID string
	tables []string
	events chan models.ChangeEvent
	done   chan struct{}
	err    error
}

func (s *Subscription) Events() <-chan models.ChangeEvent { return s.events }

func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended: ErrSlowSubscriber, ErrClosed or
// nil after Close.
func (s *Subscription) Err() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.err
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.dropLocked(s, nil)
}

func (s *Subscription) wants(table string) bool {
	return len(s.tables) == 0 || slices.Contains(s.tables, table)
}

// Subscribe opens a stream of userID's events, limited to tables when
// tables is not empty.
func (b *Broker) Subscribe(userID string, tables []string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	s := &Subscription{
		b:      b,
		userID: userID,
		tables: slices.Clone(tables),
		events: make(chan models.ChangeEvent, b.buffer),
		done:   make(chan struct{}),
	}
	if b.subs[userID] == nil {
		b.subs[userID] = map[*Subscription]struct{}{}
	}
	b.subs[userID][s] = struct{}{}
	return s, nil
}

// Publish hands evt to every matching stream of evt.UserID without
// blocking.
func (b *Broker) Publish(evt models.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs[evt.UserID] {
		if !s.wants(evt.Table) {
			continue
		}
		select {
		case s.events <- evt:
		default:
			b.log.Warn(context.Background(), "dropping slow subscriber", "user", evt.UserID, "buffer", b.buffer)
			b.dropLocked(s, ErrSlowSubscriber)
		}
	}
}

// Subscribers returns the number of open streams of userID.
func (b *Broker) Subscribers(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}

func (b *Broker) dropLocked(s *Subscription, reason error) {
	set, ok := b.subs[s.userID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.userID)
	}
	s.err = reason
	close(s.done)
}

// Close ends every stream with ErrClosed and refuses new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			b.dropLocked(s, ErrClosed)
		}
	}
}

// Run blocks until ctx is done and then closes the broker.
func (b *Broker) Run(ctx context.Context) error {
	<-ctx.Done()
	b.Close()
	return nil
}
