// Package clienttest provides an in-memory client.Client for tests.
package clienttest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/client/client"
	"github.com/dmitrijs2005/gophvault/internal/client/models"
)

// Method names used in call logs and failure injection.
const (
	MethodPing            = "Ping"
	MethodRegister        = "Register"
	MethodGetSalt         = "GetSalt"
	MethodLogin           = "Login"
	MethodCreate          = "Create"
	MethodUpdate          = "Update"
	MethodDelete          = "Delete"
	MethodSubscribe       = "Subscribe"
	MethodPresignUpload   = "PresignUpload"
	MethodPresignDownload = "PresignDownload"
)

type Call struct {
	Method string
	Table  string
	ID     string
	Fields models.Fields
}

type user struct {
	salt     []byte
	verifier []byte
}

// Fake behaves like a single-user server. Writes are stamped with a
// monotonic fake clock and echoed to open change streams, like the real
// server does.
type Fake struct {
	// Device is the device name stamped on writes made through the fake.
	Device string

	mu       sync.Mutex
	online   bool
	now      time.Time
	records  map[string]map[string]*models.Snapshot
	deleted  map[string]map[string]time.Time
	users    map[string]user
	access   string
	refresh  string
	failures map[string][]error
	failFn   func(method, table, id string) error
	calls    []Call
	streams  map[*Stream]struct{}
	subs     int
}

var _ client.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Device:   "this-device",
		online:   true,
		now:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		records:  map[string]map[string]*models.Snapshot{},
		deleted:  map[string]map[string]time.Time{},
		users:    map[string]user{},
		failures: map[string][]error{},
		streams:  map[*Stream]struct{}{},
	}
}

// SetOnline makes every call fail with client.ErrUnavailable while false.
// Going offline also drops open streams.
func (f *Fake) SetOnline(online bool) {
	f.mu.Lock()
	f.online = online
	f.mu.Unlock()
	if !online {
		f.DropStreams(fmt.Errorf("%w: connection lost", client.ErrUnavailable))
	}
}

// FailNext queues errors returned by the next calls of method, one per call.
func (f *Fake) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

// FailWith installs a hook consulted on every write; a non-nil result is
// returned instead of performing the call.
func (f *Fake) FailWith(fn func(method, table, id string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFn = fn
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount counts calls of method, failed ones included.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Subscriptions reports how many times Subscribe succeeded.
func (f *Fake) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs
}

// Record returns the stored state of a record.
func (f *Fake) Record(table, id string) (*models.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.records[table][id]
	if !ok {
		return nil, false
	}
	cp := *s
	cp.Data = s.Data.Clone()
	return &cp, true
}

// Now returns the fake server clock.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) tick() time.Time {
	f.now = f.now.Add(time.Millisecond)
	return f.now
}

// before records the call and decides whether it fails. Callers hold mu.
func (f *Fake) before(c Call) error {
	f.calls = append(f.calls, c)
	if !f.online {
		return fmt.Errorf("%w: offline", client.ErrUnavailable)
	}
	if q := f.failures[c.Method]; len(q) > 0 {
		f.failures[c.Method] = q[1:]
		if q[0] != nil {
			return q[0]
		}
	}
	if f.failFn != nil {
		return f.failFn(c.Method, c.Table, c.ID)
	}
	return nil
}

func (f *Fake) Close() error {
	f.DropStreams(errors.New("client closed"))
	return nil
}

func (f *Fake) Register(_ context.Context, username string, salt, verifier []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.before(Call{Method: MethodRegister}); err != nil {
		return err
	}
	if _, ok := f.users[username]; ok {
		return client.ErrAlreadyExists
	}
	f.users[username] = user{salt: salt, verifier: verifier}
	return nil
}

func (f *Fake) GetSalt(_ context.Context, username string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.before(Call{Method: MethodGetSalt}); err != nil {
		return nil, err
	}
	u, ok := f.users[username]
	if !ok {
		return []byte("unknown-user-salt"), nil
	}
	return u.salt, nil
}

func (f *Fake) Login(_ context.Context, username string, verifier []byte) error {
	f.mu.Lock()
	if err := f.before(Call{Method: MethodLogin}); err != nil {
		f.mu.Unlock()
		return err
	}
	u, ok := f.users[username]
	f.mu.Unlock()
	if !ok || string(u.verifier) != string(verifier) {
		return client.ErrUnauthorized
	}
	f.SetTokens("access-"+username, "refresh-"+username)
	return nil
}

func (f *Fake) Tokens() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access, f.refresh
}

func (f *Fake) SetTokens(access, refresh string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access, f.refresh = access, refresh
}

func (f *Fake) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.before(Call{Method: MethodPing})
}

func (f *Fake) Create(_ context.Context, table, id string, data models.Fields) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.before(Call{Method: MethodCreate, Table: table, ID: id, Fields: data.Clone()}); err != nil {
		return nil, err
	}
	return f.write(table, id, data.Clone(), f.Device), nil
}

func (f *Fake) Update(_ context.Context, table, id string, fields models.Fields) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.before(Call{Method: MethodUpdate, Table: table, ID: id, Fields: fields.Clone()}); err != nil {
		return nil, err
	}
	cur, ok := f.records[table][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", client.ErrNotFound, table, id)
	}
	return f.write(table, id, cur.Data.Merge(fields), f.Device), nil
}

func (f *Fake) Delete(_ context.Context, table, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.before(Call{Method: MethodDelete, Table: table, ID: id}); err != nil {
		return err
	}
	f.remove(table, id, f.Device)
	return nil
}

func (f *Fake) PresignUpload(_ context.Context, table, id, _ string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.before(Call{Method: MethodPresignUpload, Table: table, ID: id}); err != nil {
		return "", "", err
	}
	key := fmt.Sprintf("%s/%s", table, id)
	return key, "http://blobs.invalid/" + key, nil
}

func (f *Fake) PresignDownload(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.before(Call{Method: MethodPresignDownload, ID: key}); err != nil {
		return "", err
	}
	return "http://blobs.invalid/" + key, nil
}

// RemoteWrite stores data as if another device wrote it and notifies
// open streams.
func (f *Fake) RemoteWrite(table, id string, data models.Fields, device string) *models.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(table, id, data.Clone(), device)
}

// RemoteDelete deletes a record as if another device did it.
func (f *Fake) RemoteDelete(table, id, device string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remove(table, id, device)
}

func (f *Fake) write(table, id string, data models.Fields, device string) *models.Snapshot {
	if f.records[table] == nil {
		f.records[table] = map[string]*models.Snapshot{}
	}
	delete(f.deleted[table], id)
	old := f.records[table][id]
	snap := &models.Snapshot{ID: id, Data: data, UpdatedAt: f.tick(), Device: device}
	f.records[table][id] = snap

	evt := models.RemoteChangeEvent{Table: table, Type: models.OpInsert, New: copySnap(snap), UpdatedAt: snap.UpdatedAt, Device: device}
	if old != nil {
		evt.Type = models.OpUpdate
		evt.Old = copySnap(old)
	}
	f.broadcast(evt)
	return copySnap(snap)
}

func (f *Fake) remove(table, id, device string) {
	old, ok := f.records[table][id]
	if !ok {
		return
	}
	delete(f.records[table], id)
	ts := f.tick()
	if f.deleted[table] == nil {
		f.deleted[table] = map[string]time.Time{}
	}
	f.deleted[table][id] = ts
	f.broadcast(models.RemoteChangeEvent{Table: table, Type: models.OpDelete, Old: copySnap(old), UpdatedAt: ts, Device: device})
}

func copySnap(s *models.Snapshot) *models.Snapshot {
	cp := *s
	cp.Data = s.Data.Clone()
	return &cp
}

// Emit pushes an arbitrary event to every open stream.
func (f *Fake) Emit(evt models.RemoteChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast(evt)
}

func (f *Fake) broadcast(evt models.RemoteChangeEvent) {
	for s := range f.streams {
		select {
		case s.events <- evt:
		default:
			s.fail(fmt.Errorf("%w: subscriber too slow", client.ErrUnavailable))
			delete(f.streams, s)
		}
	}
}

// DropStreams ends every open stream with err, as a transport drop would.
func (f *Fake) DropStreams(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.streams {
		s.fail(err)
		delete(f.streams, s)
	}
}

// Subscribe replays records changed after since, oldest first, and then
// streams live events.
func (f *Fake) Subscribe(ctx context.Context, since time.Time) (client.ChangeStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.before(Call{Method: MethodSubscribe}); err != nil {
		return nil, err
	}

	var replay []models.RemoteChangeEvent
	for table, recs := range f.records {
		for _, snap := range recs {
			if snap.UpdatedAt.After(since) {
				replay = append(replay, models.RemoteChangeEvent{Table: table, Type: models.OpUpdate, New: copySnap(snap), UpdatedAt: snap.UpdatedAt, Device: snap.Device})
			}
		}
	}
	if !since.IsZero() {
		for table, ids := range f.deleted {
			for id, ts := range ids {
				if ts.After(since) {
					replay = append(replay, models.RemoteChangeEvent{Table: table, Type: models.OpDelete, Old: &models.Snapshot{ID: id}, UpdatedAt: ts})
				}
			}
		}
	}
	sort.Slice(replay, func(i, j int) bool { return replay[i].UpdatedAt.Before(replay[j].UpdatedAt) })

	s := &Stream{owner: f, ctx: ctx, events: make(chan models.RemoteChangeEvent, 64+len(replay)), done: make(chan struct{})}
	for _, e := range replay {
		s.events <- e
	}
	f.streams[s] = struct{}{}
	f.subs++
	return s, nil
}

type Stream struct {
	owner  *Fake
	ctx    context.Context
	events chan models.RemoteChangeEvent
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *Stream) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Recv delivers buffered events before reporting why the stream ended.
func (s *Stream) Recv() (models.RemoteChangeEvent, error) {
	select {
	case e := <-s.events:
		return e, nil
	default:
	}
	select {
	case e := <-s.events:
		return e, nil
	case <-s.done:
		return models.RemoteChangeEvent{}, s.err
	case <-s.ctx.Done():
		return models.RemoteChangeEvent{}, s.ctx.Err()
	}
}

func (s *Stream) Close() error {
	s.fail(errors.New("stream closed"))
	s.owner.mu.Lock()
	delete(s.owner.streams, s)
	s.owner.mu.Unlock()
	return nil
}
