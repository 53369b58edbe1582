package grpc

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/server/broker"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
	"github.com/dmitrijs2005/gophvault/internal/server/services"
)

type fakeUser struct {
	refreshResp *services.TokenPair
	refreshErr  error
	regResp     *models.User
	regErr      error
	saltResp    []byte
	saltErr     error
	loginResp   *services.TokenPair
	loginErr    error
}

func (f *fakeUser) RefreshToken(ctx context.Context, refresh string) (*services.TokenPair, error) {
	return f.refreshResp, f.refreshErr
}
func (f *fakeUser) Register(ctx context.Context, username string, salt []byte, verifier []byte) (*models.User, error) {
	return f.regResp, f.regErr
}
func (f *fakeUser) GetSalt(ctx context.Context, username string) ([]byte, error) {
	return f.saltResp, f.saltErr
}
func (f *fakeUser) Login(ctx context.Context, username string, verifierCandidate []byte) (*services.TokenPair, error) {
	return f.loginResp, f.loginErr
}

type recKey struct{ user, table, id string }

// memRecords keeps records in memory and publishes like the real service.
type memRecords struct {
	mu      sync.Mutex
	recs    map[recKey]*models.Record
	clock   time.Time
	pub     interface{ Publish(models.ChangeEvent) }
	failErr error

	lastDevice string
}

func newMemRecords(pub interface{ Publish(models.ChangeEvent) }) *memRecords {
	return &memRecords{
		recs:  map[recKey]*models.Record{},
		clock: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		pub:   pub,
	}
}

func (m *memRecords) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memRecords) publish(e models.ChangeEvent) {
	if m.pub != nil {
		m.pub.Publish(e)
	}
}

func (m *memRecords) Create(ctx context.Context, userID, device, table, id string, data json.RawMessage) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	if !models.ValidTable(table) {
		return nil, models.ErrUnknownTable
	}
	m.lastDevice = device
	rec := &models.Record{UserID: userID, Table: table, ID: id, Data: data, UpdatedAt: m.tick(), Device: device}
	m.recs[recKey{userID, table, id}] = rec
	m.publish(models.ChangeEvent{UserID: userID, Table: table, Type: models.EventInsert, New: rec, UpdatedAt: rec.UpdatedAt, Device: device})
	return rec, nil
}

func (m *memRecords) Update(ctx context.Context, userID, device, table, id string, fields json.RawMessage) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.recs[recKey{userID, table, id}]
	if !ok || old.Deleted {
		return nil, common.ErrorNotFound
	}
	rec := &models.Record{UserID: userID, Table: table, ID: id, Data: fields, UpdatedAt: m.tick(), Device: device}
	m.recs[recKey{userID, table, id}] = rec
	m.publish(models.ChangeEvent{UserID: userID, Table: table, Type: models.EventUpdate, New: rec, Old: old, UpdatedAt: rec.UpdatedAt, Device: device})
	return rec, nil
}

func (m *memRecords) Delete(ctx context.Context, userID, device, table, id string) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.recs[recKey{userID, table, id}]
	if !ok || old.Deleted {
		return nil, nil
	}
	rec := &models.Record{UserID: userID, Table: table, ID: id, Data: json.RawMessage("{}"), UpdatedAt: m.tick(), Device: device, Deleted: true}
	m.recs[recKey{userID, table, id}] = rec
	m.publish(models.ChangeEvent{UserID: userID, Table: table, Type: models.EventDelete, Old: old, UpdatedAt: rec.UpdatedAt, Device: device})
	return rec, nil
}

func (m *memRecords) Changes(ctx context.Context, userID string, tables []string, since time.Time) ([]models.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	var out []models.ChangeEvent
	for k, r := range m.recs {
		if k.user != userID || !r.UpdatedAt.After(since) {
			continue
		}
		if since.IsZero() && r.Deleted {
			continue
		}
		e := models.ChangeEvent{UserID: userID, Table: r.Table, UpdatedAt: r.UpdatedAt, Device: r.Device}
		switch {
		case r.Deleted:
			e.Type, e.Old = models.EventDelete, r
		case since.IsZero():
			e.Type, e.New = models.EventInsert, r
		default:
			e.Type, e.New = models.EventUpdate, r
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

type fakeBlobs struct {
	userID string
	err    error
}

func (f *fakeBlobs) PresignUpload(ctx context.Context, userID, table, id, contentType string) (string, string, error) {
	f.userID = userID
	if f.err != nil {
		return "", "", f.err
	}
	key := "users/" + userID + "/" + table + "/" + id + "/k"
	return key, "http://blobs.test/" + key + "?ct=" + contentType, nil
}

func (f *fakeBlobs) PresignDownload(ctx context.Context, userID, key string) (string, error) {
	f.userID = userID
	if f.err != nil {
		return "", f.err
	}
	return "http://blobs.test/" + key, nil
}

type fixture struct {
	srv     *GRPCServer
	users   *fakeUser
	records *memRecords
	blobs   *fakeBlobs
	broker  *broker.Broker
}

const testSecret = "secret"

func newFixture(buffer int) *fixture {
	b := broker.New(buffer, logging.Nop())
	f := &fixture{
		users:   &fakeUser{},
		records: newMemRecords(b),
		blobs:   &fakeBlobs{},
		broker:  b,
	}
	f.srv = NewGRPCServer("127.0.0.1:0", logging.Nop(), f.users, f.records, f.blobs, b, testSecret)
	return f
}

// authed returns a context as the interceptors leave it for user.
func authed(user, device string) context.Context {
	ctx := context.WithValue(context.Background(), userIDKey, user)
	return context.WithValue(ctx, deviceKey, device)
}
