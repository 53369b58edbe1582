package services

import (
	"context"
	"database/sql"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
	"github.com/dmitrijs2005/gophvault/internal/server/repositories/records"
	"github.com/dmitrijs2005/gophvault/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/gophvault/internal/server/repositories/users"
)

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

type fakeUsersRepo struct {
	createOut *models.User
	createErr error

	getOut *models.User
	getErr error

	clockMu  sync.Mutex
	clock    map[string]time.Time
	clockErr error
}

func (f *fakeUsersRepo) Create(ctx context.Context, u *models.User) (*models.User, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createOut, nil
}

func (f *fakeUsersRepo) GetUserByLogin(ctx context.Context, userName string) (*models.User, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.getOut, nil
}

// NextChangeTime mirrors the GREATEST update of the Postgres repository.
func (f *fakeUsersRepo) NextChangeTime(ctx context.Context, userID string, now time.Time) (time.Time, error) {
	if f.clockErr != nil {
		return time.Time{}, f.clockErr
	}
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	if f.clock == nil {
		f.clock = map[string]time.Time{}
	}
	t := now
	if last, ok := f.clock[userID]; ok && !t.After(last) {
		t = last.Add(time.Microsecond)
	}
	f.clock[userID] = t
	return t, nil
}

type fakeRefreshRepo struct {
	findOut *models.RefreshToken
	findErr error

	delErr error

	createErr     error
	createdUser   string
	createdExpiry time.Time

	purged    int64
	purgedAt  time.Time
	purgedErr error
}

func (f *fakeRefreshRepo) Create(ctx context.Context, userID string, token string, expiresAt time.Time) error {
	f.createdUser, f.createdExpiry = userID, expiresAt
	return f.createErr
}

func (f *fakeRefreshRepo) Find(ctx context.Context, token string) (*models.RefreshToken, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.findOut, nil
}

func (f *fakeRefreshRepo) Delete(ctx context.Context, token string) error {
	return f.delErr
}

func (f *fakeRefreshRepo) DeleteExpired(ctx context.Context, t time.Time) (int64, error) {
	f.purgedAt = t
	return f.purged, f.purgedErr
}

type recKey struct{ user, table, id string }

// memRecords keeps records in a map and ignores the transaction it is
// bound to; sqlmock checks the transaction boundaries.
type memRecords struct {
	mu      sync.Mutex
	rows    map[recKey]*models.Record
	saveErr error
	// beforeSave runs inside Save, while the write's transaction is open.
	beforeSave func(*models.Record)
}

func newMemRecords() *memRecords {
	return &memRecords{rows: map[recKey]*models.Record{}}
}

func (m *memRecords) put(r *models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rows[recKey{r.UserID, r.Table, r.ID}] = &cp
}

func (m *memRecords) Get(ctx context.Context, userID, table, id string) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[recKey{userID, table, id}]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRecords) GetForUpdate(ctx context.Context, userID, table, id string) (*models.Record, error) {
	return m.Get(ctx, userID, table, id)
}

func (m *memRecords) Save(ctx context.Context, rec *models.Record) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.beforeSave != nil {
		m.beforeSave(rec)
	}
	m.put(rec)
	return nil
}

func (m *memRecords) SelectChanged(ctx context.Context, userID string, tables []string, since time.Time) ([]*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Record
	for k, r := range m.rows {
		if k.user != userID || !r.UpdatedAt.After(since) || (since.IsZero() && r.Deleted) {
			continue
		}
		if len(tables) > 0 && !slices.Contains(tables, r.Table) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

type fakeRepoManager struct {
	u   *fakeUsersRepo
	r   *fakeRefreshRepo
	rec *memRecords
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error       { return nil }
func (m *fakeRepoManager) Users(db dbx.DBTX) users.Repository                 { return m.u }
func (m *fakeRepoManager) RefreshTokens(db dbx.DBTX) refreshtokens.Repository { return m.r }
func (m *fakeRepoManager) Records(db dbx.DBTX) records.Repository             { return m.rec }

type capturePublisher struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (p *capturePublisher) Publish(evt models.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *capturePublisher) all() []models.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ChangeEvent(nil), p.events...)
}
