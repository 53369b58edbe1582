package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordFixture struct {
	svc  *RecordService
	mock sqlmock.Sqlmock
	repo *memRecords
	pub  *capturePublisher
	u    *fakeUsersRepo
	now  time.Time
}

func newRecordFixture(t *testing.T) *recordFixture {
	t.Helper()
	db, mock := newSQLMockDB(t)
	t.Cleanup(func() { db.Close() })

	f := &recordFixture{mock: mock, repo: newMemRecords(), pub: &capturePublisher{}, u: &fakeUsersRepo{}, now: fixedNow}
	f.svc = NewRecordService(db, &fakeRepoManager{u: f.u, rec: f.repo}, f.pub)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *recordFixture) expectTx(commit bool) {
	f.mock.ExpectBegin()
	if commit {
		f.mock.ExpectCommit()
	} else {
		f.mock.ExpectRollback()
	}
}

func TestRecordService_CreateThenReplay(t *testing.T) {
	f := newRecordFixture(t)
	ctx := context.Background()
	f.expectTx(true)
	f.expectTx(true)

	rec, err := f.svc.Create(ctx, "u1", "laptop", "notes", "n1", json.RawMessage(`{"title":"a","content":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, fixedNow, rec.UpdatedAt)
	assert.Equal(t, "laptop", rec.Device)
	assert.JSONEq(t, `{"title":"a","content":"x"}`, string(rec.Data))

	f.now = fixedNow.Add(time.Second)
	again, err := f.svc.Create(ctx, "u1", "laptop", "notes", "n1", json.RawMessage(`{"title":"b"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"b"}`, string(again.Data))

	events := f.pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventInsert, events[0].Type)
	assert.Nil(t, events[0].Old)
	assert.Equal(t, models.EventUpdate, events[1].Type)
	require.NotNil(t, events[1].Old)
	assert.JSONEq(t, `{"title":"a","content":"x"}`, string(events[1].Old.Data))
	assert.Equal(t, "u1", events[1].UserID)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRecordService_Validation(t *testing.T) {
	f := newRecordFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "u1", "d", "cards", "c1", nil)
	require.ErrorIs(t, err, common.ErrorValidation)
	require.ErrorIs(t, err, models.ErrUnknownTable)

	_, err = f.svc.Create(ctx, "u1", "d", "notes", "", nil)
	require.ErrorIs(t, err, common.ErrorValidation)

	_, err = f.svc.Create(ctx, "u1", "d", "notes", "n1", json.RawMessage(`[1,2]`))
	require.ErrorIs(t, err, common.ErrorValidation)

	_, err = f.svc.Update(ctx, "u1", "d", "notes", "n1", json.RawMessage(`"x"`))
	require.ErrorIs(t, err, common.ErrorValidation)

	_, err = f.svc.Changes(ctx, "u1", []string{"notes", "cards"}, time.Time{})
	require.ErrorIs(t, err, models.ErrUnknownTable)

	assert.Empty(t, f.pub.all())
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRecordService_UpdateMergesKeys(t *testing.T) {
	f := newRecordFixture(t)
	ctx := context.Background()
	f.repo.put(&models.Record{
		UserID: "u1", Table: "links", ID: "l1",
		Data: json.RawMessage(`{"title":"Go","url":"https://go.dev"}`), UpdatedAt: fixedNow.Add(-time.Hour), Device: "phone",
	})
	f.expectTx(true)

	rec, err := f.svc.Update(ctx, "u1", "laptop", "links", "l1", json.RawMessage(`{"title":"Go site","tags":["dev"]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Go site","url":"https://go.dev","tags":["dev"]}`, string(rec.Data))
	assert.Equal(t, "laptop", rec.Device)

	events := f.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventUpdate, events[0].Type)
	assert.Equal(t, "phone", events[0].Old.Device)
	assert.Equal(t, rec.UpdatedAt, events[0].UpdatedAt)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRecordService_UpdateMissingOrDeleted(t *testing.T) {
	f := newRecordFixture(t)
	ctx := context.Background()
	f.repo.put(&models.Record{UserID: "u1", Table: "notes", ID: "gone", Data: json.RawMessage(`{}`), UpdatedAt: fixedNow, Deleted: true})
	f.expectTx(false)
	f.expectTx(false)

	_, err := f.svc.Update(ctx, "u1", "d", "notes", "missing", json.RawMessage(`{"title":"x"}`))
	require.ErrorIs(t, err, common.ErrorNotFound)
	_, err = f.svc.Update(ctx, "u1", "d", "notes", "gone", json.RawMessage(`{"title":"x"}`))
	require.ErrorIs(t, err, common.ErrorNotFound)

	assert.Empty(t, f.pub.all())
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRecordService_TimestampsIncreaseWhenClockStalls(t *testing.T) {
	f := newRecordFixture(t)
	ctx := context.Background()
	f.now = fixedNow.Add(123 * time.Nanosecond)
	f.expectTx(true)
	f.expectTx(true)

	first, err := f.svc.Create(ctx, "u1", "d", "notes", "n1", json.RawMessage(`{"title":"a"}`))
	require.NoError(t, err)
	second, err := f.svc.Update(ctx, "u1", "d", "notes", "n1", json.RawMessage(`{"title":"b"}`))
	require.NoError(t, err)

	assert.Equal(t, fixedNow, first.UpdatedAt)
	assert.Equal(t, fixedNow.Add(time.Microsecond), second.UpdatedAt)
}

func TestRecordService_StampsFollowCommitOrder(t *testing.T) {
	f := newRecordFixture(t)
	ctx := context.Background()
	f.expectTx(true)
	f.expectTx(true)

	inSave := make(chan struct{})
	release := make(chan struct{})
	f.repo.beforeSave = func(rec *models.Record) {
		if rec.ID == "slow" {
			close(inSave)
			<-release
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.svc.Create(ctx, "u1", "laptop", "notes", "slow", json.RawMessage(`{"title":"a"}`))
		assert.NoError(t, err)
	}()
	<-inSave

	// the second writer reads an earlier clock while the first is still open
	f.now = fixedNow.Add(-time.Second)
	fastDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(fastDone)
		_, err := f.svc.Create(ctx, "u1", "phone", "links", "fast", json.RawMessage(`{"url":"x"}`))
		assert.NoError(t, err)
	}()

	select {
	case <-fastDone:
		t.Error("second write finished while the first was uncommitted")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	wg.Wait()

	events := f.pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, "slow", events[0].New.ID)
	assert.Equal(t, "fast", events[1].New.ID)
	assert.True(t, events[1].UpdatedAt.After(events[0].UpdatedAt))

	// a cursor taken from the first delivered change still sees the second
	later, err := f.svc.Changes(ctx, "u1", nil, events[0].UpdatedAt)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, "fast", later[0].New.ID)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRecordService_ConcurrentStampsAreUnique(t *testing.T) {
	f := newRecordFixture(t)
	ctx := context.Background()
	const writers = 16
	for i := 0; i < writers; i++ {
		f.expectTx(true)
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Create(ctx, "u1", "d", "notes", fmt.Sprintf("n%d", i), json.RawMessage(`{}`))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events := f.pub.all()
	require.Len(t, events, writers)
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].UpdatedAt.After(events[i-1].UpdatedAt), "event %d published out of stamp order", i)
	}
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRecordService_ClockFailureRollsBack(t *testing.T) {
	f := newRecordFixture(t)
	f.u.clockErr = errBoom{}
	f.expectTx(false)

	_, err := f.svc.Create(context.Background(), "u1", "d", "notes", "n1", json.RawMessage(`{"title":"a"}`))
	require.ErrorContains(t, err, "change clock: boom")
	assert.Empty(t, f.pub.all())
	_, err = f.repo.Get(context.Background(), "u1", "notes", "n1")
	require.ErrorIs(t, err, common.ErrorNotFound)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRecordService_DeleteIsIdempotent(t *testing.T) {
	f := newRecordFixture(t)
	ctx := context.Background()
	f.repo.put(&models.Record{UserID: "u1", Table: "notes", ID: "n1", Data: json.RawMessage(`{"title":"a"}`), UpdatedAt: fixedNow.Add(-time.Minute)})
	f.expectTx(true)
	f.expectTx(true)
	f.expectTx(true)

	tomb, err := f.svc.Delete(ctx, "u1", "laptop", "notes", "n1")
	require.NoError(t, err)
	require.NotNil(t, tomb)
	assert.True(t, tomb.Deleted)
	assert.JSONEq(t, `{}`, string(tomb.Data))

	again, err := f.svc.Delete(ctx, "u1", "laptop", "notes", "n1")
	require.NoError(t, err)
	assert.Nil(t, again)

	never, err := f.svc.Delete(ctx, "u1", "laptop", "notes", "never-existed")
	require.NoError(t, err)
	assert.Nil(t, never)

	events := f.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventDelete, events[0].Type)
	assert.Nil(t, events[0].New)
	assert.JSONEq(t, `{"title":"a"}`, string(events[0].Old.Data))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRecordService_CreateRevivesTombstone(t *testing.T) {
	f := newRecordFixture(t)
	f.repo.put(&models.Record{UserID: "u1", Table: "notes", ID: "n1", Data: json.RawMessage(`{}`), UpdatedAt: fixedNow, Deleted: true})
	// the change clock starts where the stored records end
	f.u.clock = map[string]time.Time{"u1": fixedNow}
	f.expectTx(true)

	rec, err := f.svc.Create(context.Background(), "u1", "d", "notes", "n1", json.RawMessage(`{"title":"back"}`))
	require.NoError(t, err)
	assert.False(t, rec.Deleted)
	assert.True(t, rec.UpdatedAt.After(fixedNow))

	events := f.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventInsert, events[0].Type)
	assert.Nil(t, events[0].Old)
}

func TestRecordService_SaveFailurePublishesNothing(t *testing.T) {
	f := newRecordFixture(t)
	f.repo.saveErr = errBoom{}
	f.expectTx(false)

	_, err := f.svc.Create(context.Background(), "u1", "d", "notes", "n1", json.RawMessage(`{"title":"a"}`))
	require.ErrorContains(t, err, "create notes/n1: boom")
	assert.Empty(t, f.pub.all())
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRecordService_Changes(t *testing.T) {
	f := newRecordFixture(t)
	ctx := context.Background()
	t0 := fixedNow
	f.repo.put(&models.Record{UserID: "u1", Table: "notes", ID: "old", Data: json.RawMessage(`{}`), UpdatedAt: t0})
	f.repo.put(&models.Record{UserID: "u1", Table: "notes", ID: "new", Data: json.RawMessage(`{}`), UpdatedAt: t0.Add(2 * time.Minute), Device: "phone"})
	f.repo.put(&models.Record{UserID: "u1", Table: "links", ID: "dead", Data: json.RawMessage(`{}`), UpdatedAt: t0.Add(time.Minute), Deleted: true})
	f.repo.put(&models.Record{UserID: "u2", Table: "notes", ID: "other", Data: json.RawMessage(`{}`), UpdatedAt: t0.Add(time.Minute)})

	full, err := f.svc.Changes(ctx, "u1", nil, time.Time{})
	require.NoError(t, err)
	require.Len(t, full, 2)
	for _, e := range full {
		assert.Equal(t, models.EventInsert, e.Type)
		assert.NotNil(t, e.New)
	}
	assert.Equal(t, "old", full[0].New.ID)

	inc, err := f.svc.Changes(ctx, "u1", nil, t0.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, inc, 2)
	assert.Equal(t, models.EventDelete, inc[0].Type)
	assert.Equal(t, "dead", inc[0].Old.ID)
	assert.Equal(t, models.EventUpdate, inc[1].Type)
	assert.Equal(t, "phone", inc[1].Device)

	onlyNotes, err := f.svc.Changes(ctx, "u1", []string{"notes"}, t0.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, onlyNotes, 1)
	assert.Equal(t, "new", onlyNotes[0].New.ID)
}
