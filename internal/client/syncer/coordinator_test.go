package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/client/client"
	"github.com/dmitrijs2005/gophvault/internal/client/client/clienttest"
	"github.com/dmitrijs2005/gophvault/internal/client/conflicts"
	"github.com/dmitrijs2005/gophvault/internal/client/connectivity"
	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/blobs"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/pending"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/records"
	"github.com/dmitrijs2005/gophvault/internal/client/retry"
	"github.com/dmitrijs2005/gophvault/internal/client/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type switchable struct {
	online atomic.Bool
}

func (s *switchable) IsOnline() bool        { return s.online.Load() }
func (s *switchable) SetOnline(online bool) { s.online.Store(online) }

type env struct {
	remote   *clienttest.Fake
	online   *switchable
	pending  *pending.SQLiteRepository
	records  *records.SQLiteRepository
	meta     *metadata.SQLiteRepository
	blobs    *blobs.SQLiteRepository
	det      *conflicts.Detector
	resolver *conflicts.Resolver
	coord    *Coordinator

	mu        sync.Mutex
	summaries []Summary
	uploads   []string
}

func newEnv(t *testing.T, execOpts ...retry.Option) *env {
	t.Helper()
	db, err := storage.InitDatabase(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	e := &env{
		remote:  clienttest.New(),
		online:  &switchable{},
		pending: pending.NewSQLiteRepository(db),
		records: records.NewSQLiteRepository(db),
		meta:    metadata.NewSQLiteRepository(db),
		blobs:   blobs.NewSQLiteRepository(db),
		det:     conflicts.NewDetector("this-device"),
	}
	e.online.SetOnline(true)
	e.resolver = conflicts.NewResolver(conflicts.SQLiteTx(db), e.det, conflicts.ResolverOptions{})

	opts := append([]retry.Option{
		retry.WithInitialDelay(time.Millisecond),
		retry.WithMaxDelay(time.Millisecond),
		retry.WithShouldRetry(client.IsTransient),
	}, execOpts...)

	e.coord = NewCoordinator(e.remote, e.online, Stores{
		Pending:  e.pending,
		Records:  e.records,
		Metadata: e.meta,
		Blobs:    e.blobs,
	}, Options{
		Executor: retry.New(opts...),
		Detector: e.det,
		Resolver: e.resolver,
		Notifier: NotifierFunc(func(_ context.Context, s Summary) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.summaries = append(e.summaries, s)
		}),
		Uploader: func(_ context.Context, url, _ string, body []byte) error {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.uploads = append(e.uploads, fmt.Sprintf("%s:%s", url, body))
			return nil
		},
	})
	return e
}

func (e *env) lastSummary(t *testing.T) Summary {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.summaries)
	return e.summaries[len(e.summaries)-1]
}

func (e *env) summaryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.summaries)
}

// seed stores a record on the server and mirrors it into the replica.
func (e *env) seed(t *testing.T, table, id string, data models.Fields) *models.Snapshot {
	t.Helper()
	snap := e.remote.RemoteWrite(table, id, data, "phone")
	require.NoError(t, e.records.Upsert(context.Background(), &models.Record{
		Table: table, ID: id, Data: data, UpdatedAt: snap.UpdatedAt, Device: snap.Device,
	}))
	return snap
}

func (e *env) enqueue(t *testing.T, table, id string, op models.Operation, payload models.Fields, base time.Time) string {
	t.Helper()
	cid, err := e.pending.Enqueue(context.Background(), &models.PendingChange{
		Table: table, RecordID: id, Operation: op, Payload: payload, BaseVersion: base,
	})
	require.NoError(t, err)
	return cid
}

func callsOf(f *clienttest.Fake, methods ...string) []clienttest.Call {
	want := map[string]bool{}
	for _, m := range methods {
		want[m] = true
	}
	var out []clienttest.Call
	for _, c := range f.Calls() {
		if want[c.Method] {
			out = append(out, c)
		}
	}
	return out
}

func TestOfflineEditDrainsOnReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newEnv(t)
	snap := e.seed(t, "notes", "n1", models.Fields{"title": "A", "content": "x"})

	mon := connectivity.New(e.remote, connectivity.Options{Debounce: time.Millisecond})
	e.coord.online = mon

	e.enqueue(t, "notes", "n1", models.OpUpdate, models.Fields{"id": "n1", "title": "B"}, snap.UpdatedAt)
	require.NoError(t, e.coord.RefreshPending(ctx))
	require.Equal(t, 1, e.coord.PendingChanges())

	// offline: nothing happens
	require.NoError(t, e.coord.TriggerSync(ctx))
	assert.Empty(t, callsOf(e.remote, clienttest.MethodUpdate))

	sched := NewScheduler(e.coord, time.Hour, nil)
	mon.OnReconnect(sched.Trigger)
	go sched.Run(ctx)

	mon.SetOnline(true)

	require.Eventually(t, func() bool { return e.summaryCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	updates := callsOf(e.remote, clienttest.MethodUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "notes", updates[0].Table)
	assert.Equal(t, "n1", updates[0].ID)
	assert.Equal(t, models.Fields{"title": "B"}, updates[0].Fields)

	n, err := e.pending.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, e.coord.PendingChanges())

	assert.False(t, e.coord.LastSyncTime().IsZero())
	stored, err := metadata.GetTime(ctx, e.meta, metadata.KeyLastSyncTime)
	require.NoError(t, err)
	assert.False(t, stored.IsZero())

	assert.Equal(t, "1 synchronized, 0 failed", e.lastSummary(t).String())

	rec, err := e.records.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	remote, _ := e.remote.Record("notes", "n1")
	assert.True(t, remote.UpdatedAt.Equal(rec.UpdatedAt))
}

func TestChangesOfOneRecordApplyInEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, "notes", "other", models.Fields{"title": "o"})

	e.enqueue(t, "notes", "n2", models.OpInsert, models.Fields{"title": "x"}, time.Time{})
	e.enqueue(t, "notes", "other", models.OpUpdate, models.Fields{"id": "other", "title": "o2"}, time.Time{})
	e.enqueue(t, "notes", "n2", models.OpUpdate, models.Fields{"id": "n2", "title": "y"}, time.Time{})
	e.enqueue(t, "notes", "n2", models.OpDelete, models.Fields{"id": "n2"}, time.Time{})

	require.NoError(t, e.coord.TriggerSync(ctx))

	var got []string
	for _, c := range callsOf(e.remote, clienttest.MethodCreate, clienttest.MethodUpdate, clienttest.MethodDelete) {
		got = append(got, c.Method+" "+c.ID)
	}
	assert.Equal(t, []string{"Create n2", "Update other", "Update n2", "Delete n2"}, got)

	_, exists := e.remote.Record("notes", "n2")
	assert.False(t, exists)
	assert.Equal(t, 4, e.lastSummary(t).Synced)
}

func TestOnlyOneDrainAtATime(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.enqueue(t, "notes", "a", models.OpInsert, models.Fields{"title": "a"}, time.Time{})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	e.remote.FailWith(func(method, _, _ string) error {
		if method == clienttest.MethodCreate {
			once.Do(func() {
				close(started)
				<-release
			})
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- e.coord.TriggerSync(ctx) }()

	<-started
	assert.True(t, e.coord.IsSyncing())
	require.NoError(t, e.coord.TriggerSync(ctx))
	close(release)
	require.NoError(t, <-done)

	assert.False(t, e.coord.IsSyncing())
	assert.Len(t, callsOf(e.remote, clienttest.MethodCreate), 1)
	assert.Equal(t, 1, e.summaryCount())
}

func TestFailingItemDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.enqueue(t, "notes", "a", models.OpInsert, models.Fields{"title": "a"}, time.Time{})
	bad := e.enqueue(t, "notes", "b", models.OpInsert, models.Fields{"title": "b"}, time.Time{})
	e.enqueue(t, "notes", "c", models.OpInsert, models.Fields{"title": "c"}, time.Time{})

	e.remote.FailWith(func(method, _, id string) error {
		if method == clienttest.MethodCreate && id == "b" {
			return fmt.Errorf("%w: boom", client.ErrServer)
		}
		return nil
	})

	require.NoError(t, e.coord.TriggerSync(ctx))

	_, ok := e.remote.Record("notes", "a")
	assert.True(t, ok)
	_, ok = e.remote.Record("notes", "c")
	assert.True(t, ok)

	left, err := e.pending.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, bad, left[0].ID)
	assert.Equal(t, 1, left[0].Retries)
	require.NotNil(t, left[0].LastError)
	assert.Contains(t, *left[0].LastError, "boom")

	s := e.lastSummary(t)
	assert.Equal(t, 2, s.Synced)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, e.coord.PendingChanges())
}

func TestOversizedItemDoesNotTakeClientOffline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, retry.WithMaxRetries(1))
	big := e.enqueue(t, "files", "big", models.OpInsert, models.Fields{"name": "big"}, time.Time{})
	e.enqueue(t, "notes", "b", models.OpInsert, models.Fields{"title": "b"}, time.Time{})
	e.enqueue(t, "notes", "c", models.OpInsert, models.Fields{"title": "c"}, time.Time{})

	// what the grpc client reports for a ResourceExhausted status
	e.remote.FailWith(func(method, _, id string) error {
		if method == clienttest.MethodCreate && id == "big" {
			return fmt.Errorf("%w: grpc: received message larger than max", client.ErrServer)
		}
		return nil
	})

	require.NoError(t, e.coord.TriggerSync(ctx))

	for _, id := range []string{"b", "c"} {
		_, ok := e.remote.Record("notes", id)
		assert.True(t, ok, id)
	}
	assert.True(t, e.online.IsOnline())
	s := e.lastSummary(t)
	assert.False(t, s.Disconnected)
	assert.Equal(t, 2, s.Synced)

	left, err := e.pending.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, big, left[0].ID)
}

func TestExhaustedItemStaysQueuedAndIsSkipped(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, retry.WithMaxRetries(0))
	id := e.enqueue(t, "notes", "b", models.OpInsert, models.Fields{"title": "b"}, time.Time{})
	e.remote.FailWith(func(string, string, string) error {
		return fmt.Errorf("%w: down", client.ErrServer)
	})

	for i := 0; i < models.MaxQueueRetries; i++ {
		require.NoError(t, e.coord.TriggerSync(ctx))
	}
	require.Len(t, callsOf(e.remote, clienttest.MethodCreate), models.MaxQueueRetries)

	c, err := e.pending.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, c.Exhausted())

	notified := e.summaryCount()
	require.NoError(t, e.coord.TriggerSync(ctx))
	assert.Len(t, callsOf(e.remote, clienttest.MethodCreate), models.MaxQueueRetries)
	assert.Equal(t, notified, e.summaryCount())
	assert.Equal(t, 1, e.coord.PendingChanges())
}

func TestNonRetriableFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	id := e.enqueue(t, "notes", "a", models.OpInsert, models.Fields{"title": "a"}, time.Time{})
	e.enqueue(t, "notes", "a", models.OpUpdate, models.Fields{"id": "a", "title": "a2"}, time.Time{})
	e.remote.FailNext(clienttest.MethodCreate, fmt.Errorf("%w: bad title", client.ErrInvalid))

	require.NoError(t, e.coord.TriggerSync(ctx))

	assert.Len(t, callsOf(e.remote, clienttest.MethodCreate), 1)
	assert.Empty(t, callsOf(e.remote, clienttest.MethodUpdate))
	s := e.lastSummary(t)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Deferred)

	c, err := e.pending.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Retries)

	// next cycle goes through in order
	require.NoError(t, e.coord.TriggerSync(ctx))
	snap, ok := e.remote.Record("notes", "a")
	require.True(t, ok)
	assert.Equal(t, "a2", snap.Data["title"])
	assert.Zero(t, e.coord.PendingChanges())
}

func TestRemoteChangeDivertsIntoConflict(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	base := e.seed(t, "notes", "n1", models.Fields{"title": "A"})
	e.enqueue(t, "notes", "n1", models.OpUpdate, models.Fields{"id": "n1", "title": "mine"}, base.UpdatedAt)

	theirs := e.remote.RemoteWrite("notes", "n1", models.Fields{"title": "theirs"}, "phone")
	e.det.Observe(models.RemoteChangeEvent{
		Table: "notes", Type: models.OpUpdate, New: theirs, UpdatedAt: theirs.UpdatedAt, Device: "phone",
	})

	require.NoError(t, e.coord.TriggerSync(ctx))

	assert.Empty(t, callsOf(e.remote, clienttest.MethodUpdate))
	require.Equal(t, 1, e.resolver.Len())
	item := e.resolver.Batch()[0]
	assert.Equal(t, "theirs", item.Remote.Content["title"])
	assert.Equal(t, 1, e.lastSummary(t).Conflicts)
	assert.Equal(t, 1, e.coord.PendingChanges())

	// blocked while unresolved
	require.NoError(t, e.coord.TriggerSync(ctx))
	assert.Empty(t, callsOf(e.remote, clienttest.MethodUpdate))

	require.NoError(t, e.resolver.ResolveAll(ctx, models.ResolveLocal))
	require.NoError(t, e.coord.TriggerSync(ctx))

	snap, _ := e.remote.Record("notes", "n1")
	assert.Equal(t, "mine", snap.Data["title"])
	assert.Zero(t, e.coord.PendingChanges())
}

func TestOwnEchoIsNotAConflict(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	base := e.seed(t, "notes", "n1", models.Fields{"title": "A"})
	e.enqueue(t, "notes", "n1", models.OpUpdate, models.Fields{"id": "n1", "title": "B"}, base.UpdatedAt)
	e.det.Observe(models.RemoteChangeEvent{
		Table: "notes", Type: models.OpUpdate, UpdatedAt: base.UpdatedAt.Add(time.Second), Device: "this-device",
		New: &models.Snapshot{ID: "n1", Data: models.Fields{"title": "B"}},
	})

	require.NoError(t, e.coord.TriggerSync(ctx))
	assert.Len(t, callsOf(e.remote, clienttest.MethodUpdate), 1)
	assert.Zero(t, e.resolver.Len())
}

func TestUpdateOfMissingRemoteRecordBecomesConflict(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.records.Upsert(ctx, &models.Record{Table: "notes", ID: "gone", Data: models.Fields{"title": "kept"}}))
	e.enqueue(t, "notes", "gone", models.OpUpdate, models.Fields{"id": "gone", "title": "kept"}, time.Time{})

	require.NoError(t, e.coord.TriggerSync(ctx))

	require.Equal(t, 1, e.resolver.Len())
	item := e.resolver.Batch()[0]
	assert.True(t, item.RemoteDeleted())
	assert.Equal(t, "kept", item.Local.Content["title"])
	assert.Equal(t, 1, e.coord.PendingChanges())
}

func TestUnreachableServerEndsCycleAndGoesOffline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.enqueue(t, "notes", "a", models.OpInsert, models.Fields{"title": "a"}, time.Time{})
	e.enqueue(t, "notes", "b", models.OpInsert, models.Fields{"title": "b"}, time.Time{})
	e.remote.SetOnline(false)

	require.NoError(t, e.coord.TriggerSync(ctx))

	creates := callsOf(e.remote, clienttest.MethodCreate)
	require.Len(t, creates, 4)
	for _, c := range creates {
		assert.Equal(t, "a", c.ID)
	}
	assert.False(t, e.online.IsOnline())
	s := e.lastSummary(t)
	assert.True(t, s.Disconnected)
	assert.Equal(t, 1, s.Failed)
	assert.True(t, e.coord.LastSyncTime().After(time.Time{}))
}

func TestSkippedWhenOfflineOrSignedOut(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.enqueue(t, "notes", "a", models.OpInsert, models.Fields{"title": "a"}, time.Time{})

	e.online.SetOnline(false)
	require.NoError(t, e.coord.TriggerSync(ctx))

	e.online.SetOnline(true)
	e.coord.authed = func() bool { return false }
	require.NoError(t, e.coord.TriggerSync(ctx))

	assert.Empty(t, e.remote.Calls())
	assert.True(t, e.coord.LastSyncTime().IsZero())
}

func TestCancelledDrainRecordsNoFailure(t *testing.T) {
	e := newEnv(t, retry.WithInitialDelay(time.Hour), retry.WithMaxDelay(time.Hour))
	id := e.enqueue(t, "notes", "a", models.OpInsert, models.Fields{"title": "a"}, time.Time{})
	e.remote.FailWith(func(string, string, string) error {
		return fmt.Errorf("%w: flaky", client.ErrServer)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.coord.TriggerSync(ctx) }()

	require.Eventually(t, func() bool {
		return e.remote.CallCount(clienttest.MethodCreate) == 1
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("drain did not stop on cancel")
	}

	c, err := e.pending.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, c.Retries)
	assert.True(t, e.coord.LastSyncTime().IsZero())
	assert.False(t, e.coord.IsSyncing())
}

func TestEmptyQueueStillUpdatesLastSyncTime(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.coord.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, e.coord.TriggerSync(ctx))

	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), e.coord.LastSyncTime())
	assert.Zero(t, e.summaryCount())
}

func TestLoadRestoresState(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	at := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, metadata.SetTime(ctx, e.meta, metadata.KeyLastSyncTime, at))
	e.enqueue(t, "notes", "a", models.OpInsert, models.Fields{"title": "a"}, time.Time{})

	var states []State
	e.coord.onState = func(s State) { states = append(states, s) }
	require.NoError(t, e.coord.Load(ctx))

	assert.True(t, at.Equal(e.coord.LastSyncTime()))
	assert.Equal(t, 1, e.coord.PendingChanges())
	require.NotEmpty(t, states)
	assert.Equal(t, 1, states[len(states)-1].PendingChanges)
}

func TestStagedBlobIsUploadedAndLinked(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, "files", "f1", models.Fields{"name": "report.txt"})

	path := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))
	require.NoError(t, e.blobs.CreateOrUpdate(ctx, &models.Blob{
		Table: "files", RecordID: "f1", LocalPath: path, ContentType: "text/plain", Size: 5,
	}))

	require.NoError(t, e.coord.TriggerSync(ctx))

	assert.Equal(t, []string{"http://blobs.invalid/files/f1:hello"}, e.uploads)
	b, err := e.blobs.Get(ctx, "files", "f1")
	require.NoError(t, err)
	assert.Equal(t, models.BlobUploaded, b.UploadStatus)
	assert.Equal(t, "files/f1", b.StorageKey)
	assert.Equal(t, 1, e.lastSummary(t).Uploaded)

	// the key travels to the server with the next cycle
	require.Equal(t, 1, e.coord.PendingChanges())
	require.NoError(t, e.coord.TriggerSync(ctx))
	snap, _ := e.remote.Record("files", "f1")
	assert.Equal(t, "files/f1", snap.Data["blob_key"])
}

func TestBlobWaitsForQueuedRecord(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.enqueue(t, "files", "f2", models.OpInsert, models.Fields{"name": "a.bin"}, time.Time{})
	e.remote.FailNext(clienttest.MethodCreate, fmt.Errorf("%w: no", client.ErrInvalid))

	path := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(path, []byte{1, 2}, 0o600))
	require.NoError(t, e.blobs.CreateOrUpdate(ctx, &models.Blob{Table: "files", RecordID: "f2", LocalPath: path}))

	require.NoError(t, e.coord.TriggerSync(ctx))
	assert.Empty(t, e.uploads)
	assert.Zero(t, e.remote.CallCount(clienttest.MethodPresignUpload))
}

func TestNotifyChangeReachesFeed(t *testing.T) {
	e := newEnv(t)
	var got []string
	e.coord.feed = feedFunc(func(_ context.Context, table string) { got = append(got, table) })

	e.coord.NotifyChange(context.Background(), "notes")
	assert.Equal(t, []string{"notes"}, got)
}

type feedFunc func(ctx context.Context, table string)

func (f feedFunc) NotifyLocal(ctx context.Context, table string) { f(ctx, table) }
