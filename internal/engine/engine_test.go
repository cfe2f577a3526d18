package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeledger/internal/localstore"
	"routeledger/internal/logging"
	"routeledger/internal/models"
	"routeledger/internal/state"
	"routeledger/internal/transport"
)

type fakeTransport struct {
	pushFn    func(ctx context.Context, entries []models.LogEntry) (*transport.PushResult, error)
	pullFn    func(ctx context.Context, since *time.Time) (*transport.PullResult, error)
	pushCalls int
	pullCalls int
}

func (f *fakeTransport) Push(ctx context.Context, entries []models.LogEntry) (*transport.PushResult, error) {
	f.pushCalls++
	if f.pushFn == nil {
		return &transport.PushResult{Synced: len(entries), ServerTimestamp: time.Now().UTC()}, nil
	}
	return f.pushFn(ctx, entries)
}

func (f *fakeTransport) Pull(ctx context.Context, since *time.Time) (*transport.PullResult, error) {
	f.pullCalls++
	if f.pullFn == nil {
		return &transport.PullResult{ServerTimestamp: time.Now().UTC()}, nil
	}
	return f.pullFn(ctx, since)
}

func setupEngine(t *testing.T, tp Transport, bindIdentity bool) (*Engine, *localstore.Store, *state.Store) {
	t.Helper()
	store, err := localstore.Open("file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if bindIdentity {
		require.NoError(t, st.SetCredentials("tok", models.User{ID: "srv-1", Email: "a@example.com"}))
	}
	return New(store, st, tp, logging.New("development"), Config{}), store, st
}

func TestSyncWithoutCredentialIsLocalNoop(t *testing.T) {
	tp := &fakeTransport{}
	e, _, _ := setupEngine(t, tp, false)

	require.NoError(t, e.Sync(context.Background()))
	assert.Equal(t, StatusLocal, e.Status())
	assert.Zero(t, tp.pushCalls)
	assert.Zero(t, tp.pullCalls)
}

func TestSyncWhileOfflineIsNoop(t *testing.T) {
	tp := &fakeTransport{}
	e, _, _ := setupEngine(t, tp, true)

	e.SetOnline(false)
	require.NoError(t, e.Sync(context.Background()))
	assert.Equal(t, StatusOffline, e.Status())
	assert.Zero(t, tp.pushCalls)
	assert.Zero(t, tp.pullCalls)
}

func TestSuccessfulCycleEndsSynced(t *testing.T) {
	tp := &fakeTransport{}
	e, store, _ := setupEngine(t, tp, true)

	_, err := store.Append(context.Background(), "srv-1", models.TableExpenses, "r1", models.ActionCreate, json.RawMessage(`{"id":"r1"}`))
	require.NoError(t, err)

	require.NoError(t, e.Sync(context.Background()))
	assert.Equal(t, StatusSynced, e.Status())
	assert.Equal(t, 1, tp.pushCalls)
	assert.Equal(t, 1, tp.pullCalls)

	pending, err := store.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPushSkippedWhenNothingPending(t *testing.T) {
	tp := &fakeTransport{}
	e, _, _ := setupEngine(t, tp, true)

	require.NoError(t, e.Sync(context.Background()))
	assert.Zero(t, tp.pushCalls)
	assert.Equal(t, 1, tp.pullCalls)
	assert.Equal(t, StatusSynced, e.Status())
}

func TestPushFailureDoesNotBlockPull(t *testing.T) {
	tp := &fakeTransport{
		pushFn: func(ctx context.Context, entries []models.LogEntry) (*transport.PushResult, error) {
			return nil, &transport.ServerError{Status: 500, Message: "boom"}
		},
	}
	e, store, _ := setupEngine(t, tp, true)

	_, err := store.Append(context.Background(), "srv-1", models.TableExpenses, "r1", models.ActionCreate, nil)
	require.NoError(t, err)

	err = e.Sync(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, tp.pullCalls, "pull must run even when push failed")
	assert.Equal(t, StatusPending, e.Status())
	assert.NotEmpty(t, e.StatusSnapshot().LastError)
}

func TestNotAuthenticatedMovesToLocal(t *testing.T) {
	tp := &fakeTransport{
		pullFn: func(ctx context.Context, since *time.Time) (*transport.PullResult, error) {
			return nil, transport.ErrNotAuthenticated
		},
	}
	e, _, _ := setupEngine(t, tp, true)

	err := e.Sync(context.Background())
	require.ErrorIs(t, err, transport.ErrNotAuthenticated)
	assert.Equal(t, StatusLocal, e.Status())
}

func TestPullDrainsHasMorePages(t *testing.T) {
	page := 0
	stamp1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	stamp2 := stamp1.Add(time.Minute)
	tp := &fakeTransport{
		pullFn: func(ctx context.Context, since *time.Time) (*transport.PullResult, error) {
			page++
			if page == 1 {
				return &transport.PullResult{
					Entries: []models.LogEntry{{
						ID: "e1", UserID: "srv-1", TableName: models.TableCategories, RecordID: "c1",
						Action:  models.ActionCreate,
						Payload: json.RawMessage(`{"id":"c1","user_id":"srv-1","name":"Food","color":"","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}`),
						ServerTimestamp: &stamp1,
					}},
					ServerTimestamp: stamp2,
					HasMore:         true,
				}, nil
			}
			assert.NotNil(t, since)
			return &transport.PullResult{ServerTimestamp: stamp2}, nil
		},
	}
	e, store, st := setupEngine(t, tp, true)
	_, err := store.EnsureUser(context.Background(), models.User{ID: "srv-1"})
	require.NoError(t, err)

	require.NoError(t, e.Sync(context.Background()))
	assert.Equal(t, 2, tp.pullCalls)

	cursor, err := st.Cursor()
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.Equal(stamp1))
}

func TestApplyFailureSkipsEntryAndAdvancesCursor(t *testing.T) {
	stamp1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	stamp2 := stamp1.Add(time.Second)
	tp := &fakeTransport{
		pullFn: func(ctx context.Context, since *time.Time) (*transport.PullResult, error) {
			return &transport.PullResult{
				Entries: []models.LogEntry{
					{
						ID: "bad", UserID: "srv-1", TableName: "not_a_table", RecordID: "r1",
						Action: models.ActionCreate, Payload: json.RawMessage(`{}`), ServerTimestamp: &stamp1,
					},
					{
						ID: "good", UserID: "srv-1", TableName: models.TableTags, RecordID: "t1",
						Action:  models.ActionCreate,
						Payload: json.RawMessage(`{"id":"t1","user_id":"srv-1","name":"travel","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}`),
						ServerTimestamp: &stamp2,
					},
				},
				ServerTimestamp: stamp2,
			}, nil
		},
	}
	e, store, st := setupEngine(t, tp, true)
	_, err := store.EnsureUser(context.Background(), models.User{ID: "srv-1"})
	require.NoError(t, err)

	require.NoError(t, e.Sync(context.Background()))
	assert.Equal(t, StatusSynced, e.Status())

	var n int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(1) FROM tags WHERE id = 't1'`).Scan(&n))
	assert.Equal(t, 1, n, "entry after the failed one must still apply")

	cursor, err := st.Cursor()
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.Equal(stamp2))
}

func TestListenersNotifiedOnTransitionsOnly(t *testing.T) {
	tp := &fakeTransport{}
	e, _, _ := setupEngine(t, tp, true)

	var seen []Status
	e.OnStatusChange(func(s Status) { seen = append(seen, s) })

	// Initial status is pending (credential present), so the cycle's
	// opening pending transition is a no-op; only synced is observed.
	require.NoError(t, e.Sync(context.Background()))
	require.Equal(t, []Status{StatusSynced}, seen)

	// A second cycle transitions synced -> pending -> synced.
	require.NoError(t, e.Sync(context.Background()))
	assert.Equal(t, []Status{StatusSynced, StatusPending, StatusSynced}, seen)
}

func TestListenerTriggeredSyncCollapses(t *testing.T) {
	tp := &fakeTransport{}
	e, _, _ := setupEngine(t, tp, true)

	e.OnStatusChange(func(s Status) {
		// Re-entering through the guarded entry point must be a no-op,
		// not a deadlock or a nested cycle.
		_ = e.Sync(context.Background())
	})

	require.NoError(t, e.Sync(context.Background()))
	assert.Equal(t, 1, tp.pullCalls)
}

func TestPendingEntriesAppendedMidCycleKeepStatusPending(t *testing.T) {
	var store *localstore.Store
	tp := &fakeTransport{
		pullFn: func(ctx context.Context, since *time.Time) (*transport.PullResult, error) {
			// A mutation lands while the cycle is in flight.
			_, err := store.Append(ctx, "srv-1", models.TableExpenses, "late", models.ActionCreate, nil)
			require.NoError(t, err)
			return &transport.PullResult{ServerTimestamp: time.Now().UTC()}, nil
		},
	}
	var e *Engine
	e, store, _ = setupEngine(t, tp, true)

	require.NoError(t, e.Sync(context.Background()))
	assert.Equal(t, StatusPending, e.Status())
}

func TestOfflineFlipDecidesAgainstCurrentStatus(t *testing.T) {
	tp := &fakeTransport{}
	e, _, st := setupEngine(t, tp, false)

	// No identity bound: local dominates, the flip changes nothing.
	e.SetOnline(false)
	assert.Equal(t, StatusLocal, e.Status())

	// Once a credential lands and a cycle has run, the same flip must
	// transition; the decision reads status under the connectivity lock.
	e.SetOnline(true)
	require.NoError(t, st.SetCredentials("tok", models.User{ID: "srv-1"}))
	require.NoError(t, e.Sync(context.Background()))
	require.Equal(t, StatusSynced, e.Status())

	e.SetOnline(false)
	assert.Equal(t, StatusOffline, e.Status())
}

func TestOfflineOnlineEdgeTriggersSync(t *testing.T) {
	tp := &fakeTransport{}
	e, _, _ := setupEngine(t, tp, true)

	e.SetOnline(false)
	assert.Equal(t, StatusOffline, e.Status())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	e.SetOnline(true)
	require.Eventually(t, func() bool {
		return e.Status() == StatusSynced
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
