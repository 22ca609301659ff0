package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/pos"
	"pos-sync-service/internal/store"
)

func dishRequest(id string) Request {
	return Request{OwnerID: "owner-1", EntityType: "menu_item", EntityID: id, Operation: Update, Trigger: TriggerAuto}
}

func TestDispatch_Success(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.source.Put("menu_item", "dish-1", map[string]any{"name": "Risotto", "price": "14.00"})

	entry, err := f.disp.Dispatch(context.Background(), dishRequest("dish-1"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, entry.Status)
	assert.Equal(t, "pos-dish-1", entry.ExternalID.String)

	stored, err := f.store.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, stored.Status)
	assert.Equal(t, store.OpCatalogSync, stored.OperationType)
	assert.Equal(t, "pos-dish-1", stored.ExternalID.String)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(stored.Metadata, &meta))
	assert.Equal(t, "auto", meta["trigger"])

	calls := f.pos.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Risotto", calls[0].Payload["name"])
	assert.Empty(t, calls[0].ExternalID)
}

func TestDispatch_ReusesKnownExternalID(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.source.Put("menu_item", "dish-1", map[string]any{"name": "Risotto"})

	_, err := f.disp.Dispatch(context.Background(), dishRequest("dish-1"))
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.disp.Dispatch(context.Background(), dishRequest("dish-1"))
	require.NoError(t, err)

	calls := f.pos.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "pos-dish-1", calls[1].ExternalID)
}

func TestDispatch_TransientFailureSchedulesRetry(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.source.Put("menu_item", "dish-1", map[string]any{"name": "Risotto"})
	f.pos.Fail(errUnavailable)

	entry, err := f.disp.Dispatch(context.Background(), dishRequest("dish-1"))
	require.NoError(t, err)

	stored, err := f.store.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.True(t, stored.NextRetryAt.Valid)
	assert.WithinDuration(t, f.clock.Now().Add(time.Minute), stored.NextRetryAt.Time, time.Millisecond)
	assert.Contains(t, stored.ErrorMessage.String, "unavailable")

	var details map[string]any
	require.NoError(t, json.Unmarshal(stored.ErrorDetails, &details))
	assert.Equal(t, "transient", details["kind"])
	assert.EqualValues(t, 503, details["status_code"])
}

func TestDispatch_PermanentFailureIsTerminal(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.source.Put("menu_item", "dish-1", map[string]any{"price": "-1"})
	f.pos.Fail(errRejected)

	entry, err := f.disp.Dispatch(context.Background(), dishRequest("dish-1"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, entry.Status)
	assert.False(t, entry.NextRetryAt.Valid)
	assert.Zero(t, entry.RetryCount)

	due, err := f.store.PendingRetries(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDispatch_MissingSourceRowIsTerminal(t *testing.T) {
	f := newEngineFixture(t, nil)

	entry, err := f.disp.Dispatch(context.Background(), dishRequest("gone"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, entry.Status)
	assert.Empty(t, f.pos.Calls())
}

func TestDispatch_SourceUnavailableIsRetried(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.source.err = fmt.Errorf("connection reset")

	entry, err := f.disp.Dispatch(context.Background(), dishRequest("dish-1"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusRetrying, entry.Status)
}

func TestDispatch_Conflict(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.source.Put("menu_item", "dish-1", map[string]any{"name": "Risotto", "price": "14.00"})
	f.pos.Fail(&pos.Error{StatusCode: 409, Message: "version mismatch", Conflict: true, Remote: map[string]any{"name": "Risotto", "price": 12}})

	entry, err := f.disp.Dispatch(context.Background(), dishRequest("dish-1"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusConflict, entry.Status)
	assert.False(t, entry.NextRetryAt.Valid)

	var details map[string]any
	require.NoError(t, json.Unmarshal(entry.ErrorDetails, &details))
	assert.Equal(t, "conflict", details["kind"])
	assert.NotNil(t, details["remote"])
}

func TestDispatch_ConflictWithIdenticalRemoteIsSuccess(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.source.Put("menu_item", "dish-1", map[string]any{"name": "Risotto", "price": "14.00"})
	f.pos.Fail(&pos.Error{StatusCode: 409, Conflict: true, Remote: map[string]any{"name": "Risotto", "price": 14}})

	entry, err := f.disp.Dispatch(context.Background(), dishRequest("dish-1"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, entry.Status)
}

func TestDispatch_ConflictOnEmployeeNamedNan(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.source.Put("employee", "e-1", map[string]any{"first_name": "Nan", "hourly_rate": "25.00"})
	f.pos.Fail(&pos.Error{StatusCode: 409, Conflict: true, Remote: map[string]any{"first_name": "Nan", "hourly_rate": "20.00"}})

	entry, err := f.disp.Dispatch(context.Background(), Request{OwnerID: "owner-1", EntityType: "employee", EntityID: "e-1"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusConflict, entry.Status)
}

func TestDispatch_SkippedByPolicy(t *testing.T) {
	f := newEngineFixture(t, NewConfigPolicy(config.SyncConfig{DisabledEntities: []string{"employee"}}))

	entry, err := f.disp.Dispatch(context.Background(), Request{OwnerID: "owner-1", EntityType: "employee", EntityID: "e-1"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusSkipped, entry.Status)
	assert.Equal(t, store.OpStaffSync, entry.OperationType)
	assert.Empty(t, f.pos.Calls())

	stored, err := f.store.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSkipped, stored.Status)
}

func TestDispatch_InvalidRequest(t *testing.T) {
	f := newEngineFixture(t, nil)

	for _, req := range []Request{
		{EntityType: "menu_item", EntityID: "dish-1"},
		{OwnerID: "owner-1", EntityID: "dish-1"},
		{OwnerID: "owner-1", EntityType: "menu_item"},
		{OwnerID: "owner-1", EntityType: "menu_item", EntityID: "dish-1", Operation: Delete},
		{OwnerID: "owner-1", EntityType: "menu_item", EntityID: "dish-1", OperationType: "bulk_import"},
	} {
		_, err := f.disp.Dispatch(context.Background(), req)
		var ve *ValidationError
		assert.ErrorAs(t, err, &ve)
	}

	history, err := f.store.History(context.Background(), "owner-1", 10, store.HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDispatch_PersistenceErrorStillPushes(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.source.Put("menu_item", "dish-1", map[string]any{"name": "Risotto"})
	require.NoError(t, f.store.Close())

	entry, err := f.disp.Dispatch(context.Background(), dishRequest("dish-1"))
	require.Error(t, err)
	assert.True(t, store.IsPersistence(err))
	assert.Equal(t, store.StatusSuccess, entry.Status)
	assert.Len(t, f.pos.Calls(), 1)
}

func TestRetry_CarriesCountAndSupersedesParent(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.source.Put("ingredient", "ing-1", map[string]any{"cost_per_unit": "2.10"})
	f.pos.Fail(errUnavailable)

	first, err := f.disp.Dispatch(ctx, Request{OwnerID: "owner-1", EntityType: "ingredient", EntityID: "ing-1", Operation: Insert})
	require.NoError(t, err)
	require.Equal(t, store.StatusRetrying, first.Status)

	parent, err := f.store.Get(ctx, first.ID)
	require.NoError(t, err)

	second, err := f.disp.Retry(ctx, parent)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, store.StatusSuccess, second.Status)
	assert.Equal(t, 1, second.RetryCount)

	calls := f.pos.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "insert", calls[1].Operation)

	parent, err = f.store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRetrying, parent.Status)
	assert.Equal(t, second.ID, parent.SupersededBy.String)

	latest, err := f.store.History(ctx, "owner-1", 1, store.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, second.ID, latest[0].ID)

	_, err = f.disp.Retry(ctx, latest[0])
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestRetry_ParentAlreadyServicedRecordsNothing(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.source.Put("recipe", "r-1", map[string]any{"name": "Stock"})
	f.pos.Fail(errUnavailable)

	first, err := f.disp.Dispatch(ctx, Request{OwnerID: "owner-1", EntityType: "recipe", EntityID: "r-1"})
	require.NoError(t, err)
	parent, err := f.store.Get(ctx, first.ID)
	require.NoError(t, err)

	_, err = f.disp.Retry(ctx, parent)
	require.NoError(t, err)

	// parent is now a stale copy: still retrying, no superseded_by.
	again, err := f.disp.Retry(ctx, parent)
	assert.ErrorIs(t, err, ErrRetryServiced)
	assert.Nil(t, again)
	assert.Len(t, f.pos.Calls(), 2)

	history, err := f.store.History(ctx, "owner-1", 10, store.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 2, "no extra row for the losing pass")
	assert.Equal(t, store.StatusSuccess, history[0].Status)
}

func TestRetry_ExhaustionIsTerminal(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.source.Put("employee", "e-1", map[string]any{"name": "Sam"})
	for i := 0; i < 10; i++ {
		f.pos.Fail(errUnavailable)
	}

	entry, err := f.disp.Dispatch(ctx, Request{OwnerID: "owner-1", EntityType: "employee", EntityID: "e-1"})
	require.NoError(t, err)

	for entry.Status == store.StatusRetrying {
		assert.Less(t, entry.RetryCount, entry.MaxRetries)
		parent, err := f.store.Get(ctx, entry.ID)
		require.NoError(t, err)
		entry, err = f.disp.Retry(ctx, parent)
		require.NoError(t, err)
	}

	assert.Equal(t, store.StatusError, entry.Status)
	assert.Equal(t, 5, entry.RetryCount)
	assert.False(t, entry.NextRetryAt.Valid)
	assert.Len(t, f.pos.Calls(), 5)

	f.clock.Advance(24 * time.Hour)
	due, err := f.store.PendingRetries(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDispatch_SerializesSameKey(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.pos.delay = 20 * time.Millisecond
	f.source.Put("menu_item", "dish-1", map[string]any{"name": "Risotto"})
	f.source.Put("menu_item", "dish-2", map[string]any{"name": "Gnocchi"})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.disp.Dispatch(context.Background(), dishRequest("dish-1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.pos.MaxConcurrent())
	assert.Len(t, f.pos.Calls(), 4)

	history, err := f.store.History(context.Background(), "owner-1", 10, store.HistoryFilter{EntityID: "dish-1"})
	require.NoError(t, err)
	require.Len(t, history, 4)
	for _, e := range history {
		assert.Equal(t, store.StatusSuccess, e.Status)
	}
}

func TestKeyLocks_ReleaseEntries(t *testing.T) {
	k := newKeyLocks()
	unlock := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Len(t, k.locks, 2)
	unlock()
	unlockB()
	assert.Empty(t, k.locks)
}
