package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/store"
)

func failFirst(t *testing.T, f *engineFixture, reqs ...Request) []*store.SyncLogEntry {
	t.Helper()
	var out []*store.SyncLogEntry
	for _, r := range reqs {
		f.source.Put(r.EntityType, r.EntityID, map[string]any{"id": r.EntityID})
		f.pos.Fail(errUnavailable)
		e, err := f.disp.Dispatch(context.Background(), r)
		require.NoError(t, err)
		require.Equal(t, store.StatusRetrying, e.Status)
		out = append(out, e)
	}
	return out
}

func TestScheduler_RunOnceServicesDueRetries(t *testing.T) {
	f := newEngineFixture(t, nil)
	failFirst(t, f,
		Request{OwnerID: "owner-1", EntityType: "recipe", EntityID: "r-1"},
		Request{OwnerID: "owner-2", EntityType: "ingredient", EntityID: "ing-1"},
	)

	s := NewScheduler(config.SchedulerConfig{}, f.store, f.disp)

	assert.Zero(t, s.RunOnce(context.Background()), "nothing is due yet")

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, s.RunOnce(context.Background()))
	assert.Len(t, f.pos.Calls(), 4)

	for _, owner := range []string{"owner-1", "owner-2"} {
		latest, err := f.store.History(context.Background(), owner, 1, store.HistoryFilter{})
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, store.StatusSuccess, latest[0].Status)
	}

	assert.Zero(t, s.RunOnce(context.Background()), "serviced retries are not picked up again")
}

func TestScheduler_FutureEntryExcluded(t *testing.T) {
	f := newEngineFixture(t, nil)
	entries := failFirst(t, f, Request{OwnerID: "owner-1", EntityType: "recipe", EntityID: "r-1"})

	f.clock.Advance(2 * time.Minute)
	failFirst(t, f, Request{OwnerID: "owner-1", EntityType: "recipe", EntityID: "r-2"})

	s := NewScheduler(config.SchedulerConfig{}, f.store, f.disp)
	assert.Equal(t, 1, s.RunOnce(context.Background()))

	calls := f.pos.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "r-1", calls[2].EntityID)

	parent, err := f.store.Get(context.Background(), entries[0].ID)
	require.NoError(t, err)
	assert.True(t, parent.SupersededBy.Valid)
}

type brokenStore struct {
	store.SyncLogStore
	dueErr     error
	pendingErr map[string]error
}

func (b *brokenStore) DueOwners(ctx context.Context) ([]string, error) {
	if b.dueErr != nil {
		return nil, b.dueErr
	}
	return b.SyncLogStore.DueOwners(ctx)
}

func (b *brokenStore) PendingRetries(ctx context.Context, owner string) ([]*store.SyncLogEntry, error) {
	if err := b.pendingErr[owner]; err != nil {
		return nil, err
	}
	return b.SyncLogStore.PendingRetries(ctx, owner)
}

func TestScheduler_StoreUnavailableReturnsEmpty(t *testing.T) {
	f := newEngineFixture(t, nil)
	failFirst(t, f, Request{OwnerID: "owner-1", EntityType: "recipe", EntityID: "r-1"})
	f.clock.Advance(time.Hour)

	broken := &brokenStore{SyncLogStore: f.store, dueErr: &store.PersistenceError{Op: "due owners", Err: errors.New("connection refused")}}
	s := NewScheduler(config.SchedulerConfig{}, broken, f.disp)
	assert.Zero(t, s.RunOnce(context.Background()))

	broken.dueErr = nil
	assert.Equal(t, 1, s.RunOnce(context.Background()), "missed tick is picked up next pass")
}

func TestScheduler_OneTenantFailureDoesNotAbortPass(t *testing.T) {
	f := newEngineFixture(t, nil)
	failFirst(t, f,
		Request{OwnerID: "owner-1", EntityType: "recipe", EntityID: "r-1"},
		Request{OwnerID: "owner-2", EntityType: "recipe", EntityID: "r-2"},
	)
	f.clock.Advance(time.Hour)

	broken := &brokenStore{SyncLogStore: f.store, pendingErr: map[string]error{"owner-1": errors.New("timeout")}}
	s := NewScheduler(config.SchedulerConfig{}, broken, f.disp)
	assert.Equal(t, 1, s.RunOnce(context.Background()))
}

func TestScheduler_StartDisabledAndInvalid(t *testing.T) {
	f := newEngineFixture(t, nil)

	s := NewScheduler(config.SchedulerConfig{Enabled: false}, f.store, f.disp)
	require.NoError(t, s.Start())
	s.Stop()

	s = NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "every other tuesday"}, f.store, f.disp)
	assert.Error(t, s.Start())
}

func TestScheduler_CronFires(t *testing.T) {
	f := newEngineFixture(t, nil)
	failFirst(t, f, Request{OwnerID: "owner-1", EntityType: "recipe", EntityID: "r-1"})
	f.clock.Advance(time.Hour)

	s := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "@every 1s"}, f.store, f.disp)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool { return len(f.pos.Calls()) == 2 }, 3*time.Second, 20*time.Millisecond)
}
