package sync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/database"
	"pos-sync-service/internal/pos"
	"pos-sync-service/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSQLiteStore(t *testing.T, clock *fakeClock) *store.SQLStore {
	t.Helper()
	st, err := store.New(config.StateStorage{Type: "sqlite", FilePath: filepath.Join(t.TempDir(), "sync.db")}, store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type fakeSource struct {
	mu   sync.Mutex
	rows map[string]map[string]any
	err  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{rows: map[string]map[string]any{}}
}

func (s *fakeSource) Put(entityType, entityID string, row map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[EntityKey(entityType, entityID)] = row
}

func (s *fakeSource) Load(_ context.Context, entityType, entityID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	row, ok := s.rows[EntityKey(entityType, entityID)]
	if !ok {
		return nil, database.ErrRowNotFound
	}
	return row, nil
}

// fakePOS replays queued results, then succeeds.
type fakePOS struct {
	mu       sync.Mutex
	calls    []pos.UpsertRequest
	errs     []error
	inflight int
	maxSeen  int
	delay    time.Duration
}

func (p *fakePOS) Fail(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, errs...)
}

func (p *fakePOS) Upsert(_ context.Context, req pos.UpsertRequest) (*pos.UpsertResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.inflight++
	if p.inflight > p.maxSeen {
		p.maxSeen = p.inflight
	}
	var err error
	if len(p.errs) > 0 {
		err, p.errs = p.errs[0], p.errs[1:]
	}
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	p.mu.Lock()
	p.inflight--
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &pos.UpsertResult{ExternalID: "pos-" + req.EntityID}, nil
}

func (p *fakePOS) Calls() []pos.UpsertRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pos.UpsertRequest(nil), p.calls...)
}

func (p *fakePOS) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSeen
}

var (
	errUnavailable = &pos.Error{StatusCode: 503, Message: "unavailable", Retryable: true}
	errRejected    = &pos.Error{StatusCode: 422, Message: "price must be positive"}
)

type engineFixture struct {
	clock  *fakeClock
	store  *store.SQLStore
	source *fakeSource
	pos    *fakePOS
	disp   *Dispatcher
}

func newEngineFixture(t *testing.T, policy TenantPolicy) *engineFixture {
	t.Helper()
	clock := newFakeClock()
	f := &engineFixture{
		clock:  clock,
		store:  newSQLiteStore(t, clock),
		source: newFakeSource(),
		pos:    &fakePOS{},
	}
	f.disp = NewDispatcher(f.store, f.pos, f.source, policy, DispatcherConfig{
		MaxRetries: 5,
		Backoff:    Backoff{Base: time.Minute, Max: time.Hour, Multiplier: 2},
		Now:        clock.Now,
	})
	return f
}
