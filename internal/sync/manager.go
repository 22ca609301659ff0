package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/pos"
	"pos-sync-service/internal/store"
)

const (
	StatusIdle    = "idle"
	StatusRunning = "running"
)

var ErrAlreadyRunning = errors.New("sync is already running")

// ChangeSource delivers raw row notifications. BinlogListener is the
// production implementation.
type ChangeSource interface {
	Start() error
	Stop()
	Events() <-chan RowChange
}

type ManagerOption func(*Manager)

// WithChangeSource overrides the binlog listener built from config.
func WithChangeSource(src ChangeSource) ManagerOption {
	return func(m *Manager) { m.sourceFactory = func() (ChangeSource, error) { return src, nil } }
}

// WithClock pins the dispatcher's notion of now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// Manager hosts the sync engine: change source, detector workers, debounce
// coordinator, dispatcher and retry scheduler, with an explicit Start/Stop
// lifecycle.
type Manager struct {
	cfg        *config.Config
	store      store.SyncLogStore
	dispatcher *Dispatcher
	scheduler  *Scheduler
	now        func() time.Time

	sourceFactory func() (ChangeSource, error)

	mu          sync.Mutex
	status      string
	source      ChangeSource
	workerPool  *WorkerPool
	coordinator *Coordinator
}

func NewManager(cfg *config.Config, st store.SyncLogStore, client pos.Client, source PayloadSource, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:    cfg,
		store:  st,
		status: StatusIdle,
		now:    time.Now,
	}
	m.sourceFactory = func() (ChangeSource, error) {
		return NewBinlogListener(cfg.Databases.Source, cfg.Sync.Tables, cfg.Sync.QueueSize)
	}
	for _, o := range opts {
		o(m)
	}

	m.dispatcher = NewDispatcher(st, client, source, NewConfigPolicy(cfg.Sync), DispatcherConfig{
		MaxRetries:      cfg.Retry.MaxRetries,
		Backoff:         BackoffFromConfig(cfg.Retry),
		ProviderTimeout: cfg.Sync.ProviderTimeout,
		Now:             m.now,
	})
	m.scheduler = NewScheduler(cfg.Scheduler, st, m.dispatcher)
	return m
}

func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusRunning {
		return ErrAlreadyRunning
	}

	logger.Log.Info("Starting sync manager", zap.Duration("debounce", m.cfg.Sync.Debounce))

	events := make(chan ChangeEvent, max(m.cfg.Sync.QueueSize, 1))
	m.coordinator = NewCoordinator(m.cfg.Sync.Debounce, m.dispatchDebounced)
	m.coordinator.Start(events)

	if m.cfg.Sync.Realtime {
		src, err := m.sourceFactory()
		if err != nil {
			m.coordinator.Stop()
			return fmt.Errorf("failed to create change source: %w", err)
		}

		m.workerPool = NewWorkerPool(m.cfg.Sync.Workers, NewDetector(m.cfg.Sync.Tables), src.Events(), events)
		m.workerPool.Start()

		if err := src.Start(); err != nil {
			src.Stop()
			m.workerPool.Stop()
			m.workerPool = nil
			m.coordinator.Stop()
			return err
		}
		m.source = src
	}

	if err := m.scheduler.Start(); err != nil {
		m.stopLocked()
		return err
	}

	m.status = StatusRunning
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusRunning {
		return
	}

	logger.Log.Info("Stopping sync manager")
	m.scheduler.Stop()
	m.stopLocked()
	m.status = StatusIdle
}

func (m *Manager) stopLocked() {
	if m.source != nil {
		m.source.Stop()
		m.source = nil
	}
	if m.workerPool != nil {
		m.workerPool.Stop()
		m.workerPool = nil
	}
	if m.coordinator != nil {
		m.coordinator.Stop()
	}
}

func (m *Manager) Close() {
	m.Stop()
	if err := m.store.Close(); err != nil {
		logger.Log.Warn("Failed to close sync log store", zap.Error(err))
	}
}

func (m *Manager) GetStatus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// PendingDebounces reports the number of entity keys waiting on a debounce
// window.
func (m *Manager) PendingDebounces() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusRunning {
		return 0
	}
	return m.coordinator.Pending()
}

func (m *Manager) dispatchDebounced(ctx context.Context, ev ChangeEvent) {
	if _, err := m.dispatcher.Dispatch(ctx, RequestFromEvent(ev)); err != nil {
		logger.Log.Error("Debounced dispatch failed", zap.String("key", ev.Key()), zap.Error(err))
	}
}

// Trigger is the entry point for manual and administrative sync requests.
// Unless immediate is set, the request joins the debounce window of its
// entity key while the engine runs; the returned entry is nil in that case.
func (m *Manager) Trigger(ctx context.Context, req Request, immediate bool) (*store.SyncLogEntry, error) {
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	if err := req.normalize(); err != nil {
		return nil, err
	}

	if !immediate {
		m.mu.Lock()
		if m.status == StatusRunning {
			m.coordinator.Submit(ChangeEvent{
				OwnerID:       req.OwnerID,
				EntityType:    req.EntityType,
				EntityID:      req.EntityID,
				Operation:     req.Operation,
				ChangedFields: req.ChangedFields,
				Trigger:       req.Trigger,
				OperationType: req.OperationType,
			})
			m.mu.Unlock()
			return nil, nil
		}
		m.mu.Unlock()
	}

	return m.dispatcher.Dispatch(ctx, req)
}

// RunRetries performs one retry pass on demand.
func (m *Manager) RunRetries(ctx context.Context) int {
	return m.scheduler.RunOnce(ctx)
}

func (m *Manager) History(ctx context.Context, ownerID string, limit int, filter store.HistoryFilter) ([]*store.SyncLogEntry, error) {
	return m.store.History(ctx, ownerID, limit, filter)
}

func (m *Manager) Errors(ctx context.Context, ownerID string, windowDays int) ([]*store.SyncLogEntry, error) {
	return m.store.Errors(ctx, ownerID, windowDays)
}

func (m *Manager) PendingRetries(ctx context.Context, ownerID string) ([]*store.SyncLogEntry, error) {
	return m.store.PendingRetries(ctx, ownerID)
}
