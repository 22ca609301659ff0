package sync

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/store"
)

// Retrier re-dispatches a due retrying entry.
type Retrier interface {
	Retry(ctx context.Context, parent *store.SyncLogEntry) (*store.SyncLogEntry, error)
}

// Scheduler periodically services due retries from the sync log,
// independent of the live change stream.
type Scheduler struct {
	cfg     config.SchedulerConfig
	store   store.SyncLogStore
	retrier Retrier
	cron    *cron.Cron
	entryID cron.EntryID
	running atomic.Bool
}

func NewScheduler(cfg config.SchedulerConfig, st store.SyncLogStore, retrier Retrier) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		retrier: retrier,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Retry scheduler is disabled")
		return nil
	}

	logger.Log.Info("Starting retry scheduler", zap.String("interval", s.cfg.Interval))

	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}

	id, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.RunOnce(context.Background())
	})
	if err != nil {
		logger.Log.Error("Failed to schedule retry job", zap.Error(err))
		return err
	}

	s.entryID = id
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logger.Log.Info("Stopped retry scheduler")
}

// RunOnce services every due retry and returns how many were re-dispatched.
// A store failure ends the pass quietly; due rows stay due for the next one.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if !s.running.CompareAndSwap(false, true) {
		logger.Log.Info("Retry pass already running, skipping")
		return 0
	}
	defer s.running.Store(false)

	owners, err := s.store.DueOwners(ctx)
	if err != nil {
		logger.Log.Error("Failed to list tenants with due retries", zap.Error(err))
		return 0
	}

	dispatched := 0
	for _, owner := range owners {
		due, err := s.store.PendingRetries(ctx, owner)
		if err != nil {
			logger.Log.Error("Failed to fetch due retries", zap.String("owner_id", owner), zap.Error(err))
			continue
		}
		for _, entry := range due {
			if ctx.Err() != nil {
				return dispatched
			}
			_, err := s.retrier.Retry(ctx, entry)
			if errors.Is(err, ErrRetryServiced) {
				logger.Log.Debug("Retry already serviced", zap.String("entry_id", entry.ID))
				continue
			}
			if err != nil {
				logger.Log.Error("Retry dispatch failed",
					zap.String("owner_id", owner),
					zap.String("entry_id", entry.ID),
					zap.Error(err),
				)
				if !store.IsPersistence(err) {
					continue
				}
			}
			dispatched++
		}
	}

	if dispatched > 0 {
		logger.Log.Info("Retry pass finished", zap.Int("dispatched", dispatched), zap.Int("tenants", len(owners)))
	}
	return dispatched
}
