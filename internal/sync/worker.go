package sync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"pos-sync-service/internal/logger"
)

// WorkerPool drains raw row notifications, runs them through the Detector and
// publishes the resulting ChangeEvents. A bad notification is logged and
// dropped without affecting the ones after it.
type WorkerPool struct {
	workers  []*Worker
	rowChan  <-chan RowChange
	out      chan<- ChangeEvent
	detector *Detector
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewWorkerPool(workers int, detector *Detector, rowChan <-chan RowChange, out chan<- ChangeEvent) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		workers:  make([]*Worker, workers),
		rowChan:  rowChan,
		out:      out,
		detector: detector,
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < workers; i++ {
		pool.workers[i] = newWorker(i, pool)
	}

	return pool
}

func (p *WorkerPool) Start() {
	logger.Log.Info("Starting worker pool", zap.Int("workers", len(p.workers)))
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
}

// Stop ends the workers; notifications still queued are abandoned.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
	logger.Log.Info("Stopped worker pool")
}

// Wait blocks until every worker has exited, e.g. after the input closes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

type Worker struct {
	id   int
	pool *WorkerPool
}

func newWorker(id int, pool *WorkerPool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
	}
}

func (w *Worker) run() {
	defer w.pool.wg.Done()

	for {
		select {
		case change, ok := <-w.pool.rowChan:
			if !ok {
				return
			}
			ev := w.process(change)
			if ev == nil {
				continue
			}
			select {
			case w.pool.out <- *ev:
			case <-w.pool.ctx.Done():
				return
			}

		case <-w.pool.ctx.Done():
			return
		}
	}
}

func (w *Worker) process(change RowChange) (ev *ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Dropping notification after panic",
				zap.Int("workerID", w.id),
				zap.String("table", change.Table),
				zap.Any("panic", r),
			)
			ev = nil
		}
	}()

	ev, err := w.pool.detector.Detect(change)
	if err != nil {
		logger.Log.Warn("Dropping malformed notification",
			zap.Int("workerID", w.id),
			zap.String("change", change.String()),
			zap.Error(err),
		)
		return nil
	}
	if ev != nil {
		logger.Log.Debug("Change detected",
			zap.Int("workerID", w.id),
			zap.String("key", ev.Key()),
			zap.Strings("changed_fields", ev.ChangedFields),
		)
	}
	return ev
}
