package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pos-sync-service/internal/logger"
)

// DefaultDebounce is the quiet window used when none is configured.
const DefaultDebounce = 5 * time.Second

// DispatchFunc receives the last event of a settled debounce window.
type DispatchFunc func(ctx context.Context, ev ChangeEvent)

type pendingFire struct {
	timer *time.Timer
	event ChangeEvent
	gen   uint64
}

// Coordinator collapses bursts of ChangeEvents per entity key into a single
// dispatch fired once the key has been quiet for the configured delay.
type Coordinator struct {
	delay    time.Duration
	dispatch DispatchFunc

	mu      sync.Mutex
	pending map[string]*pendingFire
	gen     uint64
	stopped bool

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	loop     sync.WaitGroup
}

func NewCoordinator(delay time.Duration, dispatch DispatchFunc) *Coordinator {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		delay:    delay,
		dispatch: dispatch,
		pending:  make(map[string]*pendingFire),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start consumes events until the channel closes or Stop is called.
func (c *Coordinator) Start(events <-chan ChangeEvent) {
	c.loop.Add(1)
	go func() {
		defer c.loop.Done()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.Submit(ev)
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

// Submit arms (or re-arms) the timer for the event's entity key. The latest
// event for a key replaces any earlier one in the same window.
func (c *Coordinator) Submit(ev ChangeEvent) {
	key := ev.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	if p, ok := c.pending[key]; ok {
		p.timer.Stop()
	}

	c.gen++
	p := &pendingFire{event: ev, gen: c.gen}
	gen := c.gen
	p.timer = time.AfterFunc(c.delay, func() { c.fire(key, gen) })
	c.pending[key] = p

	logger.Log.Debug("Debounce armed", zap.String("key", key), zap.String("operation", string(ev.Operation)))
}

func (c *Coordinator) fire(key string, gen uint64) {
	c.mu.Lock()
	p, ok := c.pending[key]
	// A replaced timer may still fire if Stop lost the race; only the
	// current generation dispatches.
	if !ok || p.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.inflight.Add(1)
	c.mu.Unlock()

	defer c.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Debounced dispatch panicked", zap.String("key", key), zap.Any("panic", r))
		}
	}()

	// In-flight dispatches run to completion even while stopping.
	c.dispatch(context.WithoutCancel(c.ctx), p.event)
}

// Pending returns the number of armed keys.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop cancels every armed timer without firing it and waits for dispatches
// already underway. Submit is a no-op afterwards.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	dropped := len(c.pending)
	for key, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, key)
	}
	c.mu.Unlock()

	c.cancel()
	c.loop.Wait()
	c.inflight.Wait()

	logger.Log.Info("Stopped debounce coordinator", zap.Int("dropped", dropped))
}
