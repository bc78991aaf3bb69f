package virtual

import (
	"context"
	"sync"
	"time"

	"github.com/fenwick-systems/vtransport/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// Scheduler aggregates every channel of a transport that requires
// asynchronous reads behind one dispatch loop: a fair round-robin cursor
// over active queues, prefetch-gated registration, and periodic
// visibility-restoration / health-check ticks.
//
// Go has no portable fd-multiplexing primitive for arbitrary backend
// clients, so the external event-loop abstraction from the poller contract
// is realized here as a ticking goroutine that also wakes early off a
// fan-in channel: each registered queue whose backend implements the
// optional AsyncReadinessSource capability gets a small forwarding
// goroutine feeding that fan-in, so dispatchLoop doesn't wait out the rest
// of a polling tick once a backend signals readiness. Backends without the
// capability are only ever served on the PollingInterval tick.
type Scheduler struct {
	opts Options

	mu        sync.Mutex
	byChannel map[*Channel]map[string]bool // channel -> active queue set
	cycle     []cursorEntry
	watchers  map[cursorEntry]context.CancelFunc // entries with a running AsyncReadinessSource forwarder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	wake chan struct{} // fan-in: any watched queue's readiness wakes dispatchLoop early
}

type cursorEntry struct {
	channel *Channel
	queue   string
}

func newScheduler(opts Options) *Scheduler {
	return &Scheduler{
		opts:      opts,
		byChannel: make(map[*Channel]map[string]bool),
		watchers:  make(map[cursorEntry]context.CancelFunc),
		wake:      make(chan struct{}, 1),
	}
}

func (s *Scheduler) registerQueue(c *Channel, queue string) {
	s.mu.Lock()
	if s.byChannel[c] == nil {
		s.byChannel[c] = make(map[string]bool)
	}
	if s.byChannel[c][queue] {
		s.mu.Unlock()
		return
	}
	s.byChannel[c][queue] = true
	entry := cursorEntry{channel: c, queue: queue}
	s.cycle = append(s.cycle, entry)
	schedulerCtx := s.ctx
	s.mu.Unlock()

	if c.caps.async != nil && schedulerCtx != nil {
		s.watchAsyncReady(schedulerCtx, entry)
	}
}

func (s *Scheduler) unregisterQueue(c *Channel, queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byChannel[c], queue)
	if len(s.byChannel[c]) == 0 {
		delete(s.byChannel, c)
	}
	kept := s.cycle[:0:0]
	for _, e := range s.cycle {
		if !(e.channel == c && e.queue == queue) {
			kept = append(kept, e)
		}
	}
	s.cycle = kept

	entry := cursorEntry{channel: c, queue: queue}
	if cancel, ok := s.watchers[entry]; ok {
		cancel()
		delete(s.watchers, entry)
	}
}

// watchAsyncReady forwards a backend's AsyncReadinessSource channel into the
// scheduler's wake fan-in, so dispatchLoop serves that queue as soon as the
// backend signals readiness instead of waiting out the rest of the current
// polling tick.
func (s *Scheduler) watchAsyncReady(parent context.Context, entry cursorEntry) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.watchers[entry] = cancel
	s.mu.Unlock()

	ready := entry.channel.caps.async.AsyncReady(entry.queue)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ready:
				select {
				case s.wake <- struct{}{}:
				default:
				}
				if !ok {
					return
				}
			}
		}
	}()
}

// start launches the background dispatch and maintenance loops. It returns
// immediately; call stop to shut down.
func (s *Scheduler) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cancel = cancel

	s.wg.Add(3)
	go s.dispatchLoop(ctx)
	go s.restoreLoop(ctx)
	go s.healthCheckLoop(ctx)
}

func (s *Scheduler) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// dispatchLoop is on_poll_start + on_readable folded into one cooperative
// loop: each tick it polls every queue in the cycle at most once
// (concurrently), then rotates the cycle by one position, so each active
// queue gets at most one read per tick, the basis of the ⌊N/K⌋..⌈N/K⌉
// fair-share bound over any window of N reads across K active queues.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		case <-s.wake:
			s.pollOnce(ctx)
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	s.mu.Lock()
	entries := make([]cursorEntry, len(s.cycle))
	copy(entries, s.cycle)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		if !e.channel.canConsume() {
			continue // prefetch gating: excluded from registration until it drains
		}
		g.Go(func() error {
			_, err := e.channel.deliverReady(gctx, e.queue)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		logger.L().Warn("scheduler dispatch tick encountered an error", "error", err)
	}

	s.rotate(entries)
}

// rotate moves the cycle's head one position forward after a tick that had
// at least one entry, so the starting queue changes from tick to tick.
func (s *Scheduler) rotate(served []cursorEntry) {
	if len(served) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cycle) == 0 {
		return
	}
	s.cycle = append(s.cycle[1:], s.cycle[0])
}

// restoreLoop is maybe_restore_messages: a fixed-cadence scan that returns
// visibility-timeout-expired deliveries to their queues.
func (s *Scheduler) restoreLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.opts.PollingInterval * 10
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.restoreAll(ctx)
		}
	}
}

func (s *Scheduler) restoreAll(ctx context.Context) {
	s.mu.Lock()
	channels := make([]*Channel, 0, len(s.byChannel))
	for c := range s.byChannel {
		channels = append(channels, c)
	}
	s.mu.Unlock()

	now := time.Now()
	var g errgroup.Group
	for _, c := range channels {
		c := c
		g.Go(func() error {
			c.restoreVisible(ctx, now)
			return nil
		})
	}
	_ = g.Wait()
}

// healthCheckLoop is maybe_check_subclient_health: pings subscription
// connections at a configurable cadence. Backends that want a health check
// implement the unexported healthChecker interface; others are skipped.
func (s *Scheduler) healthCheckLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.opts.HealthCheckInterval
	if interval <= 0 {
		interval = 25 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			channels := make([]*Channel, 0, len(s.byChannel))
			for c := range s.byChannel {
				channels = append(channels, c)
			}
			s.mu.Unlock()
			for _, c := range channels {
				if hc, ok := c.backend.(healthChecker); ok {
					if err := hc.HealthCheck(ctx); err != nil {
						logger.L().Warn("backend health check failed", "error", err)
					}
				}
			}
		}
	}
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}
