// Package schedule provides cancelable periodic tasks and one-shot timers owned by a component.
//
// A Group collects every background timer a component starts so that a single Stop call
// guarantees no scheduled work survives the component's Close.
package schedule

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handle is a cancelable reference to a scheduled task.
type Handle struct {
	name  string
	timer *time.Timer
	stop  chan struct{}
	once  sync.Once
	group *Group
}

// Name returns the task name given at scheduling time.
func (h *Handle) Name() string { return h.name }

// Cancel stops the task. It is safe to call more than once.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		if h.timer != nil && h.timer.Stop() {
			// callback never ran, release its wait slot
			h.group.wg.Done()
		}
		if h.stop != nil {
			close(h.stop)
		}
		h.group.forget(h)
	})
}

// Group owns a set of scheduled tasks.
type Group struct {
	logger *zap.Logger

	mu      sync.Mutex
	handles map[*Handle]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewGroup creates an empty group.
func NewGroup(logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{
		logger:  logger,
		handles: make(map[*Handle]struct{}),
	}
}

// Every runs fn every interval until the handle is canceled or the group stopped.
// A non-positive interval schedules nothing and returns nil.
func (g *Group) Every(name string, interval time.Duration, fn func()) *Handle {
	if interval <= 0 {
		return nil
	}
	h := &Handle{name: name, stop: make(chan struct{}), group: g}
	if !g.track(h) {
		return nil
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				g.run(name, fn)
			}
		}
	}()
	return h
}

// After runs fn once after d unless canceled first.
func (g *Group) After(name string, d time.Duration, fn func()) *Handle {
	h := &Handle{name: name, group: g}
	if !g.track(h) {
		return nil
	}
	g.wg.Add(1)
	h.timer = time.AfterFunc(d, func() {
		defer g.wg.Done()
		g.forget(h)
		g.run(name, fn)
	})
	return h
}

// Len reports the number of live tasks.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handles)
}

// Stop cancels every task and waits for running callbacks to return.
// Tasks scheduled after Stop are ignored.
func (g *Group) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	handles := make([]*Handle, 0, len(g.handles))
	for h := range g.handles {
		handles = append(handles, h)
	}
	g.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	g.wg.Wait()
}

func (g *Group) track(h *Handle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}
	g.handles[h] = struct{}{}
	return true
}

func (g *Group) forget(h *Handle) {
	g.mu.Lock()
	delete(g.handles, h)
	g.mu.Unlock()
}

func (g *Group) run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Scheduled task panic recovered",
				zap.String("task", name),
				zap.Any("panic", r))
		}
	}()
	fn()
}
