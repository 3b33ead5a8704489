// Package tasks tracks the spawn-and-forget handler goroutines fanned
// out by the dispatch loops, so shutdown can drain them within a
// bounded budget and force-close whatever the stragglers still hold.
package tasks

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Group runs handler functions on independent goroutines.  Failures
// (panics) are isolated to the task and reported through the onPanic
// callback; they never propagate to the spawner.
type Group struct {
	clk     clock.Clock
	onPanic func(label string, recovered any)

	wg     sync.WaitGroup
	active atomic.Int64

	mu      sync.Mutex
	nextID  uint64
	closers map[uint64]io.Closer
}

// NewGroup creates a Group.  onPanic may be nil; clk must not be.
func NewGroup(clk clock.Clock, onPanic func(label string, recovered any)) *Group {
	return &Group{
		clk:     clk,
		onPanic: onPanic,
		closers: make(map[uint64]io.Closer),
	}
}

// Go runs fn on a new goroutine.  label identifies the spawning
// service in panic reports.  closer, when non-nil, is the resource
// the task exclusively owns (an accepted connection); it is
// force-closed if the task outlives the drain budget.  Go never
// blocks and never waits for fn.
func (g *Group) Go(label string, closer io.Closer, fn func()) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	if closer != nil {
		g.closers[id] = closer
	}
	g.mu.Unlock()

	g.wg.Add(1)
	g.active.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil && g.onPanic != nil {
				g.onPanic(label, r)
			}
			g.mu.Lock()
			delete(g.closers, id)
			g.mu.Unlock()
			g.active.Add(-1)
			g.wg.Done()
		}()
		fn()
	}()
}

// Active returns the number of tasks currently running.
func (g *Group) Active() int64 { return g.active.Load() }

// Drain waits up to timeout for all tasks to finish.  It returns true
// on a complete drain.  On timeout the remaining tasks are abandoned
// and their registered closers force-closed, then Drain returns false.
func (g *Group) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	timer := g.clk.Timer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		g.closeStragglers()
		return false
	}
}

func (g *Group) closeStragglers() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, c := range g.closers {
		c.Close() //nolint:errcheck // force-close of abandoned resources
		delete(g.closers, id)
	}
}
