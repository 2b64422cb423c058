// Package clock holds the in-memory table of armed one-shot timers. The
// table is a derived cache over persisted job state: it maps a job id to a
// cancellable timer and nothing else, so it can be discarded and rebuilt
// (the recovery pass does exactly that) without losing data.
package clock

import (
	"sync"
	"time"
)

type armed struct {
	timer   *time.Timer
	discard func()
}

type Clock struct {
	mu     sync.Mutex
	timers map[string]*armed
	// vers is monotonic per id and is never reused: a callback whose version
	// no longer matches was superseded or cancelled and must not run, even if
	// its timer expired before the supersession.
	vers map[string]uint64
}

func New() *Clock {
	return &Clock{
		timers: map[string]*armed{},
		vers:   map[string]uint64{},
	}
}

// Arm schedules fn to run once at or after fireAt. Re-arming an id supersedes
// any previous timer for that id: the old callback will never run, even if
// its timer has already expired and is waiting to be observed. fn runs on its
// own goroutine. discard, if non-nil, runs when the arm is dropped without
// firing (superseded, cancelled, or shut down); for a given Arm at most one
// of fn and discard runs, so callers can use discard to balance accounting
// done at arm time.
func (c *Clock) Arm(id string, fireAt time.Time, fn, discard func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.timers[id]; ok {
		a.timer.Stop()
		if a.discard != nil {
			a.discard()
		}
	}
	ver := c.vers[id] + 1
	c.vers[id] = ver

	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	a := &armed{discard: discard}
	a.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.vers[id] != ver {
			c.mu.Unlock()
			return
		}
		delete(c.timers, id)
		c.mu.Unlock()
		fn()
	})
	c.timers[id] = a
}

// Cancel drops the armed timer for id, if any. It reports whether a timer was
// cancelled before its callback could run; cancellation and firing are
// mutually exclusive for a given Arm. No-op on unknown or already-fired ids.
func (c *Clock) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.timers[id]
	if !ok {
		return false
	}
	a.timer.Stop()
	delete(c.timers, id)
	c.vers[id]++
	if a.discard != nil {
		a.discard()
	}
	return true
}

// Shutdown drops every armed timer. Callbacks that already expired and are
// waiting to be observed are invalidated; discards run for all dropped arms.
// The next startup's recovery pass re-arms from the store.
func (c *Clock) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, a := range c.timers {
		a.timer.Stop()
		c.vers[id]++
		if a.discard != nil {
			a.discard()
		}
	}
	c.timers = map[string]*armed{}
}

// Armed reports whether id currently has a pending timer.
func (c *Clock) Armed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timers[id]
	return ok
}

// Len returns the number of pending timers.
func (c *Clock) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
