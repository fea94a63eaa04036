package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance, in deadline order, without the clock lock held.
type FakeClock struct {
	mu      sync.Mutex
	changed *sync.Cond
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	callback func()
	ticks    chan time.Time
	interval time.Duration
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock is advanced past d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	w := &fakeWaiter{deadline: c.now.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	c.mu.Unlock()
	if d <= 0 {
		c.Advance(0)
	}
	return &fakeTimer{clock: c, waiter: w}
}

// NewTicker registers a periodic waiter.
func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &fakeWaiter{deadline: c.now.Add(d), ticks: make(chan time.Time, 1), interval: d}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	return &fakeTicker{clock: c, waiter: w}
}

// Advance moves the clock forward by d and fires every waiter whose deadline
// has been reached. Tickers that fall behind drop ticks.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		due := c.nextDueLocked(target)
		if due == nil {
			break
		}
		c.now = due.deadline
		if due.interval > 0 {
			select {
			case due.ticks <- c.now:
			default:
			}
			due.deadline = due.deadline.Add(due.interval)
			continue
		}
		due.fired = true
		if due.callback != nil {
			c.mu.Unlock()
			due.callback()
			c.mu.Lock()
		}
	}
	c.now = target
	c.pruneLocked()
	c.mu.Unlock()
}

// BlockUntil waits until at least n active waiters are registered. Tests use it
// to avoid advancing before a goroutine has armed its timer or ticker.
func (c *FakeClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeWaiter {
	var candidates []*fakeWaiter
	for _, w := range c.waiters {
		if w.stopped || w.fired || w.deadline.After(target) {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].deadline.Before(candidates[j].deadline)
	})
	return candidates[0]
}

func (c *FakeClock) activeLocked() int {
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

func (c *FakeClock) pruneLocked() {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

type fakeTimer struct {
	clock  *FakeClock
	waiter *fakeWaiter
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.waiter.stopped || t.waiter.fired {
		return false
	}
	t.waiter.stopped = true
	t.clock.changed.Broadcast()
	return true
}

type fakeTicker struct {
	clock  *FakeClock
	waiter *fakeWaiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.waiter.ticks }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.waiter.stopped = true
	t.clock.changed.Broadcast()
}
